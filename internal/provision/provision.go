// Package provision reads and writes the device's cloud identity and
// station pairing in the persisted store.
//
// Provisioning happens out of band (the "provision" command, or a
// factory tool writing the same keys). A device whose identity is
// incomplete boots into a terminal unprovisioned state and needs a
// reboot after provisioning.
package provision

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/chargelight/internal/opstate"
	"github.com/nugget/chargelight/internal/session"
)

// Store namespaces.
const (
	IdentityNamespace = "iot"
	StationNamespace  = "station"
)

// ErrUnprovisioned is returned when the cloud identity is incomplete.
var ErrUnprovisioned = errors.New("device is not provisioned")

// Store is a persisted key-value store. *opstate.Store and
// *opstate.MemStore satisfy it.
type Store interface {
	opstate.Getter
	opstate.Setter
}

// Identity is everything needed to reach the cloud broker.
type Identity struct {
	ClientID   string
	Broker     string // host:port
	ServerName string // TLS server name; defaults to the broker host
	Username   string
	Password   string
	CA         []byte // PEM root CA
	Cert       []byte // PEM client certificate
	Key        []byte // PEM client key
}

// Missing lists the identity fields that prevent connecting.
func (id Identity) Missing() []string {
	var missing []string
	if id.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if id.Broker == "" {
		missing = append(missing, "broker")
	}
	if len(id.CA) == 0 {
		missing = append(missing, "ca_pem")
	}
	if (len(id.Cert) == 0) != (len(id.Key) == 0) {
		missing = append(missing, "cert_pem/key_pem pair")
	}
	return missing
}

// Validate returns ErrUnprovisioned, naming the missing fields, if the
// identity is incomplete.
func (id Identity) Validate() error {
	if missing := id.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrUnprovisioned, strings.Join(missing, ", "))
	}
	if _, _, err := net.SplitHostPort(id.Broker); err != nil {
		return fmt.Errorf("%w: broker %q: %v", ErrUnprovisioned, id.Broker, err)
	}
	return nil
}

// TLSConfig builds the client TLS configuration for the broker.
func (id Identity) TLSConfig() (*tls.Config, error) {
	serverName := id.ServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(id.Broker)
		if err != nil {
			return nil, fmt.Errorf("broker address %q: %w", id.Broker, err)
		}
		serverName = host
	}
	return session.LoadTLSConfig(serverName, id.CA, id.Cert, id.Key)
}

// LoadIdentity reads the identity from the store. An incomplete identity
// is returned together with an error wrapping ErrUnprovisioned.
func LoadIdentity(g opstate.Getter) (Identity, error) {
	var id Identity
	fields := []struct {
		key string
		str *string
		raw *[]byte
	}{
		{key: "client_id", str: &id.ClientID},
		{key: "broker", str: &id.Broker},
		{key: "server_name", str: &id.ServerName},
		{key: "username", str: &id.Username},
		{key: "password", str: &id.Password},
		{key: "ca_pem", raw: &id.CA},
		{key: "cert_pem", raw: &id.Cert},
		{key: "key_pem", raw: &id.Key},
	}
	for _, f := range fields {
		v, err := g.Get(IdentityNamespace, f.key)
		if err != nil {
			return id, fmt.Errorf("load identity %s: %w", f.key, err)
		}
		if f.str != nil {
			*f.str = v
		} else if v != "" {
			*f.raw = []byte(v)
		}
	}
	return id, id.Validate()
}

// Import validates id and writes it to the store. Empty fields leave the
// stored value unchanged, so a partial import can rotate one credential.
func Import(s Store, id Identity) error {
	current, _ := LoadIdentity(s)
	merged := current
	if id.ClientID != "" {
		merged.ClientID = id.ClientID
	}
	if id.Broker != "" {
		merged.Broker = id.Broker
	}
	if id.ServerName != "" {
		merged.ServerName = id.ServerName
	}
	if id.Username != "" {
		merged.Username = id.Username
	}
	if id.Password != "" {
		merged.Password = id.Password
	}
	if len(id.CA) > 0 {
		merged.CA = id.CA
	}
	if len(id.Cert) > 0 {
		merged.Cert = id.Cert
	}
	if len(id.Key) > 0 {
		merged.Key = id.Key
	}
	if merged.ClientID == "" {
		clientID, err := LoadOrCreateClientID(s)
		if err != nil {
			return err
		}
		merged.ClientID = clientID
	}

	if err := merged.Validate(); err != nil {
		return err
	}
	if _, err := merged.TLSConfig(); err != nil {
		return fmt.Errorf("tls material: %w", err)
	}

	values := map[string]string{
		"client_id":   merged.ClientID,
		"broker":      merged.Broker,
		"server_name": merged.ServerName,
		"username":    merged.Username,
		"password":    merged.Password,
		"ca_pem":      string(merged.CA),
		"cert_pem":    string(merged.Cert),
		"key_pem":     string(merged.Key),
	}
	if err := opstate.SetAll(s, IdentityNamespace, values); err != nil {
		return fmt.Errorf("store identity: %w", err)
	}
	return nil
}

// Reset forgets the cloud identity, except the client ID, and the
// station pairing. The device comes back unprovisioned on next start.
func Reset(s interface {
	Store
	opstate.NamespaceDeleter
}) error {
	clientID, err := s.Get(IdentityNamespace, "client_id")
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	for _, ns := range []string{IdentityNamespace, StationNamespace} {
		if err := s.DeleteNamespace(ns); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	if clientID != "" {
		if err := s.Set(IdentityNamespace, "client_id", clientID); err != nil {
			return fmt.Errorf("reset: keep client ID: %w", err)
		}
	}
	return nil
}

// secretKeys are never printed by Describe.
var secretKeys = map[string]bool{"password": true, "key_pem": true}

// Describe renders every stored setting for display, one
// "namespace/key = value" line each, sorted. Secrets are masked and PEM
// blobs are summarized.
func Describe(l opstate.Lister) ([]string, error) {
	namespaces, err := l.Namespaces()
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, ns := range namespaces {
		values, err := l.List(ns)
		if err != nil {
			return nil, err
		}
		keys := make([]string, 0, len(values))
		for k := range values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			v := values[k]
			switch {
			case v == "":
				continue
			case ns == IdentityNamespace && secretKeys[k]:
				v = "(set)"
			case strings.HasPrefix(v, "-----BEGIN"):
				v = fmt.Sprintf("(PEM, %d bytes)", len(v))
			}
			lines = append(lines, fmt.Sprintf("%s/%s = %s", ns, k, v))
		}
	}
	return lines, nil
}

// ReadPEMFiles loads CA, certificate and key files. Empty paths are
// skipped.
func ReadPEMFiles(caPath, certPath, keyPath string) (ca, cert, key []byte, err error) {
	read := func(path string) ([]byte, error) {
		if path == "" {
			return nil, nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return data, nil
	}
	if ca, err = read(caPath); err != nil {
		return nil, nil, nil, err
	}
	if cert, err = read(certPath); err != nil {
		return nil, nil, nil, err
	}
	if key, err = read(keyPath); err != nil {
		return nil, nil, nil, err
	}
	return ca, cert, key, nil
}

// LoadOrCreateClientID returns the stored client ID, generating and
// persisting a UUIDv7 if none exists. The ID is the device's stable
// broker identity and survives reprovisioning of credentials.
func LoadOrCreateClientID(s Store) (string, error) {
	v, err := s.Get(IdentityNamespace, "client_id")
	if err != nil {
		return "", fmt.Errorf("load client ID: %w", err)
	}
	if id := strings.TrimSpace(v); id != "" {
		return id, nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate client ID: %w", err)
	}
	if err := s.Set(IdentityNamespace, "client_id", id.String()); err != nil {
		return "", fmt.Errorf("persist client ID: %w", err)
	}
	return id.String(), nil
}

// StationPaired reports whether the charge point has been paired with
// its cloud station record.
func StationPaired(g opstate.Getter) (bool, error) {
	return opstate.GetBool(g, StationNamespace, "paired", false)
}

// SetStationPaired records the pairing flag.
func SetStationPaired(s opstate.Setter, paired bool) error {
	return opstate.SetBool(s, StationNamespace, "paired", paired)
}
