package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"strconv"

	"github.com/nugget/chargelight/internal/provision"
)

// runProvision imports the broker identity into the device store. Only
// the fields given are changed, so one credential can be rotated alone.
func runProvision(stdout, stderr io.Writer, configPath string, args []string) error {
	fs := flag.NewFlagSet("provision", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		broker     = fs.String("broker", "", "broker address (host:port)")
		serverName = fs.String("server-name", "", "TLS server name (default: broker host)")
		clientID   = fs.String("client-id", "", "MQTT client ID (default: generated UUIDv7)")
		username   = fs.String("username", "", "broker username")
		password   = fs.String("password", "", "broker password")
		caPath     = fs.String("ca", "", "PEM root CA file")
		certPath   = fs.String("cert", "", "PEM client certificate file")
		keyPath    = fs.String("key", "", "PEM client key file")
		reset      = fs.Bool("reset", false, "forget identity and pairing, keeping the client ID")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("provision: unexpected argument %q", fs.Arg(0))
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	if *reset {
		store, closeStore, err := openStore(cfg, false)
		if err != nil {
			return err
		}
		defer closeStore()
		if err := provision.Reset(store); err != nil {
			return err
		}
		fmt.Fprintln(stdout, "Identity and pairing cleared; restart the device to apply.")
		return nil
	}

	ca, cert, key, err := provision.ReadPEMFiles(*caPath, *certPath, *keyPath)
	if err != nil {
		return err
	}

	store, closeStore, err := openStore(cfg, false)
	if err != nil {
		return err
	}
	defer closeStore()

	err = provision.Import(store, provision.Identity{
		ClientID:   *clientID,
		Broker:     *broker,
		ServerName: *serverName,
		Username:   *username,
		Password:   *password,
		CA:         ca,
		Cert:       cert,
		Key:        key,
	})
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}

	id, err := provision.LoadIdentity(store)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Provisioned %s for broker %s\n", id.ClientID, id.Broker)
	fmt.Fprintf(stdout, "  store: %s\n", cfg.StorePath())
	return nil
}

// runPair sets the station pairing flag read by the orchestrator.
func runPair(w io.Writer, configPath, value string) error {
	paired, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("usage: chargelight pair true|false")
	}

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg, false)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := provision.SetStationPaired(store, paired); err != nil {
		return fmt.Errorf("pair: %w", err)
	}
	fmt.Fprintf(w, "Station paired: %t\n", paired)
	return nil
}

// runStatus prints what the device store holds, with secrets masked.
func runStatus(w io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cfg, false)
	if err != nil {
		return err
	}
	defer closeStore()

	_, idErr := provision.LoadIdentity(store)
	paired, err := provision.StationPaired(store)
	if err != nil {
		return err
	}
	lines, err := provision.Describe(store)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"store":       cfg.StorePath(),
			"provisioned": idErr == nil,
			"paired":      paired,
			"settings":    lines,
		})
	}
	fmt.Fprintf(w, "Store:       %s\n", cfg.StorePath())
	if idErr != nil {
		fmt.Fprintf(w, "Provisioned: no (%v)\n", idErr)
	} else {
		fmt.Fprintln(w, "Provisioned: yes")
	}
	fmt.Fprintf(w, "Paired:      %t\n", paired)
	for _, l := range lines {
		fmt.Fprintf(w, "  %s\n", l)
	}
	return nil
}
