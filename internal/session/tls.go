package session

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"time"
)

// TLSDialer dials the broker over mutually authenticated TLS.
type TLSDialer struct {
	// Address is the broker endpoint (host:port).
	Address string

	// Config carries the root CA and client certificate.
	Config *tls.Config

	// Timeout bounds the TCP connect and TLS handshake (default: 15s).
	Timeout time.Duration
}

// Dial opens a TLS connection to the broker.
func (d *TLSDialer) Dial(ctx context.Context) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	td := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: timeout},
		Config:    d.Config,
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := td.DialContext(ctx, "tcp", d.Address)
	if err != nil {
		return nil, fmt.Errorf("tls dial %s: %w", d.Address, err)
	}
	return conn, nil
}

// LoadTLSConfig builds a client TLS config from PEM material. caPEM is
// required; the client certificate is optional for brokers that
// authenticate by username and password.
func LoadTLSConfig(serverName string, caPEM, certPEM, keyPEM []byte) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, errors.New("no root CA certificates found in PEM")
	}

	cfg := &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}

	if len(certPEM) > 0 || len(keyPEM) > 0 {
		cert, err := tls.X509KeyPair(certPEM, keyPEM)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
