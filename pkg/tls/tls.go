// Package tls builds client TLS configurations for the OTA server and the
// MQTT broker.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

type Options struct {
	// CACert is a PEM file path. Empty means the system roots.
	CACert     string
	ServerName string
	SkipVerify bool
}

// LoadCACert reads a PEM bundle into a certificate pool. An empty path
// returns the system pool.
func LoadCACert(path string) (*x509.CertPool, error) {
	if path == "" {
		return x509.SystemCertPool()
	}
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", path)
	}
	return pool, nil
}

// NewConfig returns a client configuration for opts.
func NewConfig(opts Options) (*tls.Config, error) {
	pool, err := LoadCACert(opts.CACert)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		RootCAs:            pool,
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.SkipVerify,
	}, nil
}
