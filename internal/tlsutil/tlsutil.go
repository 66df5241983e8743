// Package tlsutil loads certificate material for outbound TLS connections,
// including PKCS#12 keystores and truststores.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"
)

// ClientOptions describes the TLS material for one outbound connection.
type ClientOptions struct {
	ServerName         string
	CAFile             string
	UseOSCerts         bool
	TruststoreFile     string
	TruststorePassword string
	KeystoreFile       string
	KeystorePassword   string
	InsecureSkipVerify bool
}

// ClientConfig builds a TLS 1.2+ client configuration. Root CAs come from the
// OS pool, a PEM CA file and/or a PKCS#12 truststore; with none of those set
// the Go default roots apply.
func ClientConfig(opts ClientOptions) (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         opts.ServerName,
		InsecureSkipVerify: opts.InsecureSkipVerify, //nolint:gosec // explicit opt-in for test endpoints
	}

	var pool *x509.CertPool
	if opts.UseOSCerts {
		sys, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("loading system cert pool: %w", err)
		}
		pool = sys
	}
	if opts.CAFile != "" {
		if pool == nil {
			pool = x509.NewCertPool()
		}
		if err := AppendPEMFile(pool, opts.CAFile); err != nil {
			return nil, err
		}
	}
	if opts.TruststoreFile != "" {
		certs, err := LoadTruststore(opts.TruststoreFile, opts.TruststorePassword)
		if err != nil {
			return nil, err
		}
		if pool == nil {
			pool = x509.NewCertPool()
		}
		for _, c := range certs {
			pool.AddCert(c)
		}
	}
	cfg.RootCAs = pool

	if opts.KeystoreFile != "" {
		cert, err := LoadKeystore(opts.KeystoreFile, opts.KeystorePassword)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// AppendPEMFile adds every certificate in a PEM file to pool.
func AppendPEMFile(pool *x509.CertPool, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading CA file: %w", err)
	}
	if !pool.AppendCertsFromPEM(data) {
		return fmt.Errorf("no certificates found in CA file %s", path)
	}
	return nil
}

// LoadTruststore reads CA certificates from a PKCS#12 truststore.
func LoadTruststore(path, password string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading truststore: %w", err)
	}
	certs, err := pkcs12.DecodeTrustStore(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12 truststore (check password): %w", err)
	}
	if len(certs) == 0 {
		return nil, fmt.Errorf("no certificates found in truststore %s", path)
	}
	return certs, nil
}

// LoadKeystore reads a client certificate chain and private key from a PKCS#12 keystore.
func LoadKeystore(path, password string) (tls.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("reading keystore: %w", err)
	}
	key, leaf, chain, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to decode PKCS#12 keystore (check password): %w", err)
	}
	if key == nil || leaf == nil {
		return tls.Certificate{}, errors.New("no private key or certificate found in keystore")
	}

	raw := [][]byte{leaf.Raw}
	for _, c := range chain {
		raw = append(raw, c.Raw)
	}
	return tls.Certificate{Certificate: raw, PrivateKey: key, Leaf: leaf}, nil
}
