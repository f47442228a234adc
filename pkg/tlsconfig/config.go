// Package tlsconfig builds client TLS configurations for the broker
// connection (amqps) from file paths or inline PEM data.
package tlsconfig

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log"
	"os"
)

// Config represents client TLS configuration options.
type Config struct {
	// Enable TLS
	Enabled bool `yaml:"enabled,omitempty"`

	// Server certificate validation
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"` // Skip certificate verification (DANGER: only for development!)
	CACert             string `yaml:"ca_cert,omitempty"`              // Path to CA certificate file
	CACertData         string `yaml:"ca_cert_data,omitempty"`         // CA certificate data (PEM)

	// Client certificate (MTLS)
	ClientCert     string `yaml:"client_cert,omitempty"`      // Path to client certificate file
	ClientCertData string `yaml:"client_cert_data,omitempty"` // Client certificate data (PEM)
	ClientKey      string `yaml:"client_key,omitempty"`       // Path to client key file
	ClientKeyData  string `yaml:"client_key_data,omitempty"`  // Client key data (PEM)

	// TLS version
	MinVersion string `yaml:"min_version,omitempty"` // Minimum TLS version: "1.0", "1.1", "1.2", "1.3" (default: "1.2")
	MaxVersion string `yaml:"max_version,omitempty"` // Maximum TLS version

	// Server name (SNI)
	ServerName string `yaml:"server_name,omitempty"`
}

// NewTLSConfig creates a *tls.Config from the TLS configuration.
func (c *Config) NewTLSConfig() (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}

	if c.InsecureSkipVerify {
		log.Printf("WARNING: TLS InsecureSkipVerify is enabled. This disables certificate verification and should only be used in development environments!")
	}

	tlsConfig := &tls.Config{
		InsecureSkipVerify: c.InsecureSkipVerify, // #nosec G402 - intentionally configurable for development
		ServerName:         c.ServerName,
	}

	if c.MinVersion != "" {
		version, err := parseTLSVersion(c.MinVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid min_version: %w", err)
		}
		tlsConfig.MinVersion = version
	} else {
		tlsConfig.MinVersion = tls.VersionTLS12
	}

	if c.MaxVersion != "" {
		version, err := parseTLSVersion(c.MaxVersion)
		if err != nil {
			return nil, fmt.Errorf("invalid max_version: %w", err)
		}
		tlsConfig.MaxVersion = version
	}

	if c.CACert != "" || c.CACertData != "" {
		certPool, err := c.loadCACertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
		tlsConfig.RootCAs = certPool
	}

	if c.ClientCert != "" || c.ClientCertData != "" {
		cert, err := c.loadClientCertificate()
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return tlsConfig, nil
}

// loadCACertPool loads the CA certificate pool from file or data.
func (c *Config) loadCACertPool() (*x509.CertPool, error) {
	certPool := x509.NewCertPool()

	var caCertData []byte
	var err error

	if c.CACert != "" {
		caCertData, err = os.ReadFile(c.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file: %w", err)
		}
	} else if c.CACertData != "" {
		caCertData = []byte(c.CACertData)
	} else {
		return nil, fmt.Errorf("no CA certificate provided")
	}

	if !certPool.AppendCertsFromPEM(caCertData) {
		return nil, fmt.Errorf("failed to parse CA certificate")
	}

	return certPool, nil
}

// loadClientCertificate loads the client certificate and key for MTLS.
func (c *Config) loadClientCertificate() (tls.Certificate, error) {
	var certData, keyData []byte
	var err error

	if c.ClientCert != "" {
		certData, err = os.ReadFile(c.ClientCert)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to read client cert file: %w", err)
		}
	} else if c.ClientCertData != "" {
		certData = []byte(c.ClientCertData)
	} else {
		return tls.Certificate{}, fmt.Errorf("no client certificate provided")
	}

	if c.ClientKey != "" {
		keyData, err = os.ReadFile(c.ClientKey)
		if err != nil {
			return tls.Certificate{}, fmt.Errorf("failed to read client key file: %w", err)
		}
	} else if c.ClientKeyData != "" {
		keyData = []byte(c.ClientKeyData)
	} else {
		return tls.Certificate{}, fmt.Errorf("no client key provided")
	}

	cert, err := tls.X509KeyPair(certData, keyData)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load key pair: %w", err)
	}

	return cert, nil
}

// parseTLSVersion parses a TLS version string to uint16.
func parseTLSVersion(version string) (uint16, error) {
	switch version {
	case "1.0":
		return tls.VersionTLS10, nil
	case "1.1":
		return tls.VersionTLS11, nil
	case "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unknown TLS version: %s (supported: 1.0, 1.1, 1.2, 1.3)", version)
	}
}

// Validate validates the TLS configuration.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if c.CACert != "" && c.CACertData != "" {
		return fmt.Errorf("cannot specify both ca_cert and ca_cert_data")
	}
	if c.ClientCert != "" && c.ClientCertData != "" {
		return fmt.Errorf("cannot specify both client_cert and client_cert_data")
	}
	if c.ClientKey != "" && c.ClientKeyData != "" {
		return fmt.Errorf("cannot specify both client_key and client_key_data")
	}

	// Both certificate and key are required for MTLS
	hasCert := c.ClientCert != "" || c.ClientCertData != ""
	hasKey := c.ClientKey != "" || c.ClientKeyData != ""
	if hasCert != hasKey {
		return fmt.Errorf("both client certificate and key must be provided for MTLS")
	}

	if c.MinVersion != "" {
		if _, err := parseTLSVersion(c.MinVersion); err != nil {
			return err
		}
	}
	if c.MaxVersion != "" {
		if _, err := parseTLSVersion(c.MaxVersion); err != nil {
			return err
		}
	}

	return nil
}
