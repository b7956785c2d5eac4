package dbclient

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"querybuilder/internal/domain"
)

// buildTLSConfig turns file-based TLS options into a crypto/tls config.
func buildTLSConfig(o domain.TLSOptions, serverName string) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: o.SkipVerify,
		MinVersion:         tls.VersionTLS12,
	}
	if o.CA != "" {
		pem, err := os.ReadFile(o.CA)
		if err != nil {
			return nil, fmt.Errorf("%w: read CA: %w", domain.ErrConfiguration, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", domain.ErrConfiguration, o.CA)
		}
		cfg.RootCAs = pool
	}
	if o.Cert != "" {
		pair, err := tls.LoadX509KeyPair(o.Cert, o.Key)
		if err != nil {
			return nil, fmt.Errorf("%w: load client certificate: %w", domain.ErrConfiguration, err)
		}
		cfg.Certificates = []tls.Certificate{pair}
	}
	return cfg, nil
}
