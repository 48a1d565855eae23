package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loykin/stepsync/internal/config"
)

// Files written to, and read from, TLSConfig.Dir.
const (
	CACertFile = "ca.crt"
	CertFile   = "tls.crt"
	KeyFile    = "tls.key"
)

func parseVersion(v string) (uint16, error) {
	switch v {
	case "", "1.3", "tls1.3", "TLS1.3":
		return tls.VersionTLS13, nil
	case "1.2", "tls1.2", "TLS1.2":
		return tls.VersionTLS12, nil
	default:
		return 0, fmt.Errorf("unsupported tls min_version %q", v)
	}
}

// Paths returns the certificate and key the server will use.
func Paths(c config.TLSConfig) (cert, key string, err error) {
	switch {
	case c.CertFile != "" && c.KeyFile != "":
		return c.CertFile, c.KeyFile, nil
	case c.Dir != "":
		return filepath.Join(c.Dir, CertFile), filepath.Join(c.Dir, KeyFile), nil
	default:
		return "", "", errors.New("tls enabled without cert_file/key_file or dir")
	}
}

// ServerConfig builds the API listener TLS config. It returns nil when TLS
// is disabled. With AutoGenerate, a missing pair in Dir is created first.
func ServerConfig(c config.TLSConfig) (*tls.Config, error) {
	if !c.Enabled {
		return nil, nil
	}
	minVer, err := parseVersion(c.MinVersion)
	if err != nil {
		return nil, err
	}
	certPath, keyPath, err := Paths(c)
	if err != nil {
		return nil, err
	}
	if c.AutoGenerate && c.Dir != "" && !exists(certPath, keyPath) {
		err := GenerateSelfSigned(CertConfig{
			Hosts:      c.Hosts,
			CertPath:   certPath,
			KeyPath:    keyPath,
			CACertPath: filepath.Join(c.Dir, CACertFile),
		})
		if err != nil {
			return nil, fmt.Errorf("generate certificate: %w", err)
		}
	}
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	tc := &tls.Config{
		Certificates: []tls.Certificate{pair},
		MinVersion:   minVer,
	}
	if c.ClientCA != "" {
		pool, err := loadPool(c.ClientCA)
		if err != nil {
			return nil, err
		}
		tc.ClientCAs = pool
		tc.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tc, nil
}

func loadPool(path string) (*x509.CertPool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client_ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(raw) {
		return nil, fmt.Errorf("client_ca %s holds no PEM certificate", path)
	}
	return pool, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}
