// Package config resolves the certificate and ACL material a node loads at
// startup. Files live under CONFIG_DIR when set, otherwise ~/.raftlogd.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
)

const configDirName = ".raftlogd"

var (
	CAFile             = resolve("ca.pem")
	ServerCertFile     = resolve("server.pem")
	ServerKeyFile      = resolve("server-key.pem")
	RootClientCertFile = resolve("root-client.pem")
	RootClientKeyFile  = resolve("root-client-key.pem")
	ACLModelFile       = resolve("model.conf")
	ACLPolicyFile      = resolve("policy.csv")
)

func resolve(name string) string {
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return filepath.Join(dir, name)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(configDirName, name)
	}
	return filepath.Join(home, configDirName, name)
}

// TLSSetup describes one side of a mutually-authenticated connection: the
// certificate pair this side presents and the CA pool it verifies the other
// side against.
type TLSSetup struct {
	CertFile   string
	KeyFile    string
	CAFile     string
	ServerName string
	Server     bool
}

// NewTLSConfig loads the key pair and CA pool named by s. A server config
// demands and verifies client certificates; a client config pins the CA it
// accepts server certificates from.
func NewTLSConfig(s TLSSetup) (*tls.Config, error) {
	cfg := &tls.Config{ServerName: s.ServerName}

	if s.CertFile != "" && s.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.CertFile, s.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if s.CAFile == "" {
		return cfg, nil
	}
	pem, err := os.ReadFile(s.CAFile)
	if err != nil {
		return nil, fmt.Errorf("config: read ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("config: no certificates parsed from %q", s.CAFile)
	}
	if s.Server {
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	} else {
		cfg.RootCAs = pool
	}
	return cfg, nil
}
