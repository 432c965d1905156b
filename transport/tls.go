// File: transport/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/pkcs12"

	"github.com/momentics/wsengine/api"
)

// TLSConfig is the certificate surface exposed to configuration files.
type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertPath string `mapstructure:"cert_path"`
	// CertPassword unlocks a PKCS#12 bundle. PEM bundles are read unencrypted.
	CertPassword string `mapstructure:"cert_password"`
}

// LoadServerTLS builds a server tls.Config from a certificate bundle. Files
// ending in .p12 or .pfx, or that contain no PEM blocks, are decoded as
// PKCS#12 with password; anything else must be a PEM file holding both the
// certificate chain and the private key.
func LoadServerTLS(certPath, password string) (*tls.Config, error) {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return nil, api.ErrConfig.WithMessage("read certificate: " + err.Error()).WithError(err)
	}

	pemData := data
	if isPKCS12(certPath, data) {
		if pemData, err = pkcs12PEM(data, password); err != nil {
			return nil, err
		}
	}
	cert, err := tls.X509KeyPair(pemData, pemData)
	if err != nil {
		return nil, api.ErrConfig.WithMessage("parse certificate: " + err.Error()).
			WithContext("path", certPath).WithError(err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLS builds a client tls.Config for serverName. rootCAPath, when set,
// replaces the system roots with the PEM certificates in that file.
func ClientTLS(serverName, rootCAPath string, insecureSkipVerify bool) (*tls.Config, error) {
	cfg := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: insecureSkipVerify,
	}
	if rootCAPath == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(rootCAPath)
	if err != nil {
		return nil, api.ErrConfig.WithMessage("read root CA: " + err.Error()).WithError(err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(data) {
		return nil, api.ErrConfig.WithMessage("no certificates in root CA file").WithContext("path", rootCAPath)
	}
	cfg.RootCAs = roots
	return cfg, nil
}

func isPKCS12(path string, data []byte) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".p12", ".pfx":
		return true
	}
	block, _ := pem.Decode(data)
	return block == nil
}

func pkcs12PEM(data []byte, password string) ([]byte, error) {
	blocks, err := pkcs12.ToPEM(data, password)
	if err != nil {
		return nil, api.ErrConfig.WithMessage("decode PKCS#12: " + err.Error()).WithError(err)
	}
	var buf bytes.Buffer
	for _, b := range blocks {
		if err := pem.Encode(&buf, b); err != nil {
			return nil, api.ErrConfig.WithError(err)
		}
	}
	return buf.Bytes(), nil
}
