// Package tlsutil loads, generates and hot-reloads the TLS material used to
// reach the backend with mutual TLS.
package tlsutil

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// ClientBundle is a client certificate+key pair with the CA certificates
// used to verify the backend.
type ClientBundle struct {
	Certificate   tls.Certificate
	ClientCert    *x509.Certificate
	ClientCertPEM []byte
	ClientKeyPEM  []byte
	CACerts       []*x509.Certificate
	// CAPool is nil when no CA was supplied; system roots apply then.
	CAPool *x509.CertPool
}

// LoadClientBundle parses a combined PEM (CA cert + client cert + key) from
// path. The CA certificate is mandatory.
func LoadClientBundle(path string) (*ClientBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read client bundle: %w", err)
	}
	return LoadClientBundleFromBytes(data)
}

// LoadClientBundleFromBytes parses a combined client PEM.
func LoadClientBundleFromBytes(data []byte) (*ClientBundle, error) {
	return parseClientPEM(data, true)
}

// LoadKeyPair reads a client certificate and key from separate files. caPath
// is optional; without it the backend is verified against system roots.
func LoadKeyPair(certPath, keyPath, caPath string) (*ClientBundle, error) {
	var data []byte
	for _, p := range []string{caPath, certPath, keyPath} {
		if strings.TrimSpace(p) == "" {
			continue
		}
		chunk, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read tls material %s: %w", p, err)
		}
		data = append(data, chunk...)
		data = append(data, '\n')
	}
	return parseClientPEM(data, false)
}

func parseClientPEM(data []byte, requireCA bool) (*ClientBundle, error) {
	var (
		caCerts       []*x509.Certificate
		clientCert    *x509.Certificate
		clientCertPEM []byte
		clientKeyPEM  []byte
		privKeys      []struct {
			signer crypto.Signer
			pem    []byte
		}
	)
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("client bundle: parse certificate: %w", err)
			}
			pemBytes := pem.EncodeToMemory(block)
			switch {
			case cert.IsCA:
				caCerts = append(caCerts, cert)
			case clientCert == nil:
				clientCert = cert
				clientCertPEM = pemBytes
			default:
				// intermediates follow the leaf
				clientCertPEM = append(clientCertPEM, pemBytes...)
			}
		case "PRIVATE KEY", "RSA PRIVATE KEY", "EC PRIVATE KEY":
			key, err := parsePrivateKey(block)
			if err != nil {
				return nil, fmt.Errorf("client bundle: parse private key: %w", err)
			}
			privKeys = append(privKeys, struct {
				signer crypto.Signer
				pem    []byte
			}{signer: key, pem: pem.EncodeToMemory(block)})
		}
	}
	if clientCert == nil {
		return nil, errors.New("client bundle: client certificate not found")
	}
	for _, key := range privKeys {
		if publicKeysEqual(clientCert.PublicKey, key.signer.Public()) {
			clientKeyPEM = key.pem
			break
		}
	}
	if len(clientKeyPEM) == 0 {
		return nil, errors.New("client bundle: matching private key not found")
	}
	if requireCA && len(caCerts) == 0 {
		return nil, errors.New("client bundle: CA certificate required")
	}
	tlsCert, err := tls.X509KeyPair(clientCertPEM, clientKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("client bundle: build key pair: %w", err)
	}
	tlsCert.Leaf = clientCert
	bundle := &ClientBundle{
		Certificate:   tlsCert,
		ClientCert:    clientCert,
		ClientCertPEM: clientCertPEM,
		ClientKeyPEM:  clientKeyPEM,
		CACerts:       caCerts,
	}
	if len(caCerts) > 0 {
		bundle.CAPool = x509.NewCertPool()
		for _, ca := range caCerts {
			bundle.CAPool.AddCert(ca)
		}
	}
	return bundle, nil
}

// TLSConfig returns a client TLS configuration presenting the bundle's
// certificate. With a CA pool the backend chain is verified against it while
// the host name is not checked, since appliances are commonly addressed by
// IP; insecure disables verification entirely.
func (b *ClientBundle) TLSConfig(insecure bool) *tls.Config {
	cfg := &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{b.Certificate},
	}
	applyVerification(cfg, func() *x509.CertPool { return b.CAPool }, insecure)
	return cfg
}

func applyVerification(cfg *tls.Config, roots func() *x509.CertPool, insecure bool) {
	if insecure {
		cfg.InsecureSkipVerify = true
		return
	}
	if roots() == nil {
		return
	}
	cfg.InsecureSkipVerify = true
	cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		return verifyServerCertificate(rawCerts, roots())
	}
}

func verifyServerCertificate(rawCerts [][]byte, roots *x509.CertPool) error {
	if len(rawCerts) == 0 {
		return errors.New("mtls: missing server certificate")
	}
	certs := make([]*x509.Certificate, 0, len(rawCerts))
	for _, raw := range rawCerts {
		cert, err := x509.ParseCertificate(raw)
		if err != nil {
			return fmt.Errorf("mtls: parse server certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	opts := x509.VerifyOptions{
		Roots:         roots,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		Intermediates: x509.NewCertPool(),
		CurrentTime:   time.Now(),
	}
	for _, cert := range certs[1:] {
		opts.Intermediates.AddCert(cert)
	}
	if _, err := certs[0].Verify(opts); err != nil {
		return fmt.Errorf("mtls: verify server certificate: %w", err)
	}
	return nil
}
