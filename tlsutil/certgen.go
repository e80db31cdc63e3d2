package tlsutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net"
	"os"
	"strings"
	"time"
)

// Default validity periods.
const (
	DefaultCAValidity   = 10 * 365 * 24 * time.Hour
	DefaultLeafValidity = 365 * 24 * time.Hour
)

// CA holds a certificate authority keypair used to issue lab and test
// certificates for the backend and its clients.
type CA struct {
	Cert    *x509.Certificate
	CertPEM []byte
	Key     ed25519.PrivateKey
	KeyPEM  []byte
}

// IssuedCert is an issued certificate and its private key.
type IssuedCert struct {
	CertPEM []byte
	KeyPEM  []byte
}

// CertRequest describes a leaf certificate. Hosts are split into IP and DNS
// SANs.
type CertRequest struct {
	CommonName string
	Hosts      []string
	Validity   time.Duration
}

// GenerateCA creates a self-signed ed25519 certificate authority.
func GenerateCA(commonName string, validity time.Duration) (*CA, error) {
	if validity <= 0 {
		validity = DefaultCAValidity
	}
	template := &x509.Certificate{
		Subject:               pkix.Name{CommonName: defaultString(commonName, "fabric-ca")},
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		MaxPathLenZero:        true,
	}
	der, priv, err := sign(template, nil, nil, validity)
	if err != nil {
		return nil, fmt.Errorf("create ca certificate: %w", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parse ca certificate: %w", err)
	}
	keyPEM, err := encodeKey(priv)
	if err != nil {
		return nil, err
	}
	return &CA{
		Cert:    cert,
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Key:     priv,
		KeyPEM:  keyPEM,
	}, nil
}

// IssueServer issues a certificate a backend presents to clients.
func (ca *CA) IssueServer(req CertRequest) (IssuedCert, error) {
	template := &x509.Certificate{
		Subject:     pkix.Name{CommonName: defaultString(req.CommonName, "fabric-server")},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}
	applyHosts(template, req.Hosts)
	if len(template.DNSNames) == 0 && len(template.IPAddresses) == 0 {
		template.DNSNames = []string{"localhost"}
		template.IPAddresses = []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback}
	}
	return ca.issue(template, req.Validity)
}

// IssueClient issues a certificate a client presents to the backend.
func (ca *CA) IssueClient(req CertRequest) (IssuedCert, error) {
	template := &x509.Certificate{
		Subject:     pkix.Name{CommonName: defaultString(req.CommonName, "fabric-client")},
		ExtKeyUsage: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		KeyUsage:    x509.KeyUsageDigitalSignature,
	}
	applyHosts(template, req.Hosts)
	return ca.issue(template, req.Validity)
}

// ServerTLSConfig returns a TLS configuration serving issued and requiring
// client certificates signed by ca.
func (ca *CA) ServerTLSConfig(issued IssuedCert) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(issued.CertPEM, issued.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("server key pair: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
	}, nil
}

func (ca *CA) issue(template *x509.Certificate, validity time.Duration) (IssuedCert, error) {
	if ca == nil {
		return IssuedCert{}, errors.New("ca is nil")
	}
	if validity <= 0 {
		validity = DefaultLeafValidity
	}
	der, priv, err := sign(template, ca.Cert, ca.Key, validity)
	if err != nil {
		return IssuedCert{}, fmt.Errorf("create %s certificate: %w", template.Subject.CommonName, err)
	}
	keyPEM, err := encodeKey(priv)
	if err != nil {
		return IssuedCert{}, err
	}
	return IssuedCert{
		CertPEM: pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		KeyPEM:  keyPEM,
	}, nil
}

// sign generates a fresh key for template and signs it with parentKey, or
// self-signs when parent is nil.
func sign(template, parent *x509.Certificate, parentKey ed25519.PrivateKey, validity time.Duration) ([]byte, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, nil, fmt.Errorf("generate serial: %w", err)
	}
	now := time.Now().UTC()
	template.SerialNumber = serial
	template.NotBefore = now.Add(-time.Hour)
	template.NotAfter = now.Add(validity)
	if parent == nil {
		parent, parentKey = template, priv
	}
	der, err := x509.CreateCertificate(rand.Reader, template, parent, pub, parentKey)
	if err != nil {
		return nil, nil, err
	}
	return der, priv, nil
}

func encodeKey(priv ed25519.PrivateKey) ([]byte, error) {
	keyBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyBytes}), nil
}

func applyHosts(template *x509.Certificate, hosts []string) {
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host == "" {
			continue
		}
		if ip := net.ParseIP(host); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, host)
		}
	}
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

// LoadCA reads a CA certificate and its ed25519 private key from path.
func LoadCA(path string) (*CA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ca: %w", err)
	}
	ca := &CA{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			if ca.Cert != nil {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("parse ca certificate: %w", err)
			}
			ca.Cert, ca.CertPEM = cert, pem.EncodeToMemory(block)
		case "PRIVATE KEY":
			signer, err := parsePrivateKey(block)
			if err != nil {
				return nil, fmt.Errorf("parse ca private key: %w", err)
			}
			key, ok := signer.(ed25519.PrivateKey)
			if !ok {
				return nil, fmt.Errorf("ca private key must be ed25519, got %T", signer)
			}
			ca.Key, ca.KeyPEM = key, pem.EncodeToMemory(block)
		}
	}
	switch {
	case ca.Cert == nil:
		return nil, fmt.Errorf("ca certificate not found in %s", path)
	case ca.Key == nil:
		return nil, fmt.Errorf("ca private key not found in %s", path)
	case !ca.Cert.IsCA:
		return nil, fmt.Errorf("certificate in %s is not a CA", path)
	}
	return ca, nil
}

// Encode returns the CA certificate and key as one PEM accepted by LoadCA.
func (ca *CA) Encode() []byte {
	out := append([]byte{}, ca.CertPEM...)
	return append(out, ca.KeyPEM...)
}
