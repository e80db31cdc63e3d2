package tlsutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestReloaderPicksUpRotatedCertificate(t *testing.T) {
	ca, err := GenerateCA("", 0)
	if err != nil {
		t.Fatalf("generate ca: %v", err)
	}
	first, err := ca.IssueClient(CertRequest{CommonName: "first"})
	if err != nil {
		t.Fatalf("issue first: %v", err)
	}
	dir := t.TempDir()
	certPath := filepath.Join(dir, "client.crt")
	keyPath := filepath.Join(dir, "client.key")
	caPath := filepath.Join(dir, "ca.crt")
	writeFile(t, certPath, first.CertPEM)
	writeFile(t, keyPath, first.KeyPEM)
	writeFile(t, caPath, ca.CertPEM)

	r, err := NewReloader(Source{Cert: certPath, Key: keyPath, CA: caPath}, nil)
	if err != nil {
		t.Fatalf("new reloader: %v", err)
	}
	defer r.Close()
	if r.Current().ClientCert.Subject.CommonName != "first" {
		t.Fatalf("unexpected initial subject")
	}

	second, err := ca.IssueClient(CertRequest{CommonName: "second"})
	if err != nil {
		t.Fatalf("issue second: %v", err)
	}
	// Rotate by rename so the cert and key change together.
	tmp := filepath.Join(dir, "rotate.tmp")
	writeFile(t, tmp, append(append([]byte{}, second.CertPEM...), second.KeyPEM...))
	writeFile(t, keyPath, second.KeyPEM)
	if err := os.Rename(tmp, certPath); err != nil {
		t.Fatalf("rename: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if cur := r.Current(); cur.ClientCert.Subject.CommonName == "second" {
			break
		}
		select {
		case <-r.Reloaded():
		case <-deadline:
			t.Fatalf("reload not observed, generation %d", r.Generation())
		}
	}
	cert, err := r.GetClientCertificate(nil)
	if err != nil {
		t.Fatalf("get client certificate: %v", err)
	}
	if cert.Leaf == nil || cert.Leaf.Subject.CommonName != "second" {
		t.Fatal("GetClientCertificate must return the rotated certificate")
	}
	if r.TLSConfig(false).VerifyPeerCertificate == nil {
		t.Fatal("expected CA verification")
	}
}

func TestReloaderRequiresMaterial(t *testing.T) {
	if _, err := NewReloader(Source{}, nil); err == nil {
		t.Fatal("expected error for empty source")
	}
	if _, err := NewReloader(Source{Bundle: filepath.Join(t.TempDir(), "missing.pem")}, nil); err == nil {
		t.Fatal("expected error for missing bundle")
	}
}
