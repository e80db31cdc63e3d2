package pathutil

import (
	"os"
	"path/filepath"
	"testing"
)

func TestExpandUserAndEnv(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skipf("no home directory: %v", err)
	}
	t.Setenv("FABRIC_PATH_TEST", "/etc/fabric")
	cases := map[string]string{
		"":                             "",
		"  ":                           "",
		"~":                            home,
		"~/client.pem":                 filepath.Join(home, "client.pem"),
		"$FABRIC_PATH_TEST/client.pem": "/etc/fabric/client.pem",
		"${FABRIC_PATH_TEST}/ca.pem":   "/etc/fabric/ca.pem",
		"relative/key.pem":             "relative/key.pem",
		"~other/key.pem":               "~other/key.pem",
	}
	for in, want := range cases {
		got, err := ExpandUserAndEnv(in)
		if err != nil {
			t.Fatalf("%q: %v", in, err)
		}
		if got != want {
			t.Fatalf("%q: got %q want %q", in, got, want)
		}
	}
}

func TestExpandInPlace(t *testing.T) {
	t.Setenv("FABRIC_PATH_TEST", "/srv")
	a, b := "$FABRIC_PATH_TEST/a.pem", " b.pem "
	if err := ExpandInPlace(&a, nil, &b); err != nil {
		t.Fatalf("expand: %v", err)
	}
	if a != "/srv/a.pem" || b != "b.pem" {
		t.Fatalf("unexpected expansion %q %q", a, b)
	}
}
