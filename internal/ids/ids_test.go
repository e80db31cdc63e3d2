package ids_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"pkt.systems/fabric/internal/ids"
)

func TestNewV7(t *testing.T) {
	t.Parallel()

	raw := ids.NewV7()
	parsed, err := uuid.Parse(raw)
	if err != nil {
		t.Fatalf("uuid.Parse: %v", err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
	if raw == ids.NewV7() {
		t.Fatal("expected unique identifiers")
	}
}

func TestRequestIsXID(t *testing.T) {
	t.Parallel()

	if _, err := xid.FromString(ids.Request()); err != nil {
		t.Fatalf("request id is not an xid: %v", err)
	}
}

func TestCanonicalUUID(t *testing.T) {
	t.Parallel()

	want := "0e33e95a-9b15-4d34-8c67-5a1d8ea5b651"
	for _, raw := range []string{
		"0e33e95a9b154d348c675a1d8ea5b651",
		"0E33E95A-9B15-4D34-8C67-5A1D8EA5B651",
		"{0e33e95a-9b15-4d34-8c67-5a1d8ea5b651}",
		" urn:uuid:0e33e95a-9b15-4d34-8c67-5a1d8ea5b651 ",
	} {
		got, ok := ids.CanonicalUUID(raw)
		if !ok || got != want {
			t.Fatalf("CanonicalUUID(%q) = %q, %v", raw, got, ok)
		}
	}
	if _, ok := ids.CanonicalUUID("project-a"); ok {
		t.Fatal("expected non-uuid to be rejected")
	}
}
