package api

import (
	"encoding/json"
	"slices"
	"testing"
)

func TestParseVersion(t *testing.T) {
	cases := map[string]Version{
		"2":     V2,
		"2.1":   V2_1,
		"v2.2":  V2_2,
		" v3 ":  {Major: 3},
		"V2.10": {Major: 2, Minor: 10},
	}
	for raw, want := range cases {
		got, err := ParseVersion(raw)
		if err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got != want {
			t.Fatalf("parse %q: got %v want %v", raw, got, want)
		}
	}
	for _, raw := range []string{"", "v", "two", "2.x", "0", "-1.2"} {
		if _, err := ParseVersion(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestVersionOrdering(t *testing.T) {
	if !V2.Less(V2_1) || !V2_1.Less(V2_2) {
		t.Fatal("expected 2 < 2.1 < 2.2")
	}
	if (Version{Major: 2, Minor: 10}).Less(V2_2) {
		t.Fatal("2.10 must sort after 2.2")
	}
	if !V2_2.AtLeast(V2_2) || V2_1.AtLeast(V2_2) {
		t.Fatal("unexpected AtLeast result")
	}
	got := SortNewestFirst([]Version{V2, V2_2, V2_1, V2_2})
	want := []Version{V2_2, V2_1, V2}
	if !slices.Equal(got, want) {
		t.Fatalf("sort: got %v want %v", got, want)
	}
	if !slices.Equal(KnownVersions(), want) {
		t.Fatalf("known versions must be newest first: %v", KnownVersions())
	}
}

func TestVersionRendering(t *testing.T) {
	if V2.String() != "2" || V2_1.String() != "2.1" {
		t.Fatalf("unexpected strings %q %q", V2.String(), V2_1.String())
	}
	if V2_2.PathSegment() != "v2.2" {
		t.Fatalf("unexpected path segment %q", V2_2.PathSegment())
	}
	data, err := json.Marshal(map[string]Version{"v": V2_1})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"v":"2.1"}` {
		t.Fatalf("unexpected json %s", data)
	}
	var decoded map[string]Version
	if err := json.Unmarshal([]byte(`{"v":"v2.2"}`), &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded["v"] != V2_2 {
		t.Fatalf("unexpected decoded version %v", decoded["v"])
	}
}
