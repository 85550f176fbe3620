package id

import (
	"encoding/json"
	"testing"
)

func TestNewGeneratesPrefixedIDs(t *testing.T) {
	t.Parallel()

	jid := NewJobID()
	if jid.Prefix() != PrefixJob {
		t.Fatalf("expected prefix %q, got %q", PrefixJob, jid.Prefix())
	}
	if jid.IsNil() {
		t.Fatal("new ID should not be nil")
	}

	cid := NewConnID()
	if cid.Prefix() != PrefixConnection {
		t.Fatalf("expected prefix %q, got %q", PrefixConnection, cid.Prefix())
	}
}

func TestNewIsUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 1000)
	for range 1000 {
		s := NewJobID().String()
		if _, dup := seen[s]; dup {
			t.Fatalf("duplicate ID generated: %s", s)
		}
		seen[s] = struct{}{}
	}
}

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()

	orig := NewJobID()
	parsed, err := Parse(orig.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.String() != orig.String() {
		t.Fatalf("round trip mismatch: %q != %q", parsed.String(), orig.String())
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	t.Parallel()

	for _, s := range []string{"", "not a typeid", "job_"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) should fail", s)
		}
	}
}

func TestParseWithPrefixMismatch(t *testing.T) {
	t.Parallel()

	wid := NewWorkerID()
	if _, err := ParseJobID(wid.String()); err == nil {
		t.Fatal("expected prefix mismatch error")
	}
	if _, err := ParseWorkerID(wid.String()); err != nil {
		t.Fatalf("matching prefix should parse: %v", err)
	}
}

func TestNilID(t *testing.T) {
	t.Parallel()

	if !Nil.IsNil() {
		t.Fatal("Nil should report IsNil")
	}
	if Nil.String() != "" {
		t.Fatalf("Nil.String() = %q, want empty", Nil.String())
	}
	v, err := Nil.Value()
	if err != nil {
		t.Fatalf("Nil.Value: %v", err)
	}
	if v != nil {
		t.Fatalf("Nil.Value() = %v, want nil", v)
	}
}

func TestJSONRoundTrip(t *testing.T) {
	t.Parallel()

	orig := NewJobID()
	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back ID
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.String() != orig.String() {
		t.Fatalf("round trip mismatch: %q != %q", back.String(), orig.String())
	}
}

func TestScan(t *testing.T) {
	t.Parallel()

	orig := NewJobID()

	var fromString ID
	if err := fromString.Scan(orig.String()); err != nil {
		t.Fatalf("scan string: %v", err)
	}
	if fromString.String() != orig.String() {
		t.Fatalf("scan string mismatch: %q", fromString.String())
	}

	var fromNil ID
	if err := fromNil.Scan(nil); err != nil {
		t.Fatalf("scan nil: %v", err)
	}
	if !fromNil.IsNil() {
		t.Fatal("scanning nil should yield Nil ID")
	}

	var fromInt ID
	if err := fromInt.Scan(42); err == nil {
		t.Fatal("scanning int should fail")
	}
}
