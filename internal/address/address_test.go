package address

import "testing"

const validCID = "bafybeigdyrzt5sfp7udm7hu76uh7y26nf3efuylqabf3oclgtqy55fbzdi"

func TestParseValidNoName(t *testing.T) {
	a, err := Parse(prefix + validCID)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Protocol != Protocol || a.Hash != validCID || a.Name != "" {
		t.Fatalf("unexpected address: %+v", a)
	}
	if a.String() != prefix+validCID {
		t.Fatalf("string round-trip mismatch: %q", a.String())
	}
}

func TestParseValidWithName(t *testing.T) {
	s := prefix + validCID + "/mydb"
	a, err := Parse(s)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if a.Name != "mydb" {
		t.Fatalf("name = %q, want mydb", a.Name)
	}
	if a.String() != s {
		t.Fatalf("string round-trip mismatch: %q vs %q", a.String(), s)
	}
}

func TestParseEmptyFails(t *testing.T) {
	if _, err := Parse(""); err == nil {
		t.Fatal("expected error for empty address")
	}
}

func TestParseNotACIDFails(t *testing.T) {
	if _, err := Parse(prefix + "notacid"); err == nil {
		t.Fatal("expected error for invalid cid segment")
	}
}

func TestParseMissingPrefixFails(t *testing.T) {
	if _, err := Parse("/other/" + validCID); err == nil {
		t.Fatal("expected error for wrong protocol prefix")
	}
}

func TestIsValid(t *testing.T) {
	if !IsValid(prefix + validCID) {
		t.Fatal("expected valid address to report valid")
	}
	if IsValid("garbage") {
		t.Fatal("expected garbage to report invalid")
	}
}
