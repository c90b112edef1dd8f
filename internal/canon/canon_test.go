package canon

import (
	"bytes"
	"encoding/json"
	"reflect"
	"testing"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
)

func TestSortedJSONStableUnderKeyPermutation(t *testing.T) {
	a := map[string]any{"z": 1, "a": 2, "m": map[string]any{"y": 1, "x": 2}}
	b := map[string]any{"a": 2, "m": map[string]any{"x": 2, "y": 1}, "z": 1}

	ja, err := SortedJSON(a)
	if err != nil {
		t.Fatalf("SortedJSON(a): %v", err)
	}
	jb, err := SortedJSON(b)
	if err != nil {
		t.Fatalf("SortedJSON(b): %v", err)
	}
	if !bytes.Equal(ja, jb) {
		t.Fatalf("expected stable output under permutation, got %s vs %s", ja, jb)
	}
	want := `{"a":2,"m":{"x":2,"y":1},"z":1}`
	if string(ja) != want {
		t.Fatalf("got %s, want %s", ja, want)
	}
}

func TestSortedJSONNoWhitespaceIntegers(t *testing.T) {
	out, err := SortedJSON(map[string]any{"time": 5, "next": []any{}})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"next":[],"time":5}`
	if string(out) != want {
		t.Fatalf("got %s want %s", out, want)
	}
}

func TestReplaceBytesAndCID(t *testing.T) {
	mh, err := multihash.Sum([]byte("hello"), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	c := cid.NewCidV1(cid.DagCBOR, mh)

	tree := map[string]any{
		"value": []byte("hello"),
		"link":  c,
	}
	replaced := Replace(tree, DefaultV1Replacer)
	m, ok := replaced.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", replaced)
	}
	if m["value"] != "aGVsbG8=" {
		t.Fatalf("expected base64 value, got %v", m["value"])
	}
	if m["link"] != c.String() {
		t.Fatalf("expected cid string, got %v", m["link"])
	}
}

func TestReviveRoundTripsBase64(t *testing.T) {
	original := map[string]any{"value": []byte("hello world")}
	replaced := Replace(original, DefaultV1Replacer)

	js, err := SortedJSON(replaced)
	if err != nil {
		t.Fatal(err)
	}

	var parsed any
	if err := json.Unmarshal(js, &parsed); err != nil {
		t.Fatal(err)
	}
	revived := Revive(parsed, DefaultV1Reviver)
	m, ok := revived.(map[string]any)
	if !ok {
		t.Fatalf("expected map, got %T", revived)
	}
	b, ok := m["value"].([]byte)
	if !ok {
		t.Fatalf("expected []byte, got %T", m["value"])
	}
	if string(b) != "hello world" {
		t.Fatalf("got %q", b)
	}
}

func TestReviveLinkKeyBecomesCID(t *testing.T) {
	mh, err := multihash.Sum([]byte("x"), multihash.SHA2_256, -1)
	if err != nil {
		t.Fatal(err)
	}
	c := cid.NewCidV1(cid.DagCBOR, mh)

	tree := map[string]any{"/": c.String()}
	revived := Revive(tree, DefaultV1Reviver).(map[string]any)
	got, ok := revived["/"].(cid.Cid)
	if !ok {
		t.Fatalf("expected cid.Cid, got %T", revived["/"])
	}
	if !got.Equals(c) {
		t.Fatalf("got %s want %s", got, c)
	}
}

func TestReviveAddressStringPreservedVerbatim(t *testing.T) {
	tree := map[string]any{"address": "/orbitdb/zabc/db"}
	revived := Revive(tree, DefaultV1Reviver).(map[string]any)
	if revived["address"] != "/orbitdb/zabc/db" {
		t.Fatalf("got %v", revived["address"])
	}
}

func TestToBytesToStringRoundTrip(t *testing.T) {
	cases := []struct {
		enc string
		s   string
	}{
		{"hex", "68656c6c6f"},
		{"base64", "aGVsbG8="},
		{"utf8", "hello"},
	}
	for _, c := range cases {
		b, err := ToBytes(c.s, c.enc)
		if err != nil {
			t.Fatalf("ToBytes(%q,%q): %v", c.s, c.enc, err)
		}
		if string(b) != "hello" {
			t.Fatalf("ToBytes(%q,%q) = %q, want hello", c.s, c.enc, b)
		}
		back, err := ToString(b, c.enc)
		if err != nil {
			t.Fatalf("ToString: %v", err)
		}
		if back != c.s {
			t.Fatalf("ToString round trip = %q, want %q", back, c.s)
		}
	}
}

func TestSortedKeys(t *testing.T) {
	got := SortedKeys(map[string]any{"b": 1, "a": 2, "c": 3})
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}
