package entry

import (
	"bytes"
	"testing"

	cbornode "github.com/ipfs/go-ipld-cbor"

	"github.com/orbitmesh/oplogsync/internal/canon"
	"github.com/orbitmesh/oplogsync/internal/identity"
)

func mustIdentity(t *testing.T) *identity.Secp256k1Identity {
	t.Helper()
	id, err := identity.GenerateSecp256k1Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func TestCreateAndVerifyV2(t *testing.T) {
	id := mustIdentity(t)
	verifier := identity.NewSecp256k1Verifier()

	e, err := Create(id, "log1", map[string]any{"op": "PUT", "key": "k", "value": []byte("hello")}, nil, nil, nil, V2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if e.V != 2 {
		t.Fatalf("v = %d, want 2", e.V)
	}
	if len(e.Next) != 0 || len(e.Refs) != 0 {
		t.Fatalf("next/refs not empty: %v %v", e.Next, e.Refs)
	}
	if len(e.Hash) == 0 || e.Hash[0] != 'z' {
		t.Fatalf("hash %q does not start with 'z' (base58btc)", e.Hash)
	}

	ok, err := Verify(verifier, e)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("verify returned false for a freshly created entry")
	}
}

func TestCreateAndVerifyV1(t *testing.T) {
	id := mustIdentity(t)
	verifier := identity.NewSecp256k1Verifier()

	e, err := Create(id, "log1", map[string]any{"op": "PUT", "key": "k", "value": []byte("hello")}, nil, nil, nil, V1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if len(e.Hash) == 0 || e.Hash[0] != 'b' {
		t.Fatalf("hash %q does not start with 'b' (base32)", e.Hash)
	}
	if e.GoV1 == nil {
		t.Fatal("v1 entry missing GoV1 envelope")
	}

	ok, err := Verify(verifier, e)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("verify returned false for a freshly created v1 entry")
	}
}

func TestEncodeDecodeRoundTripV2(t *testing.T) {
	id := mustIdentity(t)
	e, err := Create(id, "log1", map[string]any{"hello": "world"}, nil, nil, nil, V2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	decoded, err := Decode(e.Bytes)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !IsEqual(e, decoded) {
		t.Fatalf("decoded entry hash mismatch: %s vs %s", e.Hash, decoded.Hash)
	}
	if decoded.ID != e.ID || decoded.Key != e.Key || decoded.Identity != e.Identity {
		t.Fatalf("decoded fields mismatch: %+v vs %+v", decoded, e)
	}
	if !bytes.Equal(decoded.Sig, e.Sig) {
		t.Fatal("decoded signature mismatch")
	}

	verifier := identity.NewSecp256k1Verifier()
	ok, err := Verify(verifier, decoded)
	if err != nil {
		t.Fatalf("verify decoded: %v", err)
	}
	if !ok {
		t.Fatal("decoded entry did not verify")
	}
}

func TestEncodeDecodeRoundTripV1(t *testing.T) {
	id := mustIdentity(t)
	e, err := Create(id, "log1", map[string]any{"op": "PUT", "key": "k", "value": []byte("hello")}, nil, nil, nil, V1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	decoded, err := Decode(e.Bytes)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if !IsEqual(e, decoded) {
		t.Fatalf("decoded entry hash mismatch: %s vs %s", e.Hash, decoded.Hash)
	}

	payload, ok := decoded.Payload.(map[string]any)
	if !ok {
		t.Fatalf("decoded payload has unexpected shape %T", decoded.Payload)
	}
	val, ok := payload["value"].([]byte)
	if !ok || string(val) != "hello" {
		t.Fatalf("decoded payload value = %#v, want []byte(\"hello\")", payload["value"])
	}

	verifier := identity.NewSecp256k1Verifier()
	okVerify, err := Verify(verifier, decoded)
	if err != nil {
		t.Fatalf("verify decoded: %v", err)
	}
	if !okVerify {
		t.Fatal("decoded v1 entry did not verify")
	}
}

// TestV1InteropPayloadShape pins the legacy wire quirk from spec §4.2:
// an operation-record payload's byte value travels as a base64 string
// inside a JSON-string-encoded payload field, not as a raw sub-object.
func TestV1InteropPayloadShape(t *testing.T) {
	id := mustIdentity(t)
	e, err := Create(id, "log1", map[string]any{"op": "PUT", "key": "k", "value": []byte("hello")}, nil, nil, nil, V1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if e.GoV1.RawPayload != "" {
		t.Fatalf("RawPayload should only be populated by Decode, got %q", e.GoV1.RawPayload)
	}

	rendered := v1PayloadForSigning(e.Payload)
	s, ok := rendered.(string)
	if !ok {
		t.Fatalf("v1 payload rendering has unexpected shape %T", rendered)
	}
	if want := `"value":"aGVsbG8="`; !bytes.Contains([]byte(s), []byte(want)) {
		t.Fatalf("rendered payload %q does not contain %q", s, want)
	}

	decoded, err := Decode(e.Bytes)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.GoV1.RawPayload == "" {
		t.Fatal("decode did not populate RawPayload")
	}
}

// TestDecodeV1ExternalCaptureNonSortedPayload builds a v1 envelope the
// way an external legacy peer would: the payload field's literal byte
// order (op, key, value) is preserved as-signed rather than produced by
// this package's own JSON marshaling, which would sort it (key, op,
// value) and escape differently. Verify must succeed against the
// preserved bytes, not a re-derivation from the decoded payload map.
func TestDecodeV1ExternalCaptureNonSortedPayload(t *testing.T) {
	id := mustIdentity(t)
	doc := id.IdentityDoc()
	if doc == nil {
		t.Fatal("identity has no document for v1 dialect")
	}

	rawPayload := `{"op":"PUT","key":"k","value":"aGVsbG8="}`
	clock := Clock{ID: id.PublicKey(), Time: 0}

	signing := map[string]any{
		"hash":    nil,
		"id":      "log1",
		"payload": rawPayload,
		"next":    []any{},
		"refs":    []any{},
		"clock":   clockToMap(clock),
		"v":       int64(V1),
	}
	image, err := canon.SortedJSON(signing)
	if err != nil {
		t.Fatalf("signing image: %v", err)
	}
	sig, err := id.Sign(image)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	full := map[string]any{
		"id":       "log1",
		"payload":  rawPayload,
		"next":     []any{},
		"refs":     []any{},
		"clock":    clockToMap(clock),
		"v":        int64(V1),
		"key":      id.PublicKey(),
		"identity": doc,
		"sig":      sig,
	}
	raw, err := cbornode.DumpObject(full)
	if err != nil {
		t.Fatalf("dump object: %v", err)
	}

	decoded, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.GoV1 == nil || decoded.GoV1.RawPayload != rawPayload {
		t.Fatalf("RawPayload not preserved: %q", decoded.GoV1.RawPayload)
	}

	verifier := identity.NewSecp256k1Verifier()
	ok, err := Verify(verifier, decoded)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("externally captured v1 entry with non-sorted payload key order did not verify")
	}
}

func TestToV2Interconversion(t *testing.T) {
	id := mustIdentity(t)
	e, err := Create(id, "log1", map[string]any{"op": "PUT", "key": "k", "value": []byte("x")}, nil, nil, nil, V1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	v2, err := e.ToV2()
	if err != nil {
		t.Fatalf("to v2: %v", err)
	}
	if v2.Identity == "" {
		t.Fatal("projected entry missing identity reference")
	}
	if v2.GoV1 == nil {
		t.Fatal("projected entry lost its v1 envelope")
	}
	if !bytes.Equal(v2.Sig, e.Sig) {
		t.Fatal("projection altered the signature")
	}
	if v2.Hash != e.Hash {
		t.Fatal("projection altered the content hash")
	}
}

func TestIsEqual(t *testing.T) {
	a := &Entry{Hash: "zabc"}
	b := &Entry{Hash: "zabc"}
	c := &Entry{Hash: "zdef"}

	if !IsEqual(a, b) {
		t.Fatal("entries with identical hashes should be equal")
	}
	if IsEqual(a, c) {
		t.Fatal("entries with different hashes should not be equal")
	}
	if !IsEqual(nil, nil) {
		t.Fatal("nil,nil should compare equal")
	}
	if IsEqual(a, nil) {
		t.Fatal("non-nil vs nil should not be equal")
	}
}

func TestWireMapV1RoundTrip(t *testing.T) {
	id := mustIdentity(t)
	e, err := Create(id, "log1", map[string]any{"hi": "there"}, nil, nil, nil, V1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	m, err := e.WireMapV1()
	if err != nil {
		t.Fatalf("wire map v1: %v", err)
	}

	back, err := FromWireV1(m)
	if err != nil {
		t.Fatalf("from wire v1: %v", err)
	}

	if back.ID != e.ID || back.Key != e.Key {
		t.Fatalf("round trip mismatch: %+v vs %+v", back, e)
	}
	if _, err := Encode(back); err != nil {
		t.Fatalf("encode reconstructed entry: %v", err)
	}
	if back.Hash != e.Hash {
		t.Fatalf("reconstructed hash %q != original %q", back.Hash, e.Hash)
	}
}
