package entry

import (
	"fmt"

	"github.com/orbitmesh/oplogsync/internal/canon"
)

// WireMapV1 renders e as the plain value tree the v1 heads envelope
// carries on the wire (spec §6): next/refs as base58 strings, payload
// pre-transformed per the operation-record quirk, and the inline
// identity document. Byte fields (sig) are left as []byte; run the
// result through canon.Replace(_, canon.DefaultV1Replacer) — which the
// marshaler does once for the whole envelope — to get base64 strings.
func (e *Entry) WireMapV1() (map[string]any, error) {
	if Dialect(e.V) != V1 {
		return nil, fmt.Errorf("entry: wire map v1: not a v1 entry")
	}
	if e.GoV1 == nil {
		return nil, fmt.Errorf("entry: wire map v1: missing v1 envelope")
	}
	return map[string]any{
		"id":       e.ID,
		"payload":  v1PayloadWire(e),
		"next":     cidsToBase58(e.Next),
		"refs":     cidsToBase58(e.Refs),
		"clock":    clockToMap(e.Clock),
		"v":        int64(V1),
		"key":      e.Key,
		"identity": e.GoV1.IdentityDoc,
		"sig":      e.Sig,
		"hash":     e.Hash,
	}, nil
}

// FromWireV1 reconstructs an Entry from a v1 wire map that has already
// been through canon.Revive(_, canon.DefaultV1Reviver) (the marshaler's
// job, applied once over the whole envelope). The entry's Hash field
// carries the claimed content identifier as transmitted; callers that
// need to verify it must call Encode on the result and compare —
// FromWireV1 does not trust or recompute it itself.
func FromWireV1(m map[string]any) (*Entry, error) {
	id, _ := m["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("entry: from wire v1: missing id")
	}

	var payload any
	switch p := m["payload"].(type) {
	case string:
		payload = decodeV1PayloadString(p)
	default:
		payload = p
	}

	next, err := base58ToCids(m["next"])
	if err != nil {
		return nil, fmt.Errorf("entry: from wire v1: next: %w", err)
	}
	refs, err := base58ToCids(m["refs"])
	if err != nil {
		return nil, fmt.Errorf("entry: from wire v1: refs: %w", err)
	}
	clock, err := clockFromMap(m["clock"])
	if err != nil {
		return nil, fmt.Errorf("entry: from wire v1: clock: %w", err)
	}

	key, _ := m["key"].(string)
	sig := toByteSlice(m["sig"])
	hash, _ := m["hash"].(string)
	identityDoc, _ := m["identity"].(map[string]any)

	e := &Entry{
		ID: id, Payload: payload, Next: next, Refs: refs, Clock: clock,
		V: int(V1), Key: key, Sig: sig, Hash: hash,
		GoV1: &V1Envelope{IdentityDoc: identityDoc},
	}
	if ref, err := identityDocRef(identityDoc); err == nil {
		e.Identity = ref
	}
	return e, nil
}

// WireMapV2 renders e as the plain value tree a v2 heads envelope
// carries — the in-memory shape is already the wire shape (spec §4.4),
// so this is a direct field projection with next/refs as cid.Cid values
// for the IPLD-CBOR codec to carry as links.
func (e *Entry) WireMapV2() (map[string]any, error) {
	if Dialect(e.V) != V2 {
		return nil, fmt.Errorf("entry: wire map v2: not a v2 entry")
	}
	return map[string]any{
		"id":       e.ID,
		"payload":  e.Payload,
		"next":     cidsToRaw(e.Next),
		"refs":     cidsToRaw(e.Refs),
		"clock":    clockToMap(e.Clock),
		"v":        int64(V2),
		"key":      e.Key,
		"identity": e.Identity,
		"sig":      e.Sig,
		"hash":     e.Hash,
	}, nil
}

// FromWireV2 reconstructs an Entry from a v2 wire map (as decoded from
// an IPLD-CBOR envelope).
func FromWireV2(m map[string]any) (*Entry, error) {
	id, _ := m["id"].(string)
	if id == "" {
		return nil, fmt.Errorf("entry: from wire v2: missing id")
	}
	next, err := rawToCids(m["next"])
	if err != nil {
		return nil, fmt.Errorf("entry: from wire v2: next: %w", err)
	}
	refs, err := rawToCids(m["refs"])
	if err != nil {
		return nil, fmt.Errorf("entry: from wire v2: refs: %w", err)
	}
	clock, err := clockFromMap(m["clock"])
	if err != nil {
		return nil, fmt.Errorf("entry: from wire v2: clock: %w", err)
	}
	key, _ := m["key"].(string)
	identityRef, _ := m["identity"].(string)
	sig := toByteSlice(m["sig"])
	hash, _ := m["hash"].(string)

	return &Entry{
		ID: id, Payload: m["payload"], Next: next, Refs: refs, Clock: clock,
		V: int(V2), Key: key, Identity: identityRef, Sig: sig, Hash: hash,
	}, nil
}

// normalizeIDField is the marshaler's documented post-pass (spec §4.1,
// §4.4): the ambiguous v1 reviver may have decoded a plain string field
// as bytes because it happened to be valid base64. id-shaped fields
// must stay strings; if the reviver turned one into bytes, re-encode
// those bytes back to the base64 string they came from (lossless,
// since base64 decode/encode round-trips exactly).
func normalizeIDField(v any) any {
	b, ok := v.([]byte)
	if !ok {
		return v
	}
	s, err := canon.ToString(b, "base64")
	if err != nil {
		return v
	}
	return s
}

// NormalizeIDField is exported for internal/syncmarshal's post-pass
// over heads[*].id and heads[*].identity.id.
func NormalizeIDField(v any) any { return normalizeIDField(v) }
