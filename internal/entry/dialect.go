package entry

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/multiformats/go-multibase"
	"github.com/mr-tron/base58"

	"github.com/orbitmesh/oplogsync/internal/canon"
	"github.com/orbitmesh/oplogsync/internal/cidhash"
)

// signingImage returns the exact byte sequence signed and later
// re-verified for e, per spec §4.2.
func signingImage(e *Entry) ([]byte, error) {
	switch Dialect(e.V) {
	case V2:
		return signingImageV2(e)
	case V1:
		return signingImageV1(e)
	default:
		return nil, fmt.Errorf("entry: signing image: unknown dialect %d", e.V)
	}
}

// signingImageV2 is IPLD-CBOR({id, payload, next, refs, clock, v}) with
// next/refs as sequences of CID objects.
func signingImageV2(e *Entry) ([]byte, error) {
	m := map[string]any{
		"id":      e.ID,
		"payload": e.Payload,
		"next":    cidsToRaw(e.Next),
		"refs":    cidsToRaw(e.Refs),
		"clock":   clockToMap(e.Clock),
		"v":       int64(V2),
	}
	raw, err := cbornode.DumpObject(m)
	if err != nil {
		return nil, fmt.Errorf("entry: v2 signing image cbor: %w", err)
	}
	return raw, nil
}

// signingImageV1 is canonical JSON of {hash: null, id, payload, next,
// refs, clock, v, additional_data?} with next/refs as base58 strings
// and an operation-record payload's byte value base64'd then
// re-serialized as a JSON string (spec §4.2).
func signingImageV1(e *Entry) ([]byte, error) {
	m := map[string]any{
		"hash":    nil,
		"id":      e.ID,
		"payload": v1PayloadWire(e),
		"next":    cidsToBase58(e.Next),
		"refs":    cidsToBase58(e.Refs),
		"clock":   clockToMap(e.Clock),
		"v":       int64(V1),
	}
	if e.GoV1 != nil && e.GoV1.AdditionalData != nil {
		m["additional_data"] = e.GoV1.AdditionalData
	}
	out, err := canon.SortedJSON(m)
	if err != nil {
		return nil, fmt.Errorf("entry: v1 signing image json: %w", err)
	}
	return out, nil
}

// v1PayloadWire returns the exact "payload" field value to place in a
// v1 signing image or full document. A decoded entry's original wire
// bytes for this field are not reproducible by re-marshaling e.Payload
// (key order and escaping differ from whatever peer produced them), so
// a decoded entry's preserved RawPayload is reused verbatim; only a
// freshly Created entry (no GoV1.RawPayload yet) derives it fresh.
func v1PayloadWire(e *Entry) any {
	if e.GoV1 != nil && e.GoV1.RawPayload != "" {
		return e.GoV1.RawPayload
	}
	return v1PayloadForSigning(e.Payload)
}

// v1PayloadForSigning applies the legacy dialect's operation-record
// quirk: a payload shaped like {op, value: []byte, ...} has its value
// base64-encoded and the whole record re-serialized as a JSON string.
// Any other payload shape (already a string, or a plain structured
// value) passes through unchanged.
func v1PayloadForSigning(payload any) any {
	m, ok := payload.(map[string]any)
	if !ok {
		return payload
	}
	if _, hasOp := m["op"]; !hasOp {
		return payload
	}
	val, ok := m["value"].([]byte)
	if !ok {
		return payload
	}
	rewritten := make(map[string]any, len(m))
	for k, v := range m {
		rewritten[k] = v
	}
	rewritten["value"] = base64.StdEncoding.EncodeToString(val)
	b, err := json.Marshal(rewritten)
	if err != nil {
		return payload
	}
	return string(b)
}

// decodeV1PayloadString reverses v1PayloadForSigning where possible: if
// s parses as a JSON object carrying an "op" key, the parsed object is
// returned, with a base64 "value" string decoded back to bytes (a value
// that is missing, not a string, or not valid base64 is left as parsed).
// Any s that is not a JSON object with an "op" key is returned
// unchanged (spec §3: "payload is a UTF-8 string, often itself a JSON
// document").
func decodeV1PayloadString(s string) any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return s
	}
	if _, hasOp := m["op"]; !hasOp {
		return s
	}
	valStr, ok := m["value"].(string)
	if !ok {
		return m
	}
	if b, err := base64.StdEncoding.DecodeString(valStr); err == nil {
		m["value"] = b
	}
	return m
}

// fullDoc builds the full attached document (signed fields plus key,
// identity, sig) that gets content-addressed by Encode.
func fullDoc(e *Entry) (map[string]any, error) {
	switch Dialect(e.V) {
	case V2:
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
		}, nil
	case V1:
		if e.GoV1 == nil {
			return nil, fmt.Errorf("entry: full doc: v1 entry missing GoV1 envelope")
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
		}, nil
	default:
		return nil, fmt.Errorf("entry: full doc: unknown dialect %d", e.V)
	}
}

// Encode populates e.Hash and e.Bytes by encoding the full document
// with the IPLD-CBOR codec, hashing with SHA-256, and rendering the
// resulting CID in the dialect's preferred multibase (base58btc for
// v2, base32 for v1).
func Encode(e *Entry) (*Entry, error) {
	doc, err := fullDoc(e)
	if err != nil {
		return nil, fmt.Errorf("entry: encode: %w", err)
	}
	raw, err := cbornode.DumpObject(doc)
	if err != nil {
		return nil, fmt.Errorf("entry: encode cbor: %w", err)
	}

	c, err := cidhash.SumDagCBOR(raw)
	if err != nil {
		return nil, fmt.Errorf("entry: encode hash: %w", err)
	}

	mbase := multibase.Base58BTC
	if Dialect(e.V) == V1 {
		mbase = multibase.Base32
	}
	hashStr, err := cidhash.MultibaseString(c, mbase)
	if err != nil {
		return nil, fmt.Errorf("entry: encode multibase: %w", err)
	}

	e.Bytes = raw
	e.Hash = hashStr
	return e, nil
}

// Decode reconstructs a fully populated Entry from its raw encoded
// document bytes. Dialect is inferred from the shape of the decoded
// "identity" field: a string means v2; anything else (the embedded
// identity document) means v1 — in which case the v1 representation is
// materialized into GoV1 alongside the projected, string-valued
// e.Identity reference (spec §4.2, §9).
func Decode(raw []byte) (*Entry, error) {
	var doc map[string]any
	if err := cbornode.DecodeInto(raw, &doc); err != nil {
		return nil, fmt.Errorf("entry: decode cbor: %w", err)
	}

	c, err := cidhash.SumDagCBOR(raw)
	if err != nil {
		return nil, fmt.Errorf("entry: decode hash: %w", err)
	}

	clock, err := clockFromMap(doc["clock"])
	if err != nil {
		return nil, fmt.Errorf("entry: decode clock: %w", err)
	}

	key, _ := doc["key"].(string)
	sig := toByteSlice(doc["sig"])

	switch identityVal := doc["identity"].(type) {
	case string:
		next, err := rawToCids(doc["next"])
		if err != nil {
			return nil, fmt.Errorf("entry: decode next: %w", err)
		}
		refs, err := rawToCids(doc["refs"])
		if err != nil {
			return nil, fmt.Errorf("entry: decode refs: %w", err)
		}
		id, _ := doc["id"].(string)
		hashStr, err := cidhash.MultibaseString(c, multibase.Base58BTC)
		if err != nil {
			return nil, fmt.Errorf("entry: decode multibase: %w", err)
		}
		return &Entry{
			ID: id, Payload: doc["payload"], Next: next, Refs: refs, Clock: clock,
			V: int(V2), Key: key, Identity: identityVal, Sig: sig,
			Hash: hashStr, Bytes: raw,
		}, nil
	default:
		identityDoc, ok := doc["identity"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("entry: decode: identity field has unexpected shape %T", doc["identity"])
		}
		next, err := base58ToCids(doc["next"])
		if err != nil {
			return nil, fmt.Errorf("entry: decode next: %w", err)
		}
		refs, err := base58ToCids(doc["refs"])
		if err != nil {
			return nil, fmt.Errorf("entry: decode refs: %w", err)
		}
		id, _ := doc["id"].(string)
		payload := doc["payload"]
		payloadStr, isStr := payload.(string)
		if isStr {
			payload = decodeV1PayloadString(payloadStr)
		}
		hashStr, err := cidhash.MultibaseString(c, multibase.Base32)
		if err != nil {
			return nil, fmt.Errorf("entry: decode multibase: %w", err)
		}

		e := &Entry{
			ID: id, Payload: payload, Next: next, Refs: refs,
			Clock: clock, V: int(V1), Key: key, Sig: sig, Hash: hashStr, Bytes: raw,
			GoV1: &V1Envelope{IdentityDoc: identityDoc, RawPayload: payloadStr},
		}
		if ad, ok := doc["additional_data"]; ok {
			e.GoV1.AdditionalData = ad
		}
		if ref, err := identityDocRef(identityDoc); err == nil {
			e.Identity = ref
		}
		return e, nil
	}
}

// ToV2 projects a v1 entry's attached identity field to its
// content-addressed reference form, the way a v2 consumer expects to
// read it, while retaining GoV1 so the original signing image can
// still be reproduced exactly (spec §4.2 "Dialect interconversion").
// Signed fields and the signature are untouched (spec invariant 3).
func (e *Entry) ToV2() (*Entry, error) {
	if Dialect(e.V) != V1 {
		return nil, fmt.Errorf("entry: to v2: not a v1 entry")
	}
	if e.GoV1 == nil {
		return nil, fmt.Errorf("entry: to v2: missing v1 envelope")
	}
	ref, err := identityDocRef(e.GoV1.IdentityDoc)
	if err != nil {
		return nil, fmt.Errorf("entry: to v2: %w", err)
	}
	projected := *e
	projected.Identity = ref
	return &projected, nil
}

// identityDocRef content-addresses an inline identity document exactly
// as Encode content-addresses an entry.
func identityDocRef(doc map[string]any) (string, error) {
	raw, err := cbornode.DumpObject(doc)
	if err != nil {
		return "", fmt.Errorf("entry: identity doc ref: %w", err)
	}
	c, err := cidhash.SumDagCBOR(raw)
	if err != nil {
		return "", fmt.Errorf("entry: identity doc ref: %w", err)
	}
	return cidhash.MultibaseString(c, multibase.Base58BTC)
}

func clockToMap(c Clock) map[string]any {
	return map[string]any{"id": c.ID, "time": int64(c.Time)}
}

func clockFromMap(v any) (Clock, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Clock{}, fmt.Errorf("clock field has unexpected shape %T", v)
	}
	id, _ := m["id"].(string)
	t, err := toUint64(m["time"])
	if err != nil {
		return Clock{}, err
	}
	return Clock{ID: id, Time: t}, nil
}

func toUint64(v any) (uint64, error) {
	switch t := v.(type) {
	case int64:
		return uint64(t), nil
	case uint64:
		return t, nil
	case int:
		return uint64(t), nil
	case float64:
		return uint64(t), nil
	default:
		return 0, fmt.Errorf("unexpected numeric type %T", v)
	}
}

func toByteSlice(v any) []byte {
	if b, ok := v.([]byte); ok {
		return b
	}
	return nil
}

// cidsToRaw renders cids as actual CID values for the IPLD-CBOR codec
// to encode as DAG-CBOR tag-42 links (cbornode.DumpObject recognizes
// cid.Cid directly); passing c.Bytes() instead would produce plain
// Bytes nodes that are not traversable DAG edges.
func cidsToRaw(cids []cid.Cid) []any {
	out := make([]any, len(cids))
	for i, c := range cids {
		out[i] = c
	}
	return out
}

func rawToCids(v any) ([]cid.Cid, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected shape %T", v)
	}
	out := make([]cid.Cid, len(items))
	for i, item := range items {
		switch c := item.(type) {
		case cid.Cid:
			out[i] = c
		case []byte:
			decoded, err := cid.Cast(c)
			if err != nil {
				return nil, fmt.Errorf("cid entry %d: %w", i, err)
			}
			out[i] = decoded
		default:
			return nil, fmt.Errorf("cid entry %d has unexpected shape %T", i, item)
		}
	}
	return out, nil
}

func cidsToBase58(cids []cid.Cid) []any {
	out := make([]any, len(cids))
	for i, c := range cids {
		out[i] = base58.Encode(c.Bytes())
	}
	return out
}

func base58ToCids(v any) ([]cid.Cid, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected shape %T", v)
	}
	out := make([]cid.Cid, len(items))
	for i, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("cid entry %d has unexpected shape %T", i, item)
		}
		b, err := base58.Decode(s)
		if err != nil {
			return nil, fmt.Errorf("cid entry %d base58: %w", i, err)
		}
		c, err := cid.Cast(b)
		if err != nil {
			return nil, fmt.Errorf("cid entry %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}
