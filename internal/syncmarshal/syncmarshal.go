// Package syncmarshal implements the dialect-aware sync-envelope codec
// (spec §4.4, §6): a thin layer converting between a HeadsEnvelope
// value and the bytes carried over the direct channel or the pubsub
// topic.
//
// Grounded on internal/events/events.go's encodeFrame call site (wrap a
// domain value for the wire just before handing it to a transport) and
// internal/canon for the v1 canonical-JSON path.
package syncmarshal

import (
	"encoding/json"
	"fmt"

	cbornode "github.com/ipfs/go-ipld-cbor"

	"github.com/orbitmesh/oplogsync/internal/canon"
	"github.com/orbitmesh/oplogsync/internal/entry"
)

// HeadsEnvelope is the value exchanged between peers on both the
// direct channel and the pubsub topic (spec §6): the log's address and
// its current frontier entries.
type HeadsEnvelope struct {
	Address string
	Heads   []*entry.Entry
}

// Marshal renders env for the wire under dialect. All heads in env must
// share the same dialect.
func Marshal(env *HeadsEnvelope, dialect entry.Dialect) ([]byte, error) {
	switch dialect {
	case entry.V2:
		return marshalV2(env)
	case entry.V1:
		return marshalV1(env)
	default:
		return nil, fmt.Errorf("syncmarshal: marshal: unknown dialect %v", dialect)
	}
}

// Unmarshal parses raw as a heads envelope under dialect. Each returned
// head carries its transmitted Hash field as a claim, not a verified
// value — callers (the sync engine) must re-encode and compare before
// trusting it (spec §4.5 "Head exchange").
func Unmarshal(raw []byte, dialect entry.Dialect) (*HeadsEnvelope, error) {
	switch dialect {
	case entry.V2:
		return unmarshalV2(raw)
	case entry.V1:
		return unmarshalV1(raw)
	default:
		return nil, fmt.Errorf("syncmarshal: unmarshal: unknown dialect %v", dialect)
	}
}

// marshalV2 passes the envelope through largely unchanged: the sync
// engine's in-memory record already is the wire form (spec §4.4).
func marshalV2(env *HeadsEnvelope) ([]byte, error) {
	heads := make([]any, len(env.Heads))
	for i, h := range env.Heads {
		m, err := h.WireMapV2()
		if err != nil {
			return nil, fmt.Errorf("syncmarshal: marshal v2: head %d: %w", i, err)
		}
		heads[i] = m
	}
	raw, err := cbornode.DumpObject(map[string]any{
		"address": env.Address,
		"heads":   heads,
	})
	if err != nil {
		return nil, fmt.Errorf("syncmarshal: marshal v2: %w", err)
	}
	return raw, nil
}

func unmarshalV2(raw []byte) (*HeadsEnvelope, error) {
	var doc map[string]any
	if err := cbornode.DecodeInto(raw, &doc); err != nil {
		return nil, fmt.Errorf("syncmarshal: unmarshal v2: %w", err)
	}
	address, _ := doc["address"].(string)

	rawHeads, _ := doc["heads"].([]any)
	heads := make([]*entry.Entry, 0, len(rawHeads))
	for i, rh := range rawHeads {
		m, ok := rh.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("syncmarshal: unmarshal v2: head %d has unexpected shape %T", i, rh)
		}
		h, err := entry.FromWireV2(m)
		if err != nil {
			return nil, fmt.Errorf("syncmarshal: unmarshal v2: head %d: %w", i, err)
		}
		heads = append(heads, h)
	}
	return &HeadsEnvelope{Address: address, Heads: heads}, nil
}

// marshalV1 encodes the envelope as canonical JSON with the v1
// replacer (spec §4.1, §4.4).
func marshalV1(env *HeadsEnvelope) ([]byte, error) {
	heads := make([]any, len(env.Heads))
	for i, h := range env.Heads {
		m, err := h.WireMapV1()
		if err != nil {
			return nil, fmt.Errorf("syncmarshal: marshal v1: head %d: %w", i, err)
		}
		heads[i] = m
	}
	tree := map[string]any{
		"address": env.Address,
		"heads":   heads,
	}
	replaced := canon.Replace(tree, canon.DefaultV1Replacer)
	out, err := canon.SortedJSON(replaced)
	if err != nil {
		return nil, fmt.Errorf("syncmarshal: marshal v1: %w", err)
	}
	return out, nil
}

// unmarshalV1 parses the envelope with the v1 reviver, then applies the
// marshaler's documented post-pass: heads[*].id and
// heads[*].identity.id must stay strings even though the reviver
// ambiguously treats any base64-decodable string as bytes (spec §4.1,
// §4.4).
func unmarshalV1(raw []byte) (*HeadsEnvelope, error) {
	var parsed any
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("syncmarshal: unmarshal v1: %w", err)
	}
	revived := canon.Revive(parsed, canon.DefaultV1Reviver)

	tree, ok := revived.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("syncmarshal: unmarshal v1: envelope has unexpected shape %T", revived)
	}
	address, _ := tree["address"].(string)

	rawHeads, _ := tree["heads"].([]any)
	heads := make([]*entry.Entry, 0, len(rawHeads))
	for i, rh := range rawHeads {
		m, ok := rh.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("syncmarshal: unmarshal v1: head %d has unexpected shape %T", i, rh)
		}
		normalizeHeadIDFields(m)
		h, err := entry.FromWireV1(m)
		if err != nil {
			return nil, fmt.Errorf("syncmarshal: unmarshal v1: head %d: %w", i, err)
		}
		heads = append(heads, h)
	}
	return &HeadsEnvelope{Address: address, Heads: heads}, nil
}

// normalizeHeadIDFields is the marshaler's two-field post-pass (spec
// §4.4): heads[*].id and heads[*].identity.id must be strings.
func normalizeHeadIDFields(m map[string]any) {
	if id, ok := m["id"]; ok {
		m["id"] = entry.NormalizeIDField(id)
	}
	if identity, ok := m["identity"].(map[string]any); ok {
		if id, ok := identity["id"]; ok {
			identity["id"] = entry.NormalizeIDField(id)
		}
	}
}
