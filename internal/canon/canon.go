// Package canon provides deterministic byte serialization for signing
// under the legacy oplog dialect, plus the dialect-insensitive
// byte/string coercion helpers every other package in this module
// builds on.
//
// Go's encoding/json already sorts map[string]any keys when marshaling,
// so the canonical form is mostly "marshal a plain value tree with HTML
// escaping off and no indentation" — the interesting part is the
// pre/post-processing hooks (Replace/Revive) that let callers teach the
// tree about bytes, CIDs, and legacy string quirks before or after that
// marshal/unmarshal happens.
package canon

import (
	"bytes"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/ipfs/go-cid"
)

// SortedJSON renders v as compact JSON with object keys sorted
// lexicographically (by code point, i.e. the byte order of the UTF-8
// keys, which is encoding/json's own map-key ordering) at every nesting
// level, no whitespace, and HTML
// escaping disabled. v must already be a plain value tree: nil, bool,
// string, a Go numeric type, []byte, map[string]any, or []any — run it
// through Replace first if it still contains domain types.
func SortedJSON(v any) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("canon: sorted json: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, fmt.Errorf("canon: sorted json encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// normalize walks v, copying map[string]any and []any containers
// recursively. Every other value passes through unchanged, including
// maps with a key type other than string, which are not converted.
// encoding/json sorts the keys of each map[string]any it emits, renders
// []byte as padded base64, and renders integral float64 values without
// a trailing ".0".
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			nv, err := normalize(val)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	default:
		return v, nil
	}
}

// Replacer transforms a single tree node before it is serialized. It is
// applied post-order (children first) by Replace, so a Replacer for a
// container type sees already-replaced children.
type Replacer func(v any) any

// Replace walks v bottom-up, applying fn to every node (maps, slices,
// and scalars alike) and rebuilding the tree from the results. This is
// the hook dialect code uses to turn raw []byte into base64 strings
// ahead of time, or cid.Cid values into their multibase string form,
// before handing the tree to SortedJSON.
func Replace(v any, fn Replacer) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = Replace(val, fn)
		}
		return fn(out)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = Replace(val, fn)
		}
		return fn(out)
	default:
		return fn(v)
	}
}

// DefaultV1Replacer is the replacer the legacy dialect uses when
// building its signing image and envelope bytes: byte slices become
// base64-padded strings, and cid.Cid values become their multibase
// string form.
func DefaultV1Replacer(v any) any {
	switch t := v.(type) {
	case []byte:
		return base64.StdEncoding.EncodeToString(t)
	case cid.Cid:
		return t.String()
	case *cid.Cid:
		if t == nil {
			return nil
		}
		return t.String()
	default:
		return v
	}
}

// Reviver inspects a scalar string value found under the given JSON key
// (empty for array elements) and optionally replaces it.
type Reviver func(key string, v any) any

// Revive walks a tree produced by json.Unmarshal (map[string]any /
// []any / string / float64 / bool / nil) bottom-up, calling fn on every
// string scalar with the JSON key (or "" inside an array) it was found
// under, and rebuilding the tree from the results.
func Revive(v any, fn Reviver) any {
	return revive(v, "", fn)
}

func revive(v any, key string, fn Reviver) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = revive(val, k, fn)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = revive(val, "", fn)
		}
		return out
	default:
		return fn(key, v)
	}
}

// DefaultV1Reviver implements the legacy dialect's ambiguous string
// reviver (spec §4.1, §9): a string that successfully decodes as
// padded base64 becomes a byte slice; a string found under the JSON key
// "/" that parses as a CID becomes a cid.Cid; a string with a leading
// "/" is assumed to be an address and preserved verbatim. This is
// heuristic by design — callers that round-trip ambiguous values must
// normalize afterwards (see internal/syncmarshal).
func DefaultV1Reviver(key string, v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if len(s) > 0 && s[0] == '/' {
		return s
	}
	if key == "/" {
		if c, err := cid.Decode(s); err == nil {
			return c
		}
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b
	}
	return s
}

// ToBytes coerces v (a string with an explicit encoding name, or an
// already-decoded byte slice) into bytes. Recognized encodings: "utf8",
// "hex"/"base16", "base64"/"base64pad", "base32".
func ToBytes(v any, encoding string) ([]byte, error) {
	if b, ok := v.([]byte); ok {
		return b, nil
	}
	s, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("canon: to bytes: unsupported value type %T", v)
	}
	switch encoding {
	case "utf8", "":
		return []byte(s), nil
	case "hex", "base16":
		return hex.DecodeString(s)
	case "base64", "base64pad":
		return base64.StdEncoding.DecodeString(s)
	case "base64url":
		return base64.URLEncoding.DecodeString(s)
	case "base32":
		return base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(s)
	default:
		return nil, fmt.Errorf("canon: to bytes: unknown encoding %q", encoding)
	}
}

// ToString coerces b into a string using the named encoding, the
// symmetric counterpart to ToBytes.
func ToString(b []byte, encoding string) (string, error) {
	switch encoding {
	case "utf8", "":
		return string(b), nil
	case "hex", "base16":
		return hex.EncodeToString(b), nil
	case "base64", "base64pad":
		return base64.StdEncoding.EncodeToString(b), nil
	case "base64url":
		return base64.URLEncoding.EncodeToString(b), nil
	case "base32":
		return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(b), nil
	default:
		return "", fmt.Errorf("canon: to string: unknown encoding %q", encoding)
	}
}

// SortedKeys returns the keys of m in ascending lexicographic order.
// Exposed mainly for tests that want to assert on key ordering directly
// rather than through a full SortedJSON round trip.
func SortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
