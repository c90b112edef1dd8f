// Package entry implements the log entry envelope described in spec
// §3–§4.2: construction, canonical serialization, signing, hashing, and
// verification of oplog entries in both the current ("v2", IPLD-CBOR +
// base58btc) and legacy ("v1", sorted-key JSON + base32) wire dialects,
// plus lossless interconversion between them.
//
// Grounded on the teacher repo's internal/repo/repo.go PutRecord /
// commitRepo pipeline (parse payload → encode → compute CID → sign)
// and internal/repo/record.go's ComputeCID.
package entry

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/orbitmesh/oplogsync/internal/identity"
)

// Dialect selects the wire format an Entry is constructed, signed, and
// content-addressed under.
type Dialect int

const (
	// V2 is the current dialect: IPLD-CBOR signing image, base58btc hash.
	V2 Dialect = 2
	// V1 is the legacy dialect: sorted-key JSON signing image, base32 hash.
	V1 Dialect = 1
)

func (d Dialect) String() string {
	switch d {
	case V1:
		return "v1"
	case V2:
		return "v2"
	default:
		return fmt.Sprintf("dialect(%d)", int(d))
	}
}

// Clock is a Lamport-style logical clock: the author's public key and
// a monotonically-increasing (by the log, not the entry) counter.
type Clock struct {
	ID   string `json:"id"`
	Time uint64 `json:"time"`
}

// V1Envelope carries the legacy-dialect-only state needed to
// reconstruct the exact original signing image of a decoded v1 entry
// (spec §9, "Entry GoV1 attached field"): the inline identity document,
// the placeholder additional_data value if present, and the raw
// payload string as it appeared on the wire. None of this is
// recoverable from the v2-shaped fields alone.
type V1Envelope struct {
	IdentityDoc    map[string]any
	AdditionalData any
	RawPayload     string
}

// Entry is one immutable operation in a log, in either dialect.
type Entry struct {
	// Signed fields (spec §3).
	ID      string
	Payload any
	Next    []cid.Cid
	Refs    []cid.Cid
	Clock   Clock
	V       int // 1 or 2

	// Attached, non-signed fields.
	Key      string // author public key, multibase
	Identity string // content-addressed reference to the identity document
	Sig      []byte
	Hash     string // content identifier, dialect's preferred multibase
	Bytes    []byte // raw encoded document bytes

	// GoV1 is set only for entries of dialect V1; see V1Envelope.
	GoV1 *V1Envelope
}

// ErrInvalidArgument is returned by Create when a required input is
// missing.
var ErrInvalidArgument = errors.New("entry: invalid argument")

// ErrInvalidEntry is returned by Verify when an entry fails the
// structural predicate (spec §7).
var ErrInvalidEntry = errors.New("entry: invalid entry")

// Create constructs, signs, and content-addresses a new entry. next and
// refs may be nil (treated as empty). If clock is nil a fresh
// {id: identity.PublicKey(), time: 0} clock is used.
func Create(id identity.Identity, logID string, payload any, clock *Clock, next, refs []cid.Cid, dialect Dialect) (*Entry, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: identity is required", ErrInvalidArgument)
	}
	if logID == "" {
		return nil, fmt.Errorf("%w: logId is required", ErrInvalidArgument)
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: payload is required", ErrInvalidArgument)
	}
	if dialect != V1 && dialect != V2 {
		return nil, fmt.Errorf("%w: unknown dialect %v", ErrInvalidArgument, dialect)
	}

	if next == nil {
		next = []cid.Cid{}
	}
	if refs == nil {
		refs = []cid.Cid{}
	}

	c := Clock{ID: id.PublicKey(), Time: 0}
	if clock != nil {
		c = *clock
	}

	e := &Entry{
		ID:      logID,
		Payload: payload,
		Next:    next,
		Refs:    refs,
		Clock:   c,
		V:       int(dialect),
		Key:     id.PublicKey(),
	}

	if dialect == V1 {
		doc := id.IdentityDoc()
		if doc == nil {
			return nil, fmt.Errorf("%w: identity has no document for v1 dialect", ErrInvalidArgument)
		}
		e.GoV1 = &V1Envelope{IdentityDoc: doc}
		ref, err := identityDocRef(doc)
		if err != nil {
			return nil, fmt.Errorf("entry: create: identity ref: %w", err)
		}
		e.Identity = ref
	} else {
		ref, err := id.IdentityRef()
		if err != nil {
			return nil, fmt.Errorf("entry: create: identity ref: %w", err)
		}
		e.Identity = ref
	}

	image, err := signingImage(e)
	if err != nil {
		return nil, fmt.Errorf("entry: create: signing image: %w", err)
	}
	sig, err := id.Sign(image)
	if err != nil {
		return nil, fmt.Errorf("entry: create: sign: %w", err)
	}
	e.Sig = sig

	if _, err := Encode(e); err != nil {
		return nil, fmt.Errorf("entry: create: encode: %w", err)
	}

	return e, nil
}

// IsEntry is the structural predicate Verify requires to pass before it
// will attempt a signature check: id, next, payload, v, clock, refs,
// key, and sig must all be present.
func IsEntry(e *Entry) bool {
	if e == nil {
		return false
	}
	if e.ID == "" || e.Payload == nil || e.V == 0 || e.Key == "" || len(e.Sig) == 0 {
		return false
	}
	if e.Next == nil || e.Refs == nil {
		return false
	}
	if e.Clock.ID == "" {
		return false
	}
	return true
}

// IsEqual reports whether a and b are the same content-addressed entry.
func IsEqual(a, b *Entry) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Hash != "" && a.Hash == b.Hash
}
