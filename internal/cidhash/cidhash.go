// Package cidhash is the tiny shared leaf both internal/entry and
// internal/identity build their content-addressing on: SHA-256 over
// DAG-CBOR bytes, rendered through a chosen multibase. Grounded on
// internal/repo/record.go's ComputeCID (cid.NewPrefixV1(cid.DagCBOR,
// multihash.SHA2_256)) in the teacher repo.
package cidhash

import (
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-multihash"
)

// SumDagCBOR returns the CIDv1 (DAG-CBOR codec, SHA-256 multihash) of
// raw.
func SumDagCBOR(raw []byte) (cid.Cid, error) {
	mh, err := multihash.Sum(raw, multihash.SHA2_256, -1)
	if err != nil {
		return cid.Undef, fmt.Errorf("cidhash: sum: %w", err)
	}
	return cid.NewCidV1(cid.DagCBOR, mh), nil
}

// MultibaseString renders c using the given multibase encoding (e.g.
// multibase.Base58BTC for the v2 dialect's "z..." hashes,
// multibase.Base32 for the v1 dialect's "b..." hashes).
func MultibaseString(c cid.Cid, enc multibase.Encoding) (string, error) {
	s, err := c.StringOfBase(enc)
	if err != nil {
		return "", fmt.Errorf("cidhash: multibase string: %w", err)
	}
	return s, nil
}
