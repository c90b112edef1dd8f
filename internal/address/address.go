// Package address parses and renders oplog database addresses:
// "/orbitdb/<base58-CID>[/<name>]". Grounded on the teacher's
// internal/domain/domain.go validated-constructor idiom (reject bad
// input at construction, never downstream) and internal/repo/record.go's
// cid.Decode usage for parsing a content-identifier out of a string.
package address

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
)

// Protocol is the only address scheme this core understands.
const Protocol = "orbitdb"

const prefix = "/" + Protocol + "/"

// ErrInvalidAddress is returned by Parse for any string that is not a
// well-formed oplog address.
var ErrInvalidAddress = errors.New("address: invalid address")

// Address is a parsed "/orbitdb/<cid>[/<name>]" database address.
type Address struct {
	Protocol string
	Hash     string
	Name     string
}

// String renders the address back to its canonical "/orbitdb/..." form.
func (a Address) String() string {
	if a.Name == "" {
		return prefix + a.Hash
	}
	return prefix + a.Hash + "/" + a.Name
}

// IsValid reports whether s starts with "/orbitdb/" and the first path
// segment after it parses as a content-identifier. It never returns an
// error; use Parse when the reason for rejection matters.
func IsValid(s string) bool {
	_, err := Parse(s)
	return err == nil
}

// Parse splits s into its protocol, CID and optional name, failing with
// ErrInvalidAddress if s is not a well-formed oplog address.
func Parse(s string) (Address, error) {
	if !strings.HasPrefix(s, prefix) {
		return Address{}, fmt.Errorf("%w: %q: missing %q prefix", ErrInvalidAddress, s, prefix)
	}
	rest := strings.TrimPrefix(s, prefix)
	if rest == "" {
		return Address{}, fmt.Errorf("%w: %q: empty path", ErrInvalidAddress, s)
	}

	hash, name, _ := strings.Cut(rest, "/")
	if hash == "" {
		return Address{}, fmt.Errorf("%w: %q: empty hash segment", ErrInvalidAddress, s)
	}
	if _, err := cid.Decode(hash); err != nil {
		return Address{}, fmt.Errorf("%w: %q: %v", ErrInvalidAddress, s, err)
	}

	return Address{Protocol: Protocol, Hash: hash, Name: name}, nil
}
