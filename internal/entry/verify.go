package entry

import (
	"fmt"

	"github.com/orbitmesh/oplogsync/internal/identity"
)

// Verify checks e's signature against its dialect-appropriate signing
// image (spec §4.2, §7). It never trusts e.Sig's presence alone or any
// cached verification result (spec invariant 2): every call recomputes
// the signing image and calls verifier.Verify fresh.
//
// Verify fails closed with ErrInvalidEntry if e does not pass IsEntry.
func Verify(verifier identity.Verifier, e *Entry) (bool, error) {
	if verifier == nil {
		return false, fmt.Errorf("entry: verify: verifier is required")
	}
	if !IsEntry(e) {
		return false, ErrInvalidEntry
	}

	image, err := signingImage(e)
	if err != nil {
		return false, fmt.Errorf("entry: verify: signing image: %w", err)
	}

	ok, err := verifier.Verify(e.Key, image, e.Sig)
	if err != nil {
		return false, fmt.Errorf("entry: verify: %w", err)
	}
	return ok, nil
}
