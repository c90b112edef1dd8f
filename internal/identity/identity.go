// Package identity defines the signer/verifier contract the oplog core
// consumes (spec §1: "the identity provider... [is] specified only
// through the interfaces the core consumes") and provides one concrete
// adapter grounded on the teacher's key-handling code
// (internal/repo/signing.go in the teacher repo), backed by indigo's
// atcrypto package.
package identity

import (
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/multiformats/go-multibase"

	"github.com/orbitmesh/oplogsync/internal/cidhash"
)

// Identity is an authoring identity: something that can sign bytes and
// report the public key it signs under. create(...) requires one.
type Identity interface {
	// PublicKey returns the multibase-encoded public key string carried
	// on every entry this identity signs.
	PublicKey() string
	// Sign returns a signature over content.
	Sign(content []byte) ([]byte, error)
	// IdentityDoc returns the identity document this identity is
	// described by. The v1 dialect embeds it inline on every entry.
	IdentityDoc() map[string]any
	// IdentityRef returns the content-addressed hash reference to
	// IdentityDoc. The v2 dialect carries only this reference.
	IdentityRef() (string, error)
}

// Verifier checks a signature produced by some Identity's public key.
// verify(...) requires one; it never trusts a cached result (spec
// invariant 2).
type Verifier interface {
	// Verify reports whether sig is a valid signature over content
	// under the given multibase-encoded public key.
	Verify(publicKey string, content, sig []byte) (bool, error)
}

// Secp256k1Identity is a concrete Identity backed by an
// indigo atcrypto secp256k1 key pair — the same key type
// internal/repo/signing.go in the teacher repo generates for AT
// Protocol repo commits.
type Secp256k1Identity struct {
	priv   atcrypto.PrivateKeyExportable
	pubKey string
}

// GenerateSecp256k1Identity creates a fresh signing identity.
func GenerateSecp256k1Identity() (*Secp256k1Identity, error) {
	priv, err := atcrypto.GeneratePrivateKeyK256()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return newSecp256k1Identity(priv)
}

// ParseSecp256k1Identity loads a signing identity from its
// multibase-encoded private key string.
func ParseSecp256k1Identity(multibaseKey string) (*Secp256k1Identity, error) {
	priv, err := atcrypto.ParsePrivateMultibase(multibaseKey)
	if err != nil {
		return nil, fmt.Errorf("identity: parse key: %w", err)
	}
	return newSecp256k1Identity(priv)
}

func newSecp256k1Identity(priv atcrypto.PrivateKeyExportable) (*Secp256k1Identity, error) {
	pub, err := priv.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("identity: derive public key: %w", err)
	}
	return &Secp256k1Identity{priv: priv, pubKey: pub.Multibase()}, nil
}

// PublicKey implements Identity.
func (s *Secp256k1Identity) PublicKey() string { return s.pubKey }

// Sign implements Identity.
func (s *Secp256k1Identity) Sign(content []byte) ([]byte, error) {
	sig, err := s.priv.Sign(content)
	if err != nil {
		return nil, fmt.Errorf("identity: sign: %w", err)
	}
	return sig, nil
}

// IdentityDoc implements Identity. The document shape is
// implementation-defined by this core (the identity store itself is an
// external collaborator); it only needs to be stable and
// content-addressable.
func (s *Secp256k1Identity) IdentityDoc() map[string]any {
	return map[string]any{
		"id":        s.pubKey,
		"type":      "key",
		"publicKey": s.pubKey,
	}
}

// IdentityRef implements Identity.
func (s *Secp256k1Identity) IdentityRef() (string, error) {
	return identityDocRef(s.IdentityDoc())
}

// identityDocRef content-addresses an identity document the same way
// Encode content-addresses an entry: DAG-CBOR bytes, SHA-256, base58btc
// multibase (the v2 dialect's preferred multibase per spec §3).
func identityDocRef(doc map[string]any) (string, error) {
	raw, err := cbornode.DumpObject(doc)
	if err != nil {
		return "", fmt.Errorf("identity: encode doc: %w", err)
	}
	c, err := cidhash.SumDagCBOR(raw)
	if err != nil {
		return "", fmt.Errorf("identity: hash doc: %w", err)
	}
	return cidhash.MultibaseString(c, multibase.Base58BTC)
}

// Secp256k1Verifier verifies signatures produced by Secp256k1Identity
// instances, resolving the multibase public key string on every call
// rather than caching a parsed key, per spec invariant 2.
type Secp256k1Verifier struct{}

// NewSecp256k1Verifier creates a stateless verifier.
func NewSecp256k1Verifier() *Secp256k1Verifier { return &Secp256k1Verifier{} }

// Verify implements Verifier.
func (Secp256k1Verifier) Verify(publicKey string, content, sig []byte) (bool, error) {
	pub, err := atcrypto.ParsePublicMultibase(publicKey)
	if err != nil {
		return false, fmt.Errorf("identity: parse public key: %w", err)
	}
	if err := pub.Verify(content, sig); err != nil {
		return false, nil
	}
	return true, nil
}
