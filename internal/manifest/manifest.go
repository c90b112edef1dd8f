// Package manifest defines the content-addressed manifest record
// (spec.md §6: "Manifest record") and a single-block CAR v1 export of
// it, supplementing the "manifest store" collaborator the core treats
// as external. Grounded on internal/repo/blockstore.go's ExportCAR in
// the teacher repo.
package manifest

import (
	"errors"
	"fmt"
	"io"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	car "github.com/ipld/go-car"
	carutil "github.com/ipld/go-car/util"
	cbornode "github.com/ipfs/go-ipld-cbor"
	"github.com/multiformats/go-multibase"

	"github.com/orbitmesh/oplogsync/internal/cidhash"
	"github.com/orbitmesh/oplogsync/internal/entry"
)

// ErrInvalidArgument is returned by Create when a required field is
// missing.
var ErrInvalidArgument = errors.New("manifest: invalid argument")

// Manifest is the content-addressed record describing a database:
// its name, type, and access controller.
type Manifest struct {
	Name             string
	Type             string
	AccessController string
	Meta             any

	Hash string // multibase content-identifier, set by Create
}

// Create builds and hashes a Manifest, rejecting missing required
// fields with ErrInvalidArgument per spec.md §6.
func Create(name, typ, accessController string, meta any, dialect entry.Dialect) (*Manifest, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidArgument)
	}
	if typ == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidArgument)
	}
	if accessController == "" {
		return nil, fmt.Errorf("%w: accessController is required", ErrInvalidArgument)
	}

	m := &Manifest{Name: name, Type: typ, AccessController: accessController, Meta: meta}

	raw, err := m.encode(dialect)
	if err != nil {
		return nil, fmt.Errorf("manifest: create: %w", err)
	}
	c, err := cidhash.SumDagCBOR(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest: create: hash: %w", err)
	}
	hash, err := cidhash.MultibaseString(c, multibaseFor(dialect))
	if err != nil {
		return nil, fmt.Errorf("manifest: create: %w", err)
	}
	m.Hash = hash
	return m, nil
}

func multibaseFor(d entry.Dialect) multibase.Encoding {
	if d == entry.V1 {
		return multibase.Base32
	}
	return multibase.Base58BTC
}

// wireMap renders the manifest to its dialect-specific key shape. The
// legacy dialect renames accessController to access_controller (spec.md
// §6's "Manifest access_controller vs accessController").
func (m *Manifest) wireMap(dialect entry.Dialect) map[string]any {
	out := map[string]any{
		"name": m.Name,
		"type": m.Type,
	}
	if dialect == entry.V1 {
		out["access_controller"] = m.AccessController
	} else {
		out["accessController"] = m.AccessController
	}
	if m.Meta != nil {
		out["meta"] = m.Meta
	}
	return out
}

func (m *Manifest) encode(dialect entry.Dialect) ([]byte, error) {
	raw, err := cbornode.DumpObject(m.wireMap(dialect))
	if err != nil {
		return nil, fmt.Errorf("encode: %w", err)
	}
	return raw, nil
}

// AccessControllerField reads either the "accessController" or the
// legacy "access_controller" key from a decoded manifest map, exposing
// the canonical name to callers regardless of which dialect produced
// it.
func AccessControllerField(m map[string]any) (string, bool) {
	if v, ok := m["accessController"].(string); ok {
		return v, true
	}
	if v, ok := m["access_controller"].(string); ok {
		return v, true
	}
	return "", false
}

// ExportCAR writes m as a single-root CAR v1 archive: one block,
// rooted at its own content-identifier.
func (m *Manifest) ExportCAR(w io.Writer, dialect entry.Dialect) error {
	raw, err := m.encode(dialect)
	if err != nil {
		return fmt.Errorf("manifest: export car: %w", err)
	}
	c, err := cidhash.SumDagCBOR(raw)
	if err != nil {
		return fmt.Errorf("manifest: export car: hash: %w", err)
	}
	blk, err := blocks.NewBlockWithCid(raw, c)
	if err != nil {
		return fmt.Errorf("manifest: export car: block: %w", err)
	}

	h := &car.CarHeader{Roots: []cid.Cid{c}, Version: 1}
	if err := car.WriteHeader(h, w); err != nil {
		return fmt.Errorf("manifest: export car: header: %w", err)
	}
	if err := carutil.LdWrite(w, blk.Cid().Bytes(), blk.RawData()); err != nil {
		return fmt.Errorf("manifest: export car: block write: %w", err)
	}
	return nil
}
