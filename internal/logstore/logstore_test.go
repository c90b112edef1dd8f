package logstore

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"

	"github.com/orbitmesh/oplogsync/internal/entry"
	"github.com/orbitmesh/oplogsync/internal/identity"
)

func mustIdentity(t *testing.T) *identity.Secp256k1Identity {
	t.Helper()
	id, err := identity.GenerateSecp256k1Identity()
	if err != nil {
		t.Fatalf("generate identity: %v", err)
	}
	return id
}

func TestMemStoreAppendAndHeadsSingleEntry(t *testing.T) {
	ctx := context.Background()
	id := mustIdentity(t)
	e, err := entry.Create(id, "log1", map[string]any{"a": 1}, nil, nil, nil, entry.V2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s := NewMemStore("log1")
	if err := s.Append(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}

	heads, err := s.Heads(ctx)
	if err != nil {
		t.Fatalf("heads: %v", err)
	}
	if len(heads) != 1 || heads[0].Hash != e.Hash {
		t.Fatalf("heads = %+v, want single entry %q", heads, e.Hash)
	}
}

func TestMemStoreHeadsExcludesReferencedParents(t *testing.T) {
	ctx := context.Background()
	id := mustIdentity(t)

	parent, err := entry.Create(id, "log1", map[string]any{"a": 1}, nil, nil, nil, entry.V2)
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	parentCID, err := cidFromHash(parent.Hash)
	if err != nil {
		t.Fatalf("cid from hash: %v", err)
	}

	child, err := entry.Create(id, "log1", map[string]any{"a": 2}, nil, []cid.Cid{parentCID}, nil, entry.V2)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	s := NewMemStore("log1")
	if err := s.Append(ctx, parent); err != nil {
		t.Fatalf("append parent: %v", err)
	}
	if err := s.Append(ctx, child); err != nil {
		t.Fatalf("append child: %v", err)
	}

	heads, err := s.Heads(ctx)
	if err != nil {
		t.Fatalf("heads: %v", err)
	}
	if len(heads) != 1 || heads[0].Hash != child.Hash {
		t.Fatalf("heads = %+v, want only child %q", heads, child.Hash)
	}
}

func TestMemStoreAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	id := mustIdentity(t)
	e, err := entry.Create(id, "log1", map[string]any{"a": 1}, nil, nil, nil, entry.V2)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	s := NewMemStore("log1")
	if err := s.Append(ctx, e); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := s.Append(ctx, e); err != nil {
		t.Fatalf("second append: %v", err)
	}

	heads, err := s.Heads(ctx)
	if err != nil {
		t.Fatalf("heads: %v", err)
	}
	if len(heads) != 1 {
		t.Fatalf("heads len = %d, want 1", len(heads))
	}
}

func TestMemStoreID(t *testing.T) {
	s := NewMemStore("log42")
	if s.ID() != "log42" {
		t.Fatalf("id = %q, want log42", s.ID())
	}
}
