package execution

import (
	"errors"
	"testing"

	"CommitLane/internal/ledger"
)

// chainOf builds n linked blocks on top of parent.
func chainOf(parent ledger.Hash, from uint64, n int) []*ledger.Block {
	blocks := make([]*ledger.Block, n)

	for i := range blocks {
		b := &ledger.Block{ParentID: parent, Height: from + uint64(i), Payload: []byte{byte(i), 0x42}}
		b.ID = b.ComputeID()
		parent = b.ID
		blocks[i] = b
	}

	return blocks
}

func TestExecuteChainsRoots(t *testing.T) {
	h, err := NewHashChain(0)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}

	blocks := chainOf(ledger.Hash{}, 1, 3)

	out, err := h.Execute(blocks)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	prev := ledger.Hash{}
	for i, b := range out {
		if !b.Executed {
			t.Fatalf("block %d not marked executed", i)
		}

		if b.ID != blocks[i].ID {
			t.Fatalf("block %d identity changed", i)
		}

		if want := StateRoot(prev, blocks[i]); b.StateRoot != want {
			t.Fatalf("block %d root mismatch", i)
		}
		prev = b.StateRoot

		if blocks[i].Executed || !blocks[i].StateRoot.IsZero() {
			t.Fatalf("input block %d mutated", i)
		}
	}
}

func TestExecuteIsDeterministicAcrossBatches(t *testing.T) {
	blocks := chainOf(ledger.Hash{}, 1, 4)

	whole, _ := NewHashChain(0)
	all, err := whole.Execute(blocks)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	split, _ := NewHashChain(0)
	if _, err := split.Execute(blocks[:2]); err != nil {
		t.Fatalf("execute first half: %v", err)
	}

	rest, err := split.Execute(blocks[2:])
	if err != nil {
		t.Fatalf("execute second half: %v", err)
	}

	// Re-executing after a reset gives the same result.
	again, err := split.Execute(blocks[2:])
	if err != nil {
		t.Fatalf("re-execute: %v", err)
	}

	for i := range rest {
		if rest[i].StateRoot != all[i+2].StateRoot || again[i].StateRoot != rest[i].StateRoot {
			t.Errorf("block %d: roots differ between batchings", i+2)
		}
	}
}

func TestExecuteUnknownParent(t *testing.T) {
	h, _ := NewHashChain(0)
	blocks := chainOf(ledger.Hash{0x77}, 10, 1)

	if _, err := h.Execute(blocks); !errors.Is(err, ErrUnknownParent) {
		t.Fatalf("got %v, want ErrUnknownParent", err)
	}

	h.Seed(ledger.Hash{0x77}, ledger.Hash{0x01})

	out, err := h.Execute(blocks)
	if err != nil {
		t.Fatalf("execute after seed: %v", err)
	}

	if out[0].StateRoot != StateRoot(ledger.Hash{0x01}, blocks[0]) {
		t.Error("seeded root not used")
	}
}
