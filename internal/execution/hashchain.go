package execution

import (
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru"
	"github.com/zeebo/blake3"

	"CommitLane/internal/ledger"
)

// defaultRootCacheSize bounds the number of remembered post-execution roots.
const defaultRootCacheSize = 4096

// ErrUnknownParent is returned when a block's parent state root is not known.
var ErrUnknownParent = errors.New("unknown parent state")

var stateDomain = []byte("commitlane/state/v1")

// HashChain is a deterministic executor: each block's state root is the BLAKE3
// digest of its parent's root, its identity and its payload.
// Re-executing a block after a reset yields the same root.
type HashChain struct {
	roots *lru.Cache // roots maps block ID to post-execution state root
}

// NewHashChain creates an executor with a bounded root cache. size 0 selects the default.
func NewHashChain(size int) (*HashChain, error) {
	if size <= 0 {
		size = defaultRootCacheSize
	}

	roots, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create root cache:\n%w", err)
	}

	return &HashChain{roots: roots}, nil
}

// Seed records the state root of an already committed block, typically the ledger's latest.
func (h *HashChain) Seed(id ledger.Hash, root ledger.Hash) {
	h.roots.Add(id, root)
}

// Execute computes state roots in order and returns executed copies of blocks.
// The zero parent ID denotes genesis and starts from the zero root.
func (h *HashChain) Execute(blocks []*ledger.Block) ([]*ledger.Block, error) {
	out := make([]*ledger.Block, len(blocks))

	for i, b := range blocks {
		parent, err := h.parentRoot(b.ParentID)
		if err != nil {
			return nil, fmt.Errorf("block %s at height %d:\n%w", b.ID.Short(), b.Height, err)
		}

		executed := b.Clone()
		executed.StateRoot = StateRoot(parent, b)
		executed.Executed = true

		h.roots.Add(b.ID, executed.StateRoot)
		out[i] = executed
	}

	return out, nil
}

func (h *HashChain) parentRoot(parentID ledger.Hash) (ledger.Hash, error) {
	if parentID.IsZero() {
		return ledger.Hash{}, nil
	}

	v, ok := h.roots.Get(parentID)
	if !ok {
		return ledger.Hash{}, fmt.Errorf("%w: parent %s", ErrUnknownParent, parentID.Short())
	}

	return v.(ledger.Hash), nil
}

// StateRoot returns BLAKE3(domain || parentRoot || id || payload).
func StateRoot(parentRoot ledger.Hash, b *ledger.Block) ledger.Hash {
	hasher := blake3.New()
	hasher.Write(stateDomain)
	hasher.Write(parentRoot[:])
	hasher.Write(b.ID[:])
	hasher.Write(b.Payload)

	var root ledger.Hash
	hasher.Sum(root[:0])

	return root
}
