package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"

	"github.com/zeebo/blake3"
)

// Domain separation tags mixed into every digest.
var (
	blockDomain      = []byte("commitlane/block")
	blockInfoDomain  = []byte("commitlane/block-info")
	ledgerInfoDomain = []byte("commitlane/ledger-info")
)

var (
	// ErrLedgerInfoMismatch is returned when a vote or proof targets a different ledger info.
	ErrLedgerInfoMismatch = errors.New("ledger info mismatch")
)

// Hash is a 32-byte identifier for blocks and digests.
type Hash [32]byte

// String returns the full hex encoding.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// Short returns the first 8 hex characters, for logs.
func (h Hash) Short() string {
	return hex.EncodeToString(h[:4])
}

// MarshalText encodes the hash as hex.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText decodes a hex hash.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := ParseHash(string(text))
	if err != nil {
		return err
	}

	*h = parsed

	return nil
}

// IsZero reports whether h is the all-zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Author identifies a validator by its ed25519 public key.
type Author [32]byte

// String returns the full hex encoding.
func (a Author) String() string {
	return hex.EncodeToString(a[:])
}

// Short returns the first 8 hex characters, for logs.
func (a Author) Short() string {
	return hex.EncodeToString(a[:4])
}

// MarshalText encodes the author key as hex.
func (a Author) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

// UnmarshalText decodes a hex author key.
func (a *Author) UnmarshalText(text []byte) error {
	parsed, err := ParseAuthor(string(text))
	if err != nil {
		return err
	}

	*a = parsed

	return nil
}

// ParseHash decodes a 64-character hex string.
func ParseHash(s string) (Hash, error) {
	var h Hash

	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode hex:\n%w", err)
	}

	if len(b) != len(h) {
		return h, fmt.Errorf("invalid hash length: got %d, want %d", len(b), len(h))
	}

	copy(h[:], b)

	return h, nil
}

// ParseAuthor decodes a 64-character hex ed25519 public key.
func ParseAuthor(s string) (Author, error) {
	h, err := ParseHash(s)
	return Author(h), err
}

// Block is one block moving through the commit pipeline.
// StateRoot is meaningful only once Executed is set by the execution phase.
type Block struct {
	ID        Hash   `json:"id"`         // ID is the block identifier
	ParentID  Hash   `json:"parent_id"`  // ParentID is the parent block identifier
	Epoch     uint64 `json:"epoch"`      // Epoch is the validator-set epoch
	Round     uint64 `json:"round"`      // Round is the consensus round that ordered the block
	Height    uint64 `json:"height"`     // Height is the position in the committed chain
	Timestamp uint64 `json:"timestamp"`  // Timestamp is the proposal time in microseconds
	Payload   []byte `json:"payload"`    // Payload is the opaque block content
	StateRoot Hash   `json:"state_root"` // StateRoot is the state after execution
	Executed  bool   `json:"executed"`   // Executed is set once the execution phase ran the block
}

// ComputeID hashes the block header fields and payload.
// Execution results are not part of the identity.
func (b *Block) ComputeID() Hash {
	h := blake3.New()
	h.Write(blockDomain)
	h.Write(b.ParentID[:])

	var buf [32]byte
	binary.BigEndian.PutUint64(buf[0:8], b.Epoch)
	binary.BigEndian.PutUint64(buf[8:16], b.Round)
	binary.BigEndian.PutUint64(buf[16:24], b.Height)
	binary.BigEndian.PutUint64(buf[24:32], b.Timestamp)
	h.Write(buf[:])
	h.Write(b.Payload)

	var id Hash
	h.Sum(id[:0])

	return id
}

// Info returns the block's commit metadata.
func (b *Block) Info() BlockInfo {
	return BlockInfo{
		Epoch:     b.Epoch,
		Round:     b.Round,
		Height:    b.Height,
		ID:        b.ID,
		StateRoot: b.StateRoot,
		Timestamp: b.Timestamp,
	}
}

// Clone returns a deep copy of the block.
func (b *Block) Clone() *Block {
	c := *b
	if b.Payload != nil {
		c.Payload = append([]byte(nil), b.Payload...)
	}

	return &c
}

// BlockInfo is the part of a block that commit votes sign over.
type BlockInfo struct {
	Epoch     uint64 `json:"epoch"`      // Epoch is the validator-set epoch
	Round     uint64 `json:"round"`      // Round is the consensus round
	Height    uint64 `json:"height"`     // Height is the committed chain position
	ID        Hash   `json:"id"`         // ID is the block identifier
	StateRoot Hash   `json:"state_root"` // StateRoot is the executed state, zero when ordered only
	Timestamp uint64 `json:"timestamp"`  // Timestamp is the proposal time in microseconds
}

// MatchesOrdered reports whether b and other describe the same ordered block,
// ignoring execution results.
func (b BlockInfo) MatchesOrdered(other BlockInfo) bool {
	return b.Epoch == other.Epoch &&
		b.Round == other.Round &&
		b.Height == other.Height &&
		b.ID == other.ID &&
		b.Timestamp == other.Timestamp
}

// Hash returns the canonical digest of the block info.
func (b BlockInfo) Hash() Hash {
	h := blake3.New()
	h.Write(blockInfoDomain)
	h.Write(b.encode())

	var out Hash
	h.Sum(out[:0])

	return out
}

// encode serializes the block info in a fixed layout.
// Format: [8B epoch] [8B round] [8B height] [32B id] [32B state root] [8B timestamp]
func (b BlockInfo) encode() []byte {
	buf := make([]byte, BlockInfoSize)
	binary.BigEndian.PutUint64(buf[0:8], b.Epoch)
	binary.BigEndian.PutUint64(buf[8:16], b.Round)
	binary.BigEndian.PutUint64(buf[16:24], b.Height)
	copy(buf[24:56], b.ID[:])
	copy(buf[56:88], b.StateRoot[:])
	binary.BigEndian.PutUint64(buf[88:96], b.Timestamp)

	return buf
}

// BlockInfoSize is the encoded size of a BlockInfo.
const BlockInfoSize = 96

// LedgerInfoSize is the encoded size of a LedgerInfo.
const LedgerInfoSize = BlockInfoSize + 32

// LedgerInfo binds a committed block to the consensus data that ordered it.
// Its digest is the message validators sign in commit votes.
type LedgerInfo struct {
	CommitInfo        BlockInfo `json:"commit_info"`         // CommitInfo is the last block of the committed batch
	ConsensusDataHash Hash      `json:"consensus_data_hash"` // ConsensusDataHash identifies the ordering decision
}

// NewLedgerInfo creates a ledger info for the given commit block and consensus data.
func NewLedgerInfo(commit BlockInfo, consensusDataHash Hash) LedgerInfo {
	return LedgerInfo{CommitInfo: commit, ConsensusDataHash: consensusDataHash}
}

// Encode serializes the ledger info.
// Format: [96B block info] [32B consensus data hash]
func (li LedgerInfo) Encode() []byte {
	buf := make([]byte, 0, LedgerInfoSize)
	buf = append(buf, li.CommitInfo.encode()...)
	buf = append(buf, li.ConsensusDataHash[:]...)

	return buf
}

// DecodeLedgerInfo parses a ledger info produced by Encode.
func DecodeLedgerInfo(data []byte) (LedgerInfo, error) {
	var li LedgerInfo

	if len(data) < LedgerInfoSize {
		return li, fmt.Errorf("ledger info too short: %d < %d", len(data), LedgerInfoSize)
	}

	li.CommitInfo.Epoch = binary.BigEndian.Uint64(data[0:8])
	li.CommitInfo.Round = binary.BigEndian.Uint64(data[8:16])
	li.CommitInfo.Height = binary.BigEndian.Uint64(data[16:24])
	copy(li.CommitInfo.ID[:], data[24:56])
	copy(li.CommitInfo.StateRoot[:], data[56:88])
	li.CommitInfo.Timestamp = binary.BigEndian.Uint64(data[88:96])
	copy(li.ConsensusDataHash[:], data[96:128])

	return li, nil
}

// Digest returns the message signed by commit votes.
func (li LedgerInfo) Digest() Hash {
	h := blake3.New()
	h.Write(ledgerInfoDomain)
	h.Write(li.Encode())

	var out Hash
	h.Sum(out[:0])

	return out
}

// LedgerInfoWithSignatures is a ledger info plus the partial signatures collected for it.
// Once aggregated it is a commit certificate: Aggregated and SignerBitmap are set.
type LedgerInfoWithSignatures struct {
	LedgerInfo   LedgerInfo        `json:"ledger_info"`             // LedgerInfo is the signed ledger info
	Signatures   map[Author][]byte `json:"signatures"`              // Signatures are per-validator BLS signatures
	Aggregated   []byte            `json:"aggregated,omitempty"`    // Aggregated is the aggregated BLS signature
	SignerBitmap []byte            `json:"signer_bitmap,omitempty"` // SignerBitmap marks signers by validator index
}

// NewLedgerInfoWithSignatures creates an empty signature set for li.
func NewLedgerInfoWithSignatures(li LedgerInfo) *LedgerInfoWithSignatures {
	return &LedgerInfoWithSignatures{
		LedgerInfo: li,
		Signatures: make(map[Author][]byte),
	}
}

// AddSignature records author's signature. Returns false if author already signed.
func (l *LedgerInfoWithSignatures) AddSignature(author Author, sig []byte) bool {
	if l.Signatures == nil {
		l.Signatures = make(map[Author][]byte)
	}

	if _, ok := l.Signatures[author]; ok {
		return false
	}

	l.Signatures[author] = append([]byte(nil), sig...)

	return true
}

// SignerCount returns the number of distinct partial signatures.
func (l *LedgerInfoWithSignatures) SignerCount() int {
	return len(l.Signatures)
}

// Authors returns the signers sorted by key bytes.
func (l *LedgerInfoWithSignatures) Authors() []Author {
	authors := make([]Author, 0, len(l.Signatures))
	for a := range l.Signatures {
		authors = append(authors, a)
	}

	sort.Slice(authors, func(i, j int) bool {
		return string(authors[i][:]) < string(authors[j][:])
	})

	return authors
}

// IsAggregated reports whether the aggregated signature has been computed.
func (l *LedgerInfoWithSignatures) IsAggregated() bool {
	return len(l.Aggregated) > 0
}

// Clone returns a deep copy.
func (l *LedgerInfoWithSignatures) Clone() *LedgerInfoWithSignatures {
	c := &LedgerInfoWithSignatures{
		LedgerInfo:   l.LedgerInfo,
		Signatures:   make(map[Author][]byte, len(l.Signatures)),
		Aggregated:   append([]byte(nil), l.Aggregated...),
		SignerBitmap: append([]byte(nil), l.SignerBitmap...),
	}

	for a, s := range l.Signatures {
		c.Signatures[a] = append([]byte(nil), s...)
	}

	return c
}

// CommitVote is one validator's signature over a commit ledger info.
type CommitVote struct {
	Author     Author     // Author is the signing validator
	LedgerInfo LedgerInfo // LedgerInfo is the signed ledger info
	Signature  []byte     // Signature is the BLS signature over LedgerInfo.Digest()
}

// BlockID returns the identity of the block the vote commits.
func (v *CommitVote) BlockID() Hash {
	return v.LedgerInfo.CommitInfo.ID
}

// CommitDecision carries a ledger info already certified by a quorum.
type CommitDecision struct {
	Proof *LedgerInfoWithSignatures // Proof is the aggregated commit certificate
}

// BlockID returns the identity of the block the decision commits.
func (d *CommitDecision) BlockID() Hash {
	return d.Proof.LedgerInfo.CommitInfo.ID
}

// CommitCallback is invoked once blocks and their certificate have been persisted.
type CommitCallback func(blocks []*Block, commit *LedgerInfoWithSignatures)
