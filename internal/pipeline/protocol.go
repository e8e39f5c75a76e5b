package pipeline

import (
	"encoding/binary"
	"fmt"

	"CommitLane/internal/ledger"
)

// Message types of the commit protocol.
const (
	msgTypeCommitVote     = 0x01 // Single validator's commit vote
	msgTypeCommitDecision = 0x02 // Quorum certificate for a commit
)

// Field sizes.
const (
	authorSize    = 32
	lenPrefixSize = 2
	maxFieldLen   = 0xFFFF
)

// EncodeCommitVote encodes a commit vote.
// Format: [1B type] [32B author] [128B ledger info] [2B sigLen] [sig]
func EncodeCommitVote(v *ledger.CommitVote) []byte {
	buf := make([]byte, 0, 1+authorSize+ledger.LedgerInfoSize+lenPrefixSize+len(v.Signature))

	buf = append(buf, msgTypeCommitVote)
	buf = append(buf, v.Author[:]...)
	buf = append(buf, v.LedgerInfo.Encode()...)
	buf = appendField(buf, v.Signature)

	return buf
}

// EncodeCommitDecision encodes a commit decision.
// Format: [1B type] [128B ledger info] [2B aggLen] [agg] [2B bitmapLen] [bitmap]
// [2B count] count * ([32B author] [2B sigLen] [sig])
func EncodeCommitDecision(d *ledger.CommitDecision) []byte {
	proof := d.Proof
	authors := proof.Authors()

	buf := make([]byte, 0, 1+ledger.LedgerInfoSize+3*lenPrefixSize+len(proof.Aggregated)+len(proof.SignerBitmap))

	buf = append(buf, msgTypeCommitDecision)
	buf = append(buf, proof.LedgerInfo.Encode()...)
	buf = appendField(buf, proof.Aggregated)
	buf = appendField(buf, proof.SignerBitmap)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(authors)))

	for _, a := range authors {
		buf = append(buf, a[:]...)
		buf = appendField(buf, proof.Signatures[a])
	}

	return buf
}

// DecodeCommitMessage decodes a vote or a decision.
func DecodeCommitMessage(data []byte) (CommitMessage, error) {
	if len(data) == 0 {
		return CommitMessage{}, fmt.Errorf("empty message")
	}

	switch data[0] {
	case msgTypeCommitVote:
		v, err := decodeCommitVote(data[1:])
		if err != nil {
			return CommitMessage{}, fmt.Errorf("decode commit vote:\n%w", err)
		}

		return CommitMessage{Vote: v}, nil

	case msgTypeCommitDecision:
		d, err := decodeCommitDecision(data[1:])
		if err != nil {
			return CommitMessage{}, fmt.Errorf("decode commit decision:\n%w", err)
		}

		return CommitMessage{Decision: d}, nil

	default:
		return CommitMessage{}, fmt.Errorf("invalid message type: 0x%02x", data[0])
	}
}

// decodeCommitVote parses the body of a commit vote.
func decodeCommitVote(data []byte) (*ledger.CommitVote, error) {
	r := &reader{data: data}

	v := &ledger.CommitVote{}
	copy(v.Author[:], r.next(authorSize))

	li, err := ledger.DecodeLedgerInfo(r.next(ledger.LedgerInfoSize))
	if r.err != nil {
		return nil, r.err
	}
	if err != nil {
		return nil, err
	}

	v.LedgerInfo = li
	v.Signature = r.field()

	if r.err != nil {
		return nil, r.err
	}

	if r.remaining() != 0 {
		return nil, fmt.Errorf("trailing bytes: %d", r.remaining())
	}

	return v, nil
}

// decodeCommitDecision parses the body of a commit decision.
func decodeCommitDecision(data []byte) (*ledger.CommitDecision, error) {
	r := &reader{data: data}

	li, err := ledger.DecodeLedgerInfo(r.next(ledger.LedgerInfoSize))
	if r.err != nil {
		return nil, r.err
	}
	if err != nil {
		return nil, err
	}

	proof := ledger.NewLedgerInfoWithSignatures(li)
	proof.Aggregated = r.field()
	proof.SignerBitmap = r.field()

	count := r.uint16()
	for i := 0; i < int(count) && r.err == nil; i++ {
		var a ledger.Author
		copy(a[:], r.next(authorSize))

		sig := r.field()
		if r.err == nil && !proof.AddSignature(a, sig) {
			return nil, fmt.Errorf("duplicate signer %s", a.Short())
		}
	}

	if r.err != nil {
		return nil, r.err
	}

	if r.remaining() != 0 {
		return nil, fmt.Errorf("trailing bytes: %d", r.remaining())
	}

	return &ledger.CommitDecision{Proof: proof}, nil
}

// appendField appends a 2-byte length prefix and b.
func appendField(buf, b []byte) []byte {
	if len(b) > maxFieldLen {
		b = b[:maxFieldLen]
	}

	buf = binary.BigEndian.AppendUint16(buf, uint16(len(b)))

	return append(buf, b...)
}

// reader consumes a byte slice, remembering the first error.
type reader struct {
	data []byte // data is the unread input
	err  error  // err is the first decoding error
}

// next returns the following n bytes.
func (r *reader) next(n int) []byte {
	if r.err != nil {
		return nil
	}

	if len(r.data) < n {
		r.err = fmt.Errorf("message truncated: need %d, have %d", n, len(r.data))
		return nil
	}

	b := r.data[:n]
	r.data = r.data[n:]

	return b
}

// uint16 reads a big-endian uint16.
func (r *reader) uint16() uint16 {
	b := r.next(lenPrefixSize)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint16(b)
}

// field reads a length-prefixed byte field and copies it.
func (r *reader) field() []byte {
	n := r.uint16()

	b := r.next(int(n))
	if b == nil {
		return nil
	}

	return append([]byte(nil), b...)
}

// remaining returns the number of unread bytes.
func (r *reader) remaining() int {
	return len(r.data)
}
