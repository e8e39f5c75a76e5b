package storage

import (
	"fmt"

	flatbuffers "github.com/google/flatbuffers/go"

	"CommitLane/internal/ledger"
	"CommitLane/internal/types"
)

// Payload codecs of a block record.
const (
	codecRaw  byte = 0
	codecZstd byte = 1
)

// encodeBlock serializes b as a BlockRecord, compressing large payloads.
func (s *LedgerStore) encodeBlock(b *ledger.Block) []byte {
	payload, codec := b.Payload, codecRaw
	if len(payload) > compressThreshold {
		payload, codec = s.encoder.EncodeAll(b.Payload, nil), codecZstd
	}

	builder := flatbuffers.NewBuilder(256 + len(payload))

	idVec := builder.CreateByteVector(b.ID[:])
	parentVec := builder.CreateByteVector(b.ParentID[:])
	rootVec := builder.CreateByteVector(b.StateRoot[:])
	payloadVec := builder.CreateByteVector(payload)

	types.BlockRecordStart(builder)
	types.BlockRecordAddId(builder, idVec)
	types.BlockRecordAddParentId(builder, parentVec)
	types.BlockRecordAddEpoch(builder, b.Epoch)
	types.BlockRecordAddRound(builder, b.Round)
	types.BlockRecordAddHeight(builder, b.Height)
	types.BlockRecordAddTimestamp(builder, b.Timestamp)
	types.BlockRecordAddStateRoot(builder, rootVec)
	types.BlockRecordAddExecuted(builder, b.Executed)
	types.BlockRecordAddCodec(builder, codec)
	types.BlockRecordAddPayload(builder, payloadVec)
	builder.Finish(types.BlockRecordEnd(builder))

	return builder.FinishedBytes()
}

// decodeBlock parses a BlockRecord.
func (s *LedgerStore) decodeBlock(data []byte) (b *ledger.Block, err error) {
	defer recoverMalformed(&err)

	rec := types.GetRootAsBlockRecord(data, 0)

	b = &ledger.Block{
		Epoch:     rec.Epoch(),
		Round:     rec.Round(),
		Height:    rec.Height(),
		Timestamp: rec.Timestamp(),
		Executed:  rec.Executed(),
	}

	if err := copyHash(b.ID[:], rec.IdBytes(), "id"); err != nil {
		return nil, err
	}

	if err := copyHash(b.ParentID[:], rec.ParentIdBytes(), "parent id"); err != nil {
		return nil, err
	}

	if err := copyHash(b.StateRoot[:], rec.StateRootBytes(), "state root"); err != nil {
		return nil, err
	}

	payload := rec.PayloadBytes()

	switch rec.Codec() {
	case codecRaw:
		b.Payload = append([]byte(nil), payload...)
	case codecZstd:
		b.Payload, err = s.decoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress payload:\n%w", err)
		}
	default:
		return nil, fmt.Errorf("unknown payload codec %d", rec.Codec())
	}

	return b, nil
}

// encodeCommit serializes a certificate as a CommitRecord.
func encodeCommit(cert *ledger.LedgerInfoWithSignatures) []byte {
	builder := flatbuffers.NewBuilder(512)
	authors := cert.Authors()

	entries := make([]flatbuffers.UOffsetT, len(authors))
	for i, a := range authors {
		authorVec := builder.CreateByteVector(a[:])
		sigVec := builder.CreateByteVector(cert.Signatures[a])

		types.SignatureEntryStart(builder)
		types.SignatureEntryAddAuthor(builder, authorVec)
		types.SignatureEntryAddSignature(builder, sigVec)
		entries[i] = types.SignatureEntryEnd(builder)
	}

	types.CommitRecordStartSignaturesVector(builder, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(entries[i])
	}
	sigsVec := builder.EndVector(len(entries))

	liVec := builder.CreateByteVector(cert.LedgerInfo.Encode())
	aggVec := builder.CreateByteVector(cert.Aggregated)
	bitmapVec := builder.CreateByteVector(cert.SignerBitmap)

	types.CommitRecordStart(builder)
	types.CommitRecordAddLedgerInfo(builder, liVec)
	types.CommitRecordAddAggregated(builder, aggVec)
	types.CommitRecordAddSignerBitmap(builder, bitmapVec)
	types.CommitRecordAddSignatures(builder, sigsVec)
	builder.Finish(types.CommitRecordEnd(builder))

	return builder.FinishedBytes()
}

// decodeCommit parses a CommitRecord.
func decodeCommit(data []byte) (cert *ledger.LedgerInfoWithSignatures, err error) {
	defer recoverMalformed(&err)

	rec := types.GetRootAsCommitRecord(data, 0)

	li, err := ledger.DecodeLedgerInfo(rec.LedgerInfoBytes())
	if err != nil {
		return nil, fmt.Errorf("decode ledger info:\n%w", err)
	}

	cert = ledger.NewLedgerInfoWithSignatures(li)

	if agg := rec.AggregatedBytes(); len(agg) > 0 {
		cert.Aggregated = append([]byte(nil), agg...)
	}

	if bitmap := rec.SignerBitmapBytes(); len(bitmap) > 0 {
		cert.SignerBitmap = append([]byte(nil), bitmap...)
	}

	var entry types.SignatureEntry
	for i := 0; i < rec.SignaturesLength(); i++ {
		if !rec.Signatures(&entry, i) {
			return nil, fmt.Errorf("signature entry %d missing", i)
		}

		var a ledger.Author
		if err := copyHash(a[:], entry.AuthorBytes(), "author"); err != nil {
			return nil, err
		}

		cert.AddSignature(a, append([]byte(nil), entry.SignatureBytes()...))
	}

	return cert, nil
}

// copyHash copies a 32-byte field, rejecting any other length.
func copyHash(dst, src []byte, field string) error {
	if len(src) != len(dst) {
		return fmt.Errorf("%s: got %d bytes, want %d", field, len(src), len(dst))
	}

	copy(dst, src)

	return nil
}

// recoverMalformed turns a panic from reading a corrupt FlatBuffer into an error.
func recoverMalformed(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("malformed record: %v", r)
	}
}
