package wire

import (
	"testing"

	"github.com/devrev/waveletd/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func sampleDelta() *model.WaveletDelta {
	return &model.WaveletDelta{
		Author:        "alice@example.com",
		TargetVersion: model.HashedVersion{Version: 7, HistoryHash: []byte{1, 2, 3}},
		Ops: []model.WaveletOperation{
			{Type: model.OpAddParticipant, Participant: "bob@example.com"},
			{Type: model.OpBlipInsert, BlipID: "b+1", Position: 4, Text: "héllo"},
			{Type: model.OpBlipDelete, BlipID: "b+1", Position: 0, Count: 2},
		},
	}
}

func TestDelta_EncodeDecode(t *testing.T) {
	d := sampleDelta()

	got, err := DecodeDelta(EncodeDelta(d))
	require.NoError(t, err)
	assert.Equal(t, d, got)
}

func TestAppliedDelta_KeepsOriginalBytes(t *testing.T) {
	signed := model.SignedDelta{
		Delta:      EncodeDelta(sampleDelta()),
		Signatures: []model.Signature{{SignerID: []byte("signer"), Bytes: []byte("sig"), Algorithm: "ed25519"}},
	}
	applied := NewAppliedDelta(model.AppliedDeltaMessage{
		SignedOriginalDelta:  signed,
		AppliedAtVersion:     model.HashedVersion{Version: 7, HistoryHash: []byte{9}},
		OperationsApplied:    3,
		ApplicationTimestamp: 1700000000123,
	})

	// An unknown trailing field must survive a decode.
	withExtra := protowire.AppendTag(append([]byte(nil), applied.Bytes...), 99, protowire.VarintType)
	withExtra = protowire.AppendVarint(withExtra, 5)

	got, err := DecodeAppliedDelta(withExtra)
	require.NoError(t, err)
	assert.Equal(t, withExtra, got.Bytes)
	assert.Equal(t, applied.Message, got.Message)

	inner, err := DecodeDelta(got.Message.SignedOriginalDelta.Delta)
	require.NoError(t, err)
	assert.Equal(t, sampleDelta(), inner)
}

func TestRecord_EncodeDecode(t *testing.T) {
	applied := NewAppliedDelta(model.AppliedDeltaMessage{
		SignedOriginalDelta: model.SignedDelta{Delta: EncodeDelta(sampleDelta())},
		AppliedAtVersion:    model.HashedVersion{Version: 7, HistoryHash: []byte{9}},
		OperationsApplied:   3,
	})
	record := &model.DeltaRecord{
		AppliedAtVersion: model.HashedVersion{Version: 7, HistoryHash: []byte{9}},
		AppliedDelta:     applied,
		Transformed: &model.TransformedDelta{
			Author:               "alice@example.com",
			AppliedAtVersion:     7,
			ResultingVersion:     model.HashedVersion{Version: 10, HistoryHash: []byte{4, 5}},
			ApplicationTimestamp: 42,
			Ops:                  sampleDelta().Ops,
		},
	}

	got, err := DecodeRecord(EncodeRecord(record))
	require.NoError(t, err)
	assert.Equal(t, record, got)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := DecodeRecord([]byte{0x0a, 0x05, 0x01})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = DecodeRecord(nil)
	assert.ErrorIs(t, err, ErrMalformed)

	// Field 1 of a delta must be length-delimited.
	b := protowire.AppendTag(nil, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, 1)
	_, err = DecodeDelta(b)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestSnapshot_CompressRoundTrip(t *testing.T) {
	s := &model.Snapshot{
		Name:         model.NewWaveletName("example.com!w+1", "example.com!conv+root"),
		Creator:      "alice@example.com",
		Participants: []model.ParticipantID{"alice@example.com", "bob@example.com"},
		Blips: map[string]*model.Blip{
			"b+1": {ID: "b+1", Author: "alice@example.com", Contributors: []model.ParticipantID{"alice@example.com"}, Content: "hello", LastModifiedVersion: 3, LastModifiedTime: 11},
			"b+2": {ID: "b+2", Author: "bob@example.com", Content: "", LastModifiedVersion: 4},
		},
		Version:          model.HashedVersion{Version: 4, HistoryHash: []byte{1, 2, 3, 4}},
		CreationTime:     10,
		LastModifiedTime: 12,
	}

	got, err := DecompressSnapshot(CompressSnapshot(s))
	require.NoError(t, err)
	assert.Equal(t, s, got)
	assert.Equal(t, EncodeSnapshot(s), EncodeSnapshot(got))

	_, err = DecompressSnapshot([]byte("not zstd"))
	assert.Error(t, err)
}
