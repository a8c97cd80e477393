package model

import "slices"

// OpType identifies a wavelet operation
type OpType string

const (
	OpAddParticipant    OpType = "add_participant"
	OpRemoveParticipant OpType = "remove_participant"
	OpNoOp              OpType = "no_op"
	OpBlipInsert        OpType = "blip_insert"
	OpBlipDelete        OpType = "blip_delete"
)

// WaveletOperation is a single operation of a delta. Each operation
// advances the wavelet version by one.
type WaveletOperation struct {
	Type        OpType
	Participant ParticipantID // add/remove participant
	BlipID      string        // blip ops
	Position    int           // rune offset for blip ops
	Text        string        // blip insert
	Count       int           // blip delete
}

// OpsEqual reports whether two operation lists are identical
func OpsEqual(a, b []WaveletOperation) bool {
	return slices.Equal(a, b)
}

// WaveletDelta is a batch of operations submitted against a target version
type WaveletDelta struct {
	Author        ParticipantID
	TargetVersion HashedVersion
	Ops           []WaveletOperation
}

// Signature is an opaque signature over the serialized delta bytes
type Signature struct {
	SignerID  []byte
	Bytes     []byte
	Algorithm string
}

// SignedDelta carries the serialized delta exactly as the author signed it
type SignedDelta struct {
	Delta      []byte
	Signatures []Signature
}

// AppliedDeltaMessage is the parsed form of an applied delta
type AppliedDeltaMessage struct {
	SignedOriginalDelta  SignedDelta
	AppliedAtVersion     HashedVersion
	OperationsApplied    int
	ApplicationTimestamp int64 // milliseconds since epoch
}

// AppliedDelta keeps the wire bytes of an applied delta next to the parsed
// message. Hashes are computed over Bytes, which re-encoding Message is not
// guaranteed to reproduce.
type AppliedDelta struct {
	Bytes   []byte
	Message AppliedDeltaMessage
}

// TransformedDelta is the effect of a delta after transformation
type TransformedDelta struct {
	Author               ParticipantID
	AppliedAtVersion     uint64
	ResultingVersion     HashedVersion
	ApplicationTimestamp int64
	Ops                  []WaveletOperation
}

// Size returns the number of operations
func (d *TransformedDelta) Size() int {
	return len(d.Ops)
}

// DeltaRecord is the unit of wavelet history
type DeltaRecord struct {
	AppliedAtVersion HashedVersion
	AppliedDelta     *AppliedDelta // nil for a delta transformed away
	Transformed      *TransformedDelta
}

// ResultingVersion returns the version after the record is applied
func (r *DeltaRecord) ResultingVersion() HashedVersion {
	return r.Transformed.ResultingVersion
}

// IsEmpty reports whether the record carries no operations
func (r *DeltaRecord) IsEmpty() bool {
	return r.Transformed.Size() == 0
}

// Author returns the author of the delta
func (r *DeltaRecord) Author() ParticipantID {
	return r.Transformed.Author
}

// ParticipantsRemovedBy lists participants removed by the operations
func ParticipantsRemovedBy(ops []WaveletOperation) []ParticipantID {
	var removed []ParticipantID
	for _, op := range ops {
		if op.Type == OpRemoveParticipant {
			removed = append(removed, op.Participant)
		}
	}
	return removed
}
