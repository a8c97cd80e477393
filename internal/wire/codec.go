// Package wire encodes wavelet deltas, records and snapshots in the protobuf
// wire format. Applied deltas are hashed and signed over their encoded bytes,
// so decoders keep the bytes they were given rather than re-encoding.
package wire

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/devrev/waveletd/internal/model"
)

// ErrMalformed is returned for bytes that do not decode as the expected message
var ErrMalformed = errors.New("malformed message")

// Field is a single decoded varint or length-delimited field of a message
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// Walk calls fn for every field of the message in b. Unknown fields and
// groups are skipped.
func Walk(b []byte, fn func(f Field) error) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]

		if typ != protowire.VarintType && typ != protowire.BytesType {
			continue
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

// Expect fails unless the field has wire type typ
func (f Field) Expect(typ protowire.Type) error {
	if f.Type != typ {
		return fmt.Errorf("%w: field %d has wire type %d", ErrMalformed, f.Num, f.Type)
	}
	return nil
}

// The Append helpers write one field and skip zero values, as proto3 does.
// AppendInt zigzag encodes.

func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func AppendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func AppendMessage(b []byte, num protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

// HashedVersion: 1 version, 2 history_hash

func AppendHashedVersion(b []byte, v model.HashedVersion) []byte {
	b = AppendVarint(b, 1, v.Version)
	return AppendBytes(b, 2, v.HistoryHash)
}

func DecodeHashedVersion(b []byte) (model.HashedVersion, error) {
	var v model.HashedVersion
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case 1:
			if err := f.Expect(protowire.VarintType); err != nil {
				return err
			}
			v.Version = f.Varint
		case 2:
			if err := f.Expect(protowire.BytesType); err != nil {
				return err
			}
			v.HistoryHash = append([]byte(nil), f.Bytes...)
		}
		return nil
	})
	return v, err
}

// WaveletOperation: 1 type, 2 participant, 3 blip_id, 4 position, 5 text, 6 count

func appendOperation(b []byte, op model.WaveletOperation) []byte {
	b = AppendString(b, 1, string(op.Type))
	b = AppendString(b, 2, string(op.Participant))
	b = AppendString(b, 3, op.BlipID)
	b = AppendInt(b, 4, int64(op.Position))
	b = AppendString(b, 5, op.Text)
	return AppendInt(b, 6, int64(op.Count))
}

func decodeOperation(b []byte) (model.WaveletOperation, error) {
	var op model.WaveletOperation
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case 1, 2, 3, 5:
			if err := f.Expect(protowire.BytesType); err != nil {
				return err
			}
		case 4, 6:
			if err := f.Expect(protowire.VarintType); err != nil {
				return err
			}
		}
		switch f.Num {
		case 1:
			op.Type = model.OpType(f.Bytes)
		case 2:
			op.Participant = model.ParticipantID(f.Bytes)
		case 3:
			op.BlipID = string(f.Bytes)
		case 4:
			op.Position = int(protowire.DecodeZigZag(f.Varint))
		case 5:
			op.Text = string(f.Bytes)
		case 6:
			op.Count = int(protowire.DecodeZigZag(f.Varint))
		}
		return nil
	})
	return op, err
}

func appendOperations(b []byte, num protowire.Number, ops []model.WaveletOperation) []byte {
	for _, op := range ops {
		b = AppendMessage(b, num, appendOperation(nil, op))
	}
	return b
}

// EncodeDelta encodes a client delta.
// WaveletDelta: 1 author, 2 target_version, 3 ops
func EncodeDelta(d *model.WaveletDelta) []byte {
	var b []byte
	b = AppendString(b, 1, string(d.Author))
	b = AppendMessage(b, 2, AppendHashedVersion(nil, d.TargetVersion))
	return appendOperations(b, 3, d.Ops)
}

// DecodeDelta decodes a client delta
func DecodeDelta(b []byte) (*model.WaveletDelta, error) {
	d := &model.WaveletDelta{}
	err := Walk(b, func(f Field) error {
		if f.Num >= 1 && f.Num <= 3 {
			if err := f.Expect(protowire.BytesType); err != nil {
				return err
			}
		}
		switch f.Num {
		case 1:
			d.Author = model.ParticipantID(f.Bytes)
		case 2:
			v, err := DecodeHashedVersion(f.Bytes)
			if err != nil {
				return err
			}
			d.TargetVersion = v
		case 3:
			op, err := decodeOperation(f.Bytes)
			if err != nil {
				return err
			}
			d.Ops = append(d.Ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode delta: %w", err)
	}
	return d, nil
}

// Signature: 1 signer_id, 2 bytes, 3 algorithm

func AppendSignature(b []byte, s model.Signature) []byte {
	b = AppendBytes(b, 1, s.SignerID)
	b = AppendBytes(b, 2, s.Bytes)
	return AppendString(b, 3, s.Algorithm)
}

func DecodeSignature(b []byte) (model.Signature, error) {
	var s model.Signature
	err := Walk(b, func(f Field) error {
		if err := f.Expect(protowire.BytesType); err != nil {
			return err
		}
		switch f.Num {
		case 1:
			s.SignerID = append([]byte(nil), f.Bytes...)
		case 2:
			s.Bytes = append([]byte(nil), f.Bytes...)
		case 3:
			s.Algorithm = string(f.Bytes)
		}
		return nil
	})
	return s, err
}

// SignedDelta: 1 delta, 2 signatures

func appendSignedDelta(b []byte, sd model.SignedDelta) []byte {
	b = AppendBytes(b, 1, sd.Delta)
	for _, sig := range sd.Signatures {
		b = AppendMessage(b, 2, AppendSignature(nil, sig))
	}
	return b
}

// EncodeSignedDelta encodes a signed delta
func EncodeSignedDelta(sd *model.SignedDelta) []byte {
	return appendSignedDelta(nil, *sd)
}

// DecodeSignedDelta decodes a signed delta
func DecodeSignedDelta(b []byte) (*model.SignedDelta, error) {
	sd := &model.SignedDelta{}
	err := Walk(b, func(f Field) error {
		if err := f.Expect(protowire.BytesType); err != nil {
			return err
		}
		switch f.Num {
		case 1:
			sd.Delta = append([]byte(nil), f.Bytes...)
		case 2:
			sig, err := DecodeSignature(f.Bytes)
			if err != nil {
				return err
			}
			sd.Signatures = append(sd.Signatures, sig)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode signed delta: %w", err)
	}
	return sd, nil
}

// NewAppliedDelta encodes msg and keeps the bytes next to it
func NewAppliedDelta(msg model.AppliedDeltaMessage) *model.AppliedDelta {
	return &model.AppliedDelta{Bytes: EncodeAppliedDeltaMessage(&msg), Message: msg}
}

// EncodeAppliedDeltaMessage encodes an applied delta.
// AppliedDelta: 1 signed_original_delta, 2 applied_at_version,
// 3 operations_applied, 4 application_timestamp
func EncodeAppliedDeltaMessage(m *model.AppliedDeltaMessage) []byte {
	var b []byte
	b = AppendMessage(b, 1, appendSignedDelta(nil, m.SignedOriginalDelta))
	b = AppendMessage(b, 2, AppendHashedVersion(nil, m.AppliedAtVersion))
	b = AppendVarint(b, 3, uint64(m.OperationsApplied))
	return AppendInt(b, 4, m.ApplicationTimestamp)
}

// DecodeAppliedDelta parses applied delta bytes. The returned delta owns a
// copy of b.
func DecodeAppliedDelta(b []byte) (*model.AppliedDelta, error) {
	var m model.AppliedDeltaMessage
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case 1:
			if err := f.Expect(protowire.BytesType); err != nil {
				return err
			}
			sd, err := DecodeSignedDelta(f.Bytes)
			if err != nil {
				return err
			}
			m.SignedOriginalDelta = *sd
		case 2:
			if err := f.Expect(protowire.BytesType); err != nil {
				return err
			}
			v, err := DecodeHashedVersion(f.Bytes)
			if err != nil {
				return err
			}
			m.AppliedAtVersion = v
		case 3:
			if err := f.Expect(protowire.VarintType); err != nil {
				return err
			}
			m.OperationsApplied = int(f.Varint)
		case 4:
			if err := f.Expect(protowire.VarintType); err != nil {
				return err
			}
			m.ApplicationTimestamp = protowire.DecodeZigZag(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode applied delta: %w", err)
	}
	return &model.AppliedDelta{Bytes: append([]byte(nil), b...), Message: m}, nil
}

// EncodeTransformedDelta encodes a transformed delta.
// TransformedDelta: 1 author, 2 applied_at_version, 3 resulting_version,
// 4 application_timestamp, 5 ops
func EncodeTransformedDelta(d *model.TransformedDelta) []byte {
	var b []byte
	b = AppendString(b, 1, string(d.Author))
	b = AppendVarint(b, 2, d.AppliedAtVersion)
	b = AppendMessage(b, 3, AppendHashedVersion(nil, d.ResultingVersion))
	b = AppendInt(b, 4, d.ApplicationTimestamp)
	return appendOperations(b, 5, d.Ops)
}

// DecodeTransformedDelta decodes a transformed delta
func DecodeTransformedDelta(b []byte) (*model.TransformedDelta, error) {
	d := &model.TransformedDelta{}
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case 1, 3, 5:
			if err := f.Expect(protowire.BytesType); err != nil {
				return err
			}
		case 2, 4:
			if err := f.Expect(protowire.VarintType); err != nil {
				return err
			}
		}
		switch f.Num {
		case 1:
			d.Author = model.ParticipantID(f.Bytes)
		case 2:
			d.AppliedAtVersion = f.Varint
		case 3:
			v, err := DecodeHashedVersion(f.Bytes)
			if err != nil {
				return err
			}
			d.ResultingVersion = v
		case 4:
			d.ApplicationTimestamp = protowire.DecodeZigZag(f.Varint)
		case 5:
			op, err := decodeOperation(f.Bytes)
			if err != nil {
				return err
			}
			d.Ops = append(d.Ops, op)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode transformed delta: %w", err)
	}
	return d, nil
}

// EncodeRecord encodes a delta record for storage.
// DeltaRecord: 1 applied_at_version, 2 applied_delta (original bytes),
// 3 transformed_delta
func EncodeRecord(r *model.DeltaRecord) []byte {
	var b []byte
	b = AppendMessage(b, 1, AppendHashedVersion(nil, r.AppliedAtVersion))
	if r.AppliedDelta != nil {
		b = AppendMessage(b, 2, r.AppliedDelta.Bytes)
	}
	return AppendMessage(b, 3, EncodeTransformedDelta(r.Transformed))
}

// DecodeRecord decodes a stored delta record
func DecodeRecord(b []byte) (*model.DeltaRecord, error) {
	r := &model.DeltaRecord{}
	err := Walk(b, func(f Field) error {
		if err := f.Expect(protowire.BytesType); err != nil {
			return err
		}
		switch f.Num {
		case 1:
			v, err := DecodeHashedVersion(f.Bytes)
			if err != nil {
				return err
			}
			r.AppliedAtVersion = v
		case 2:
			ad, err := DecodeAppliedDelta(f.Bytes)
			if err != nil {
				return err
			}
			r.AppliedDelta = ad
		case 3:
			td, err := DecodeTransformedDelta(f.Bytes)
			if err != nil {
				return err
			}
			r.Transformed = td
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	if r.Transformed == nil {
		return nil, fmt.Errorf("decode record: %w: missing transformed delta", ErrMalformed)
	}
	return r, nil
}
