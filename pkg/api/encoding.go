package api

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/devrev/waveletd/internal/model"
	"github.com/devrev/waveletd/internal/wire"
)

// Field numbers follow the order of the struct fields, starting at 1.
// Decoded byte fields are copied since the codec's buffer is reused.

func appendVersion(b []byte, num protowire.Number, v HashedVersion) []byte {
	return wire.AppendMessage(b, num, wire.AppendHashedVersion(nil, v.Model()))
}

func decodeVersion(f wire.Field) (HashedVersion, error) {
	if err := f.Expect(protowire.BytesType); err != nil {
		return HashedVersion{}, err
	}
	v, err := wire.DecodeHashedVersion(f.Bytes)
	if err != nil {
		return HashedVersion{}, err
	}
	return FromHashedVersion(v), nil
}

func decodeString(f wire.Field) (string, error) {
	if err := f.Expect(protowire.BytesType); err != nil {
		return "", err
	}
	return string(f.Bytes), nil
}

func decodeBytes(f wire.Field) ([]byte, error) {
	if err := f.Expect(protowire.BytesType); err != nil {
		return nil, err
	}
	return append([]byte{}, f.Bytes...), nil
}

func decodeSignature(f wire.Field) (model.Signature, error) {
	if err := f.Expect(protowire.BytesType); err != nil {
		return model.Signature{}, err
	}
	return wire.DecodeSignature(f.Bytes)
}

func decodeVarint(f wire.Field) (uint64, error) {
	if err := f.Expect(protowire.VarintType); err != nil {
		return 0, err
	}
	return f.Varint, nil
}

// name: 1 wave_id, 2 wavelet_id

func appendName(b []byte, waveID, waveletID string) []byte {
	b = wire.AppendString(b, 1, waveID)
	return wire.AppendString(b, 2, waveletID)
}

func decodeName(f wire.Field, waveID, waveletID *string) (err error) {
	switch f.Num {
	case 1:
		*waveID, err = decodeString(f)
	case 2:
		*waveletID, err = decodeString(f)
	}
	return err
}

// SubmitRequest: 1 wave_id, 2 wavelet_id, 3 delta, 4 signatures

func (r *SubmitRequest) Marshal() ([]byte, error) {
	b := appendName(nil, r.WaveID, r.WaveletID)
	b = wire.AppendBytes(b, 3, r.Delta)
	for _, sig := range r.SignedDelta().Signatures {
		b = wire.AppendMessage(b, 4, wire.AppendSignature(nil, sig))
	}
	return b, nil
}

func (r *SubmitRequest) Unmarshal(data []byte) error {
	*r = SubmitRequest{}
	return wire.Walk(data, func(f wire.Field) (err error) {
		switch f.Num {
		case 1, 2:
			err = decodeName(f, &r.WaveID, &r.WaveletID)
		case 3:
			r.Delta, err = decodeBytes(f)
		case 4:
			var sig model.Signature
			if sig, err = decodeSignature(f); err == nil {
				r.Signatures = append(r.Signatures, FromSignatures([]model.Signature{sig})...)
			}
		}
		return err
	})
}

// SubmitResponse: 1 operations_applied, 2 resulting_version,
// 3 application_timestamp (zigzag), 4 outcome

func (r *SubmitResponse) Marshal() ([]byte, error) {
	if r.OperationsApplied < 0 {
		return nil, fmt.Errorf("negative operations applied: %d", r.OperationsApplied)
	}
	b := wire.AppendVarint(nil, 1, uint64(r.OperationsApplied))
	b = appendVersion(b, 2, r.ResultingVersion)
	b = wire.AppendInt(b, 3, r.ApplicationTimestamp)
	return wire.AppendString(b, 4, r.Outcome), nil
}

func (r *SubmitResponse) Unmarshal(data []byte) error {
	*r = SubmitResponse{}
	return wire.Walk(data, func(f wire.Field) (err error) {
		var n uint64
		switch f.Num {
		case 1:
			n, err = decodeVarint(f)
			r.OperationsApplied = int(n)
		case 2:
			r.ResultingVersion, err = decodeVersion(f)
		case 3:
			n, err = decodeVarint(f)
			r.ApplicationTimestamp = protowire.DecodeZigZag(n)
		case 4:
			r.Outcome, err = decodeString(f)
		}
		return err
	})
}

// HistoryRequest: 1 wave_id, 2 wavelet_id, 3 start, 4 end, 5 limit

func (r *HistoryRequest) Marshal() ([]byte, error) {
	if r.Limit < 0 {
		return nil, fmt.Errorf("negative history limit: %d", r.Limit)
	}
	b := appendName(nil, r.WaveID, r.WaveletID)
	b = appendVersion(b, 3, r.Start)
	b = appendVersion(b, 4, r.End)
	return wire.AppendVarint(b, 5, uint64(r.Limit)), nil
}

func (r *HistoryRequest) Unmarshal(data []byte) error {
	*r = HistoryRequest{}
	return wire.Walk(data, func(f wire.Field) (err error) {
		switch f.Num {
		case 1, 2:
			err = decodeName(f, &r.WaveID, &r.WaveletID)
		case 3:
			r.Start, err = decodeVersion(f)
		case 4:
			r.End, err = decodeVersion(f)
		case 5:
			var n uint64
			n, err = decodeVarint(f)
			r.Limit = int(n)
		}
		return err
	})
}

// HistoryResponse: 1 deltas, 2 truncated

func (r *HistoryResponse) Marshal() ([]byte, error) {
	var b []byte
	for _, d := range r.Deltas {
		b = wire.AppendMessage(b, 1, d)
	}
	if r.Truncated {
		b = wire.AppendVarint(b, 2, 1)
	}
	return b, nil
}

func (r *HistoryResponse) Unmarshal(data []byte) error {
	*r = HistoryResponse{}
	return wire.Walk(data, func(f wire.Field) (err error) {
		switch f.Num {
		case 1:
			var d []byte
			if d, err = decodeBytes(f); err == nil {
				r.Deltas = append(r.Deltas, d)
			}
		case 2:
			var n uint64
			n, err = decodeVarint(f)
			r.Truncated = n != 0
		}
		return err
	})
}

// SnapshotRequest: 1 wave_id, 2 wavelet_id

func (r *SnapshotRequest) Marshal() ([]byte, error) {
	return appendName(nil, r.WaveID, r.WaveletID), nil
}

func (r *SnapshotRequest) Unmarshal(data []byte) error {
	*r = SnapshotRequest{}
	return wire.Walk(data, func(f wire.Field) error {
		return decodeName(f, &r.WaveID, &r.WaveletID)
	})
}

// SnapshotResponse: 1 snapshot, 2 version, 3 committed_version

func (r *SnapshotResponse) Marshal() ([]byte, error) {
	b := wire.AppendBytes(nil, 1, r.Snapshot)
	b = appendVersion(b, 2, r.Version)
	return appendVersion(b, 3, r.CommittedVersion), nil
}

func (r *SnapshotResponse) Unmarshal(data []byte) error {
	*r = SnapshotResponse{}
	return wire.Walk(data, func(f wire.Field) (err error) {
		switch f.Num {
		case 1:
			r.Snapshot, err = decodeBytes(f)
		case 2:
			r.Version, err = decodeVersion(f)
		case 3:
			r.CommittedVersion, err = decodeVersion(f)
		}
		return err
	})
}

// LookupRequest: 1 wave_id

func (r *LookupRequest) Marshal() ([]byte, error) {
	return wire.AppendString(nil, 1, r.WaveID), nil
}

func (r *LookupRequest) Unmarshal(data []byte) error {
	*r = LookupRequest{}
	return wire.Walk(data, func(f wire.Field) (err error) {
		if f.Num == 1 {
			r.WaveID, err = decodeString(f)
		}
		return err
	})
}

// LookupResponse: 1 wavelet_ids

func (r *LookupResponse) Marshal() ([]byte, error) {
	var b []byte
	for _, id := range r.WaveletIDs {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, id)
	}
	return b, nil
}

func (r *LookupResponse) Unmarshal(data []byte) error {
	*r = LookupResponse{}
	return wire.Walk(data, func(f wire.Field) error {
		if f.Num != 1 {
			return nil
		}
		id, err := decodeString(f)
		if err == nil {
			r.WaveletIDs = append(r.WaveletIDs, id)
		}
		return err
	})
}

// DeleteRequest: 1 wave_id, 2 wavelet_id

func (r *DeleteRequest) Marshal() ([]byte, error) {
	return appendName(nil, r.WaveID, r.WaveletID), nil
}

func (r *DeleteRequest) Unmarshal(data []byte) error {
	*r = DeleteRequest{}
	return wire.Walk(data, func(f wire.Field) error {
		return decodeName(f, &r.WaveID, &r.WaveletID)
	})
}

func (r *DeleteResponse) Marshal() ([]byte, error) {
	return nil, nil
}

func (r *DeleteResponse) Unmarshal(data []byte) error {
	return wire.Walk(data, func(wire.Field) error { return nil })
}
