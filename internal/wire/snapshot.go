package wire

import (
	"fmt"
	"sort"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/devrev/waveletd/internal/model"
)

var (
	snapshotEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	snapshotDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
)

// Blip: 1 id, 2 author, 3 contributors, 4 content, 5 last_modified_version,
// 6 last_modified_time

func appendBlip(b []byte, blip *model.Blip) []byte {
	b = AppendString(b, 1, blip.ID)
	b = AppendString(b, 2, string(blip.Author))
	for _, c := range blip.Contributors {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, string(c))
	}
	b = AppendString(b, 4, blip.Content)
	b = AppendVarint(b, 5, blip.LastModifiedVersion)
	return AppendInt(b, 6, blip.LastModifiedTime)
}

func decodeBlip(b []byte) (*model.Blip, error) {
	blip := &model.Blip{}
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case 1, 2, 3, 4:
			if err := f.Expect(protowire.BytesType); err != nil {
				return err
			}
		case 5, 6:
			if err := f.Expect(protowire.VarintType); err != nil {
				return err
			}
		}
		switch f.Num {
		case 1:
			blip.ID = string(f.Bytes)
		case 2:
			blip.Author = model.ParticipantID(f.Bytes)
		case 3:
			blip.Contributors = append(blip.Contributors, model.ParticipantID(f.Bytes))
		case 4:
			blip.Content = string(f.Bytes)
		case 5:
			blip.LastModifiedVersion = f.Varint
		case 6:
			blip.LastModifiedTime = protowire.DecodeZigZag(f.Varint)
		}
		return nil
	})
	return blip, err
}

// EncodeSnapshot encodes a snapshot. Blips are written in id order so equal
// snapshots encode to equal bytes.
// Snapshot: 1 wave_id, 2 wavelet_id, 3 creator, 4 participants, 5 blips,
// 6 version, 7 creation_time, 8 last_modified_time
func EncodeSnapshot(s *model.Snapshot) []byte {
	var b []byte
	b = AppendString(b, 1, s.Name.WaveID)
	b = AppendString(b, 2, s.Name.WaveletID)
	b = AppendString(b, 3, string(s.Creator))
	for _, p := range s.Participants {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendString(b, string(p))
	}

	ids := make([]string, 0, len(s.Blips))
	for id := range s.Blips {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		b = AppendMessage(b, 5, appendBlip(nil, s.Blips[id]))
	}

	b = AppendMessage(b, 6, AppendHashedVersion(nil, s.Version))
	b = AppendInt(b, 7, s.CreationTime)
	return AppendInt(b, 8, s.LastModifiedTime)
}

// DecodeSnapshot decodes a snapshot
func DecodeSnapshot(b []byte) (*model.Snapshot, error) {
	s := &model.Snapshot{Blips: make(map[string]*model.Blip)}
	err := Walk(b, func(f Field) error {
		switch f.Num {
		case 7, 8:
			if err := f.Expect(protowire.VarintType); err != nil {
				return err
			}
		default:
			if err := f.Expect(protowire.BytesType); err != nil {
				return err
			}
		}
		switch f.Num {
		case 1:
			s.Name.WaveID = string(f.Bytes)
		case 2:
			s.Name.WaveletID = string(f.Bytes)
		case 3:
			s.Creator = model.ParticipantID(f.Bytes)
		case 4:
			s.Participants = append(s.Participants, model.ParticipantID(f.Bytes))
		case 5:
			blip, err := decodeBlip(f.Bytes)
			if err != nil {
				return err
			}
			s.Blips[blip.ID] = blip
		case 6:
			v, err := DecodeHashedVersion(f.Bytes)
			if err != nil {
				return err
			}
			s.Version = v
		case 7:
			s.CreationTime = protowire.DecodeZigZag(f.Varint)
		case 8:
			s.LastModifiedTime = protowire.DecodeZigZag(f.Varint)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return s, nil
}

// CompressSnapshot encodes and zstd-compresses a snapshot for storage
func CompressSnapshot(s *model.Snapshot) []byte {
	return snapshotEncoder.EncodeAll(EncodeSnapshot(s), nil)
}

// DecompressSnapshot reverses CompressSnapshot
func DecompressSnapshot(b []byte) (*model.Snapshot, error) {
	raw, err := snapshotDecoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	return DecodeSnapshot(raw)
}
