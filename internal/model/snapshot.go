package model

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidOperation is returned when an operation cannot be applied to a snapshot
var ErrInvalidOperation = errors.New("invalid operation")

// Blip is a document inside a wavelet
type Blip struct {
	ID                  string
	Author              ParticipantID
	Contributors        []ParticipantID
	Content             string
	LastModifiedVersion uint64
	LastModifiedTime    int64
}

// Snapshot is the materialized state of a wavelet at Version.
//
// A snapshot handed out by the wavelet state is never mutated again; updates
// are applied to a Clone and swapped in.
type Snapshot struct {
	Name             WaveletName
	Creator          ParticipantID
	Participants     []ParticipantID
	Blips            map[string]*Blip
	Version          HashedVersion
	CreationTime     int64
	LastModifiedTime int64
}

// BuildFromFirstDelta creates the snapshot produced by the first delta of a wavelet
func BuildFromFirstDelta(name WaveletName, delta *TransformedDelta) (*Snapshot, error) {
	if delta.AppliedAtVersion != 0 {
		return nil, fmt.Errorf("first delta applied at version %d, expected 0", delta.AppliedAtVersion)
	}
	s := &Snapshot{
		Name:             name,
		Creator:          delta.Author,
		Blips:            make(map[string]*Blip),
		Version:          HashedVersion{Version: 0},
		CreationTime:     delta.ApplicationTimestamp,
		LastModifiedTime: delta.ApplicationTimestamp,
	}
	if err := s.ApplyDelta(delta); err != nil {
		return nil, err
	}
	return s, nil
}

// Clone returns a deep copy
func (s *Snapshot) Clone() *Snapshot {
	c := *s
	c.Participants = slices.Clone(s.Participants)
	c.Version.HistoryHash = slices.Clone(s.Version.HistoryHash)
	c.Blips = make(map[string]*Blip, len(s.Blips))
	for id, b := range s.Blips {
		nb := *b
		nb.Contributors = slices.Clone(b.Contributors)
		c.Blips[id] = &nb
	}
	return &c
}

// HasParticipant reports whether p is a participant
func (s *Snapshot) HasParticipant(p ParticipantID) bool {
	return slices.Contains(s.Participants, p)
}

// ApplyDelta applies the delta in place. On error the snapshot is left in an
// undefined state, so callers apply to a Clone.
func (s *Snapshot) ApplyDelta(delta *TransformedDelta) error {
	if delta.AppliedAtVersion != s.Version.Version {
		return fmt.Errorf("%w: delta applied at %d, snapshot at %d",
			ErrInvalidOperation, delta.AppliedAtVersion, s.Version.Version)
	}
	if delta.ResultingVersion.Version != delta.AppliedAtVersion+uint64(len(delta.Ops)) {
		return fmt.Errorf("%w: resulting version %d does not match %d ops at %d",
			ErrInvalidOperation, delta.ResultingVersion.Version, len(delta.Ops), delta.AppliedAtVersion)
	}

	for i, op := range delta.Ops {
		version := delta.AppliedAtVersion + uint64(i) + 1
		if err := s.applyOp(delta.Author, op, version, delta.ApplicationTimestamp); err != nil {
			return err
		}
	}

	s.Version = delta.ResultingVersion
	s.LastModifiedTime = delta.ApplicationTimestamp
	return nil
}

func (s *Snapshot) applyOp(author ParticipantID, op WaveletOperation, version uint64, ts int64) error {
	switch op.Type {
	case OpNoOp:
		return nil

	case OpAddParticipant:
		if op.Participant == "" {
			return fmt.Errorf("%w: empty participant", ErrInvalidOperation)
		}
		if s.HasParticipant(op.Participant) {
			return fmt.Errorf("%w: %s is already a participant", ErrInvalidOperation, op.Participant)
		}
		s.Participants = append(s.Participants, op.Participant)
		return nil

	case OpRemoveParticipant:
		idx := slices.Index(s.Participants, op.Participant)
		if idx < 0 {
			return fmt.Errorf("%w: %s is not a participant", ErrInvalidOperation, op.Participant)
		}
		s.Participants = slices.Delete(s.Participants, idx, idx+1)
		return nil

	case OpBlipInsert:
		blip, ok := s.Blips[op.BlipID]
		if !ok {
			if op.BlipID == "" {
				return fmt.Errorf("%w: empty blip id", ErrInvalidOperation)
			}
			blip = &Blip{ID: op.BlipID, Author: author}
			s.Blips[op.BlipID] = blip
		}
		content := []rune(blip.Content)
		if op.Position < 0 || op.Position > len(content) {
			return fmt.Errorf("%w: insert at %d outside blip %s of length %d",
				ErrInvalidOperation, op.Position, op.BlipID, len(content))
		}
		content = slices.Insert(content, op.Position, []rune(op.Text)...)
		blip.Content = string(content)
		blip.touch(author, version, ts)
		return nil

	case OpBlipDelete:
		blip, ok := s.Blips[op.BlipID]
		if !ok {
			return fmt.Errorf("%w: no blip %s", ErrInvalidOperation, op.BlipID)
		}
		content := []rune(blip.Content)
		if op.Count < 0 || op.Position < 0 || op.Position+op.Count > len(content) {
			return fmt.Errorf("%w: delete [%d,%d) outside blip %s of length %d",
				ErrInvalidOperation, op.Position, op.Position+op.Count, op.BlipID, len(content))
		}
		content = slices.Delete(content, op.Position, op.Position+op.Count)
		blip.Content = string(content)
		blip.touch(author, version, ts)
		return nil

	default:
		return fmt.Errorf("%w: unknown operation type %q", ErrInvalidOperation, op.Type)
	}
}

func (b *Blip) touch(author ParticipantID, version uint64, ts int64) {
	if !slices.Contains(b.Contributors, author) {
		b.Contributors = append(b.Contributors, author)
	}
	b.LastModifiedVersion = version
	b.LastModifiedTime = ts
}
