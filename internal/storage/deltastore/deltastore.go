// Package deltastore defines the durable store protocol for wavelet history.
//
// A store hands out one DeltasAccess per wavelet. Appends to a handle are
// serialized by the caller; reads may run concurrently with an append and
// observe either the old or the new end version.
package deltastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/devrev/waveletd/internal/model"
)

var (
	// ErrWaveletNotFound is returned when deleting a wavelet that has no history
	ErrWaveletNotFound = errors.New("wavelet not found")

	// ErrClosed is returned by operations on a closed store or handle
	ErrClosed = errors.New("delta store closed")

	// ErrNonContiguous is returned when appended records leave a gap or overlap
	ErrNonContiguous = errors.New("non-contiguous append")

	// ErrCorrupted is returned when stored bytes fail validation
	ErrCorrupted = errors.New("stored delta corrupted")
)

// DeltaStore is the durable store of wavelet histories
type DeltaStore interface {
	// Open returns the handle of a wavelet. Opening an unknown wavelet yields
	// an empty handle and writes nothing.
	Open(ctx context.Context, name model.WaveletName) (DeltasAccess, error)

	// Delete removes all history of a wavelet
	Delete(ctx context.Context, name model.WaveletName) error

	// Lookup lists the wavelet ids stored for a wave
	Lookup(ctx context.Context, waveID string) ([]string, error)

	// WaveIDs lists every wave with at least one stored wavelet
	WaveIDs(ctx context.Context) ([]string, error)

	Close() error
}

// DeltasAccess reads and appends the history of a single wavelet
type DeltasAccess interface {
	WaveletName() model.WaveletName

	// IsEmpty reports whether no delta has been stored
	IsEmpty() bool

	// EndVersion is the resulting version of the last stored delta, or the
	// zero value when empty
	EndVersion() model.HashedVersion

	// Delta returns the record applied at version, or nil if none starts there
	Delta(ctx context.Context, version uint64) (*model.DeltaRecord, error)

	// DeltaByEndVersion returns the record whose resulting version is version
	DeltaByEndVersion(ctx context.Context, version uint64) (*model.DeltaRecord, error)

	// LastDelta returns the last stored record, or nil when empty
	LastDelta(ctx context.Context) (*model.DeltaRecord, error)

	// DeltasInRange visits stored records applied in [start, end) in order
	// until visit returns false or a record is missing. start must be a delta
	// boundary.
	DeltasInRange(ctx context.Context, start, end uint64, visit func(*model.DeltaRecord) bool) error

	// Append durably stores records. The first must be applied at EndVersion
	// and they must be contiguous. Data is flushed before Append returns.
	Append(ctx context.Context, records []*model.DeltaRecord) error

	Close() error
}

// SnapshotAccess is implemented by handles that can store materialized
// snapshots next to the history
type SnapshotAccess interface {
	// LoadSnapshot returns the stored snapshot, or nil if there is none
	LoadSnapshot(ctx context.Context) (*model.Snapshot, error)

	// StoreSnapshot replaces the stored snapshot
	StoreSnapshot(ctx context.Context, snapshot *model.Snapshot) error
}

// CheckContiguous validates that records can be appended after end
func CheckContiguous(end uint64, records []*model.DeltaRecord) error {
	next := end
	for _, r := range records {
		if r.AppliedDelta == nil || r.Transformed == nil {
			return fmt.Errorf("%w: record without applied delta", ErrNonContiguous)
		}
		if r.IsEmpty() {
			return fmt.Errorf("%w: empty record at %d", ErrNonContiguous, r.AppliedAtVersion.Version)
		}
		if r.AppliedAtVersion.Version != next {
			return fmt.Errorf("%w: record applied at %d after version %d",
				ErrNonContiguous, r.AppliedAtVersion.Version, next)
		}
		next = r.ResultingVersion().Version
	}
	return nil
}
