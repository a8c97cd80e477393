package version

import (
	"crypto/sha256"

	"github.com/devrev/waveletd/internal/model"
)

// HashSize is the number of hash bytes kept per version (160 bits)
const HashSize = 20

// Factory computes hashed versions of a wavelet history
type Factory struct{}

// NewFactory creates a hashed version factory
func NewFactory() *Factory {
	return &Factory{}
}

// VersionZero returns the version of an empty wavelet. The hash depends only
// on the wavelet's durable name so it is stable across restarts.
func (f *Factory) VersionZero(name model.WaveletName) model.HashedVersion {
	return model.HashedVersion{
		Version:     0,
		HistoryHash: []byte(name.URI()),
	}
}

// Create returns the version that results from applying the delta whose wire
// bytes are appliedDeltaBytes at appliedAt
func (f *Factory) Create(appliedDeltaBytes []byte, appliedAt model.HashedVersion, opsApplied int) model.HashedVersion {
	return model.HashedVersion{
		Version:     appliedAt.Version + uint64(opsApplied),
		HistoryHash: chainHash(appliedAt.HistoryHash, appliedDeltaBytes),
	}
}

// chainHash is SHA-256(previous || delta) truncated to HashSize
func chainHash(previous, delta []byte) []byte {
	h := sha256.New()
	h.Write(previous)
	h.Write(delta)
	sum := h.Sum(nil)
	return sum[:HashSize]
}
