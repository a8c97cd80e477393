// Package api defines the messages and the gRPC service of the wavelet
// server. Messages encode themselves in the protobuf wire format, see
// encoding.go.
package api

import "github.com/devrev/waveletd/internal/model"

// HashedVersion is a version together with its history hash
type HashedVersion struct {
	Version     uint64
	HistoryHash []byte
}

// Signature is a signature over the serialized delta
type Signature struct {
	SignerID  []byte
	Signature []byte
	Algorithm string
}

type SubmitRequest struct {
	WaveID     string
	WaveletID  string
	Delta      []byte
	Signatures []Signature
}

type SubmitResponse struct {
	OperationsApplied    int
	ResultingVersion     HashedVersion
	ApplicationTimestamp int64
	Outcome              string
}

type HistoryRequest struct {
	WaveID    string
	WaveletID string
	Start     HashedVersion
	End       HashedVersion

	// Limit caps the number of returned deltas; zero means the server limit
	Limit int
}

type HistoryResponse struct {
	// Deltas are applied deltas in their stored wire form
	Deltas [][]byte

	// Truncated is set when the limit cut the range short
	Truncated bool
}

type SnapshotRequest struct {
	WaveID    string
	WaveletID string
}

type SnapshotResponse struct {
	// Snapshot is the snapshot in its stored wire form
	Snapshot         []byte
	Version          HashedVersion
	CommittedVersion HashedVersion
}

type LookupRequest struct {
	WaveID string
}

type LookupResponse struct {
	WaveletIDs []string
}

type DeleteRequest struct {
	WaveID    string
	WaveletID string
}

type DeleteResponse struct{}

// WaveletName returns the name addressed by the request
func (r *SubmitRequest) WaveletName() model.WaveletName {
	return model.NewWaveletName(r.WaveID, r.WaveletID)
}

// WaveletName returns the name addressed by the request
func (r *HistoryRequest) WaveletName() model.WaveletName {
	return model.NewWaveletName(r.WaveID, r.WaveletID)
}

// WaveletName returns the name addressed by the request
func (r *SnapshotRequest) WaveletName() model.WaveletName {
	return model.NewWaveletName(r.WaveID, r.WaveletID)
}

// WaveletName returns the name addressed by the request
func (r *DeleteRequest) WaveletName() model.WaveletName {
	return model.NewWaveletName(r.WaveID, r.WaveletID)
}

// SignedDelta converts the request to the model form
func (r *SubmitRequest) SignedDelta() *model.SignedDelta {
	sigs := make([]model.Signature, len(r.Signatures))
	for i, s := range r.Signatures {
		sigs[i] = model.Signature{SignerID: s.SignerID, Bytes: s.Signature, Algorithm: s.Algorithm}
	}
	return &model.SignedDelta{Delta: r.Delta, Signatures: sigs}
}

// FromSignatures converts model signatures to messages
func FromSignatures(sigs []model.Signature) []Signature {
	out := make([]Signature, len(sigs))
	for i, s := range sigs {
		out[i] = Signature{SignerID: s.SignerID, Signature: s.Bytes, Algorithm: s.Algorithm}
	}
	return out
}

// FromHashedVersion converts a model version to a message
func FromHashedVersion(v model.HashedVersion) HashedVersion {
	return HashedVersion{Version: v.Version, HistoryHash: v.HistoryHash}
}

// Model converts the message to a model version
func (v HashedVersion) Model() model.HashedVersion {
	return model.HashedVersion{Version: v.Version, HistoryHash: v.HistoryHash}
}
