package model

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"strings"
)

// WaveletName identifies a wavelet within a wave
type WaveletName struct {
	WaveID    string // Format: "{domain}!{local id}"
	WaveletID string // Format: "{domain}!{local id}"
}

// NewWaveletName creates a wavelet name
func NewWaveletName(waveID, waveletID string) WaveletName {
	return WaveletName{WaveID: waveID, WaveletID: waveletID}
}

// ParseWaveletName parses the "{waveId}/{waveletId}" form produced by String
func ParseWaveletName(s string) (WaveletName, error) {
	waveID, waveletID, ok := strings.Cut(s, "/")
	if !ok || waveID == "" || waveletID == "" {
		return WaveletName{}, fmt.Errorf("malformed wavelet name %q", s)
	}
	return WaveletName{WaveID: waveID, WaveletID: waveletID}, nil
}

// String returns "{waveId}/{waveletId}"
func (n WaveletName) String() string {
	return n.WaveID + "/" + n.WaveletID
}

// Domain returns the domain the wave belongs to
func (n WaveletName) Domain() string {
	domain, _, _ := strings.Cut(n.WaveID, "!")
	return domain
}

// URI returns the durable name of the wavelet. It is the input of the
// version zero hash, so it must never change for an existing wavelet.
func (n WaveletName) URI() string {
	domain, local, found := strings.Cut(n.WaveID, "!")
	if !found {
		local = n.WaveID
	}
	return fmt.Sprintf("wave://%s/%s/%s", domain, local, n.WaveletID)
}

// IsZero reports whether the name is unset
func (n WaveletName) IsZero() bool {
	return n.WaveID == "" && n.WaveletID == ""
}

// ParticipantID is an address of the form "user@domain"
type ParticipantID string

// Domain returns the part after '@'
func (p ParticipantID) Domain() string {
	_, domain, _ := strings.Cut(string(p), "@")
	return domain
}

// SharedDomainParticipant returns the participant that stands for every user of a domain
func SharedDomainParticipant(domain string) ParticipantID {
	return ParticipantID("@" + domain)
}

// HashedVersion names a point in a wavelet's history
type HashedVersion struct {
	Version     uint64
	HistoryHash []byte
}

// Unsigned returns a hashed version carrying no hash. Only useful as a map
// probe; it never equals a real version.
func Unsigned(version uint64) HashedVersion {
	return HashedVersion{Version: version}
}

// Equal compares both the version number and the hash
func (v HashedVersion) Equal(other HashedVersion) bool {
	return v.Version == other.Version && bytes.Equal(v.HistoryHash, other.HistoryHash)
}

// String renders the version as "{version}:{hash prefix}"
func (v HashedVersion) String() string {
	h := hex.EncodeToString(v.HistoryHash)
	if len(h) > 12 {
		h = h[:12]
	}
	return fmt.Sprintf("%d:%s", v.Version, h)
}
