package validation

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/model"
)

const (
	// Size limits
	MaxIDSize          = 256
	MaxParticipantSize = 256
	MaxBlipIDSize      = 256
	MaxDeltaSize       = 1024 * 1024 // 1 MB

	MaxOpsPerDelta = 10000
	MaxSignatures  = 16
)

// Validator validates wavelet names and submitted deltas
type Validator struct {
	maxIDSize    int
	maxDeltaSize int
	maxOps       int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxIDSize:    MaxIDSize,
		maxDeltaSize: MaxDeltaSize,
		maxOps:       MaxOpsPerDelta,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxIDSize, maxDeltaSize, maxOps int) *Validator {
	return &Validator{
		maxIDSize:    maxIDSize,
		maxDeltaSize: maxDeltaSize,
		maxOps:       maxOps,
	}
}

// ValidateSubmit validates a submission and returns the decoded delta
func (v *Validator) ValidateSubmit(name model.WaveletName, signed *model.SignedDelta, decode func([]byte) (*model.WaveletDelta, error)) (*model.WaveletDelta, error) {
	if err := v.ValidateWaveletName(name); err != nil {
		return nil, err
	}
	if err := v.ValidateSignedDelta(signed); err != nil {
		return nil, err
	}

	delta, err := decode(signed.Delta)
	if err != nil {
		return nil, errors.InvalidArgument("malformed delta", err)
	}
	if err := v.ValidateDelta(delta); err != nil {
		return nil, err
	}
	return delta, nil
}

// ValidateWaveletName validates both ids of a wavelet name
func (v *Validator) ValidateWaveletName(name model.WaveletName) error {
	if err := v.ValidateID(name.WaveID, "wave id"); err != nil {
		return err
	}
	return v.ValidateID(name.WaveletID, "wavelet id")
}

// ValidateID validates a "{domain}!{local id}" identifier
func (v *Validator) ValidateID(id, what string) error {
	if id == "" {
		return errors.InvalidArgument(fmt.Sprintf("%s cannot be empty", what), nil)
	}
	if len(id) > v.maxIDSize {
		return errors.InvalidArgument(fmt.Sprintf("%s exceeds maximum size of %d bytes", what, v.maxIDSize), nil)
	}

	domain, local, ok := strings.Cut(id, "!")
	if !ok || domain == "" || local == "" {
		return errors.InvalidArgument(fmt.Sprintf("%s %q must have the form domain!id", what, id), nil)
	}

	// '/' separates the wave id from the wavelet id in names
	if strings.ContainsAny(id, "/\x00") {
		return errors.InvalidArgument(fmt.Sprintf("%s cannot contain '/' or null bytes", what), nil)
	}
	if hasControl(id) {
		return errors.InvalidArgument(fmt.Sprintf("%s cannot contain control characters", what), nil)
	}
	return nil
}

// ValidateSignedDelta checks the envelope of a submission without decoding it
func (v *Validator) ValidateSignedDelta(signed *model.SignedDelta) error {
	if signed == nil || len(signed.Delta) == 0 {
		return errors.InvalidArgument("delta is required", nil)
	}
	if len(signed.Delta) > v.maxDeltaSize {
		return errors.InvalidArgument(
			fmt.Sprintf("delta of %d bytes exceeds maximum size of %d", len(signed.Delta), v.maxDeltaSize), nil)
	}
	if len(signed.Signatures) > MaxSignatures {
		return errors.InvalidArgument(
			fmt.Sprintf("delta has too many signatures: %d > %d", len(signed.Signatures), MaxSignatures), nil)
	}

	for i, sig := range signed.Signatures {
		if len(sig.SignerID) == 0 || len(sig.Bytes) == 0 {
			return errors.InvalidArgument(fmt.Sprintf("signature %d is incomplete", i), nil)
		}
		if sig.Algorithm == "" {
			return errors.InvalidArgument(fmt.Sprintf("signature %d has no algorithm", i), nil)
		}
	}
	return nil
}

// ValidateDelta validates the author and operations of a decoded delta
func (v *Validator) ValidateDelta(delta *model.WaveletDelta) error {
	if err := v.ValidateAuthor(delta.Author); err != nil {
		return err
	}
	if len(delta.Ops) == 0 {
		return errors.InvalidArgument("delta has no operations", nil)
	}
	if len(delta.Ops) > v.maxOps {
		return errors.InvalidArgument(
			fmt.Sprintf("delta has too many operations: %d > %d", len(delta.Ops), v.maxOps), nil)
	}

	for i, op := range delta.Ops {
		if err := v.validateOperation(op); err != nil {
			return errors.InvalidArgument(fmt.Sprintf("operation %d: %s", i, err.Error()), nil).
				WithDetail("op_index", i)
		}
	}
	return nil
}

// ValidateAuthor validates the author of a delta. Shared domain
// participants cannot author deltas.
func (v *Validator) ValidateAuthor(p model.ParticipantID) error {
	if err := ValidateParticipant(p); err != nil {
		return err
	}
	if strings.HasPrefix(string(p), "@") {
		return errors.InvalidArgument(fmt.Sprintf("%s cannot author a delta", p), nil)
	}
	return nil
}

// ValidateParticipant validates a "user@domain" address
func ValidateParticipant(p model.ParticipantID) error {
	s := string(p)
	if s == "" {
		return errors.InvalidArgument("participant cannot be empty", nil)
	}
	if len(s) > MaxParticipantSize {
		return errors.InvalidArgument(
			fmt.Sprintf("participant exceeds maximum size of %d bytes", MaxParticipantSize), nil)
	}
	if strings.Count(s, "@") != 1 || p.Domain() == "" {
		return errors.InvalidArgument(fmt.Sprintf("participant %q must have the form user@domain", s), nil)
	}
	if hasControl(s) || strings.ContainsRune(s, ' ') {
		return errors.InvalidArgument(fmt.Sprintf("participant %q contains invalid characters", s), nil)
	}
	return nil
}

func (v *Validator) validateOperation(op model.WaveletOperation) error {
	switch op.Type {
	case model.OpNoOp:
		return nil

	case model.OpAddParticipant, model.OpRemoveParticipant:
		return ValidateParticipant(op.Participant)

	case model.OpBlipInsert, model.OpBlipDelete:
		if op.BlipID == "" || len(op.BlipID) > MaxBlipIDSize || hasControl(op.BlipID) {
			return fmt.Errorf("invalid blip id %q", op.BlipID)
		}
		if op.Position < 0 {
			return fmt.Errorf("negative position %d", op.Position)
		}
		if op.Type == model.OpBlipInsert && op.Text == "" {
			return fmt.Errorf("empty insert")
		}
		if op.Type == model.OpBlipDelete && op.Count <= 0 {
			return fmt.Errorf("delete count must be positive, got %d", op.Count)
		}
		return nil

	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

func hasControl(s string) bool {
	return strings.IndexFunc(s, unicode.IsControl) >= 0
}

// EstimateDeltaSize estimates the disk space needed to store a delta
// This is used by the disk manager to check available space
func EstimateDeltaSize(signed *model.SignedDelta) uint64 {
	size := len(signed.Delta) + 128 // applied delta envelope + record header
	for _, sig := range signed.Signatures {
		size += len(sig.SignerID) + len(sig.Bytes) + len(sig.Algorithm) + 8
	}

	// The transformed form and the index entries are stored as well
	total := uint64(2 * size)
	return total + (total / 5)
}
