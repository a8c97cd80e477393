package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ErrorCode represents internal error codes for wavelet operations
type ErrorCode int

const (
	// Success
	ErrCodeOK ErrorCode = 0

	// Client errors (4xx equivalent)
	ErrCodeInvalidArgument    ErrorCode = 1000
	ErrCodeInvalidHash        ErrorCode = 1001
	ErrCodeVersionMismatch    ErrorCode = 1002
	ErrCodeOperationFailed    ErrorCode = 1003
	ErrCodeSignatureInvalid   ErrorCode = 1004
	ErrCodeWaveletNotFound    ErrorCode = 1005
	ErrCodeUnknownVersion     ErrorCode = 1006
	ErrCodeAccessDenied       ErrorCode = 1007
	ErrCodePreconditionFailed ErrorCode = 1008

	// Server errors (5xx equivalent)
	ErrCodeInternal           ErrorCode = 2000
	ErrCodeUnavailable        ErrorCode = 2001
	ErrCodeDiskFull           ErrorCode = 2002
	ErrCodePersistenceFailed  ErrorCode = 2003
	ErrCodeDuplicateMismatch  ErrorCode = 2004
	ErrCodeWaveletCorrupted   ErrorCode = 2005
	ErrCodeCorruptedData      ErrorCode = 2006
	ErrCodeResourceExhausted  ErrorCode = 2007
)

var codeNames = map[ErrorCode]string{
	ErrCodeOK:                 "ok",
	ErrCodeInvalidArgument:    "invalid_argument",
	ErrCodeInvalidHash:        "invalid_hash",
	ErrCodeVersionMismatch:    "version_mismatch",
	ErrCodeOperationFailed:    "operation_failed",
	ErrCodeSignatureInvalid:   "signature_invalid",
	ErrCodeWaveletNotFound:    "wavelet_not_found",
	ErrCodeUnknownVersion:     "unknown_version",
	ErrCodeAccessDenied:       "access_denied",
	ErrCodePreconditionFailed: "precondition_failed",
	ErrCodeInternal:           "internal",
	ErrCodeUnavailable:        "unavailable",
	ErrCodeDiskFull:           "disk_full",
	ErrCodePersistenceFailed:  "persistence_failed",
	ErrCodeDuplicateMismatch:  "duplicate_mismatch",
	ErrCodeWaveletCorrupted:   "wavelet_corrupted",
	ErrCodeCorruptedData:      "corrupted_data",
	ErrCodeResourceExhausted:  "resource_exhausted",
}

// String returns the snake_case name of the code, used as a metrics label
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code_%d", int(c))
}

// WaveletError represents a structured error with code and context
type WaveletError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	Cause   error
}

// Error implements the error interface
func (e *WaveletError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying error
func (e *WaveletError) Unwrap() error {
	return e.Cause
}

// ToGRPCStatus converts WaveletError to gRPC status
func (e *WaveletError) ToGRPCStatus() *status.Status {
	return status.New(e.toGRPCCode(), e.Error())
}

// toGRPCCode maps internal error codes to gRPC codes
func (e *WaveletError) toGRPCCode() codes.Code {
	switch e.Code {
	case ErrCodeOK:
		return codes.OK
	case ErrCodeInvalidArgument, ErrCodeOperationFailed, ErrCodeSignatureInvalid:
		return codes.InvalidArgument
	case ErrCodeInvalidHash, ErrCodeVersionMismatch, ErrCodePreconditionFailed:
		return codes.FailedPrecondition
	case ErrCodeWaveletNotFound, ErrCodeUnknownVersion:
		return codes.NotFound
	case ErrCodeAccessDenied:
		return codes.PermissionDenied
	case ErrCodeDiskFull, ErrCodeResourceExhausted:
		return codes.ResourceExhausted
	case ErrCodeDuplicateMismatch, ErrCodeWaveletCorrupted, ErrCodeCorruptedData:
		return codes.DataLoss
	case ErrCodeUnavailable:
		return codes.Unavailable
	default:
		return codes.Internal
	}
}

// NewWaveletError creates a new WaveletError
func NewWaveletError(code ErrorCode, message string, cause error) *WaveletError {
	return &WaveletError{
		Code:    code,
		Message: message,
		Details: make(map[string]interface{}),
		Cause:   cause,
	}
}

// WithDetail adds a detail to the error
func (e *WaveletError) WithDetail(key string, value interface{}) *WaveletError {
	e.Details[key] = value
	return e
}

// Convenience constructors for common errors

func InvalidArgument(message string, cause error) *WaveletError {
	return NewWaveletError(ErrCodeInvalidArgument, message, cause)
}

func InvalidHash(expected, actual fmt.Stringer) *WaveletError {
	return NewWaveletError(ErrCodeInvalidHash,
		fmt.Sprintf("invalid hash: expected %s, delta targets %s", expected, actual), nil).
		WithDetail("expected", expected.String()).
		WithDetail("actual", actual.String())
}

func VersionMismatch(current, target uint64) *WaveletError {
	return NewWaveletError(ErrCodeVersionMismatch,
		fmt.Sprintf("delta targets version %d beyond current version %d", target, current), nil).
		WithDetail("current", current).
		WithDetail("target", target)
}

func OperationFailed(message string, cause error) *WaveletError {
	return NewWaveletError(ErrCodeOperationFailed, message, cause)
}

func SignatureInvalid(message string, cause error) *WaveletError {
	return NewWaveletError(ErrCodeSignatureInvalid, message, cause)
}

func WaveletNotFound(name string) *WaveletError {
	return NewWaveletError(ErrCodeWaveletNotFound, fmt.Sprintf("wavelet not found: %s", name), nil).
		WithDetail("wavelet", name)
}

func UnknownVersion(what string, version uint64) *WaveletError {
	return NewWaveletError(ErrCodeUnknownVersion, fmt.Sprintf("unrecognized %s at version %d", what, version), nil).
		WithDetail("version", version)
}

func AccessDenied(message string) *WaveletError {
	return NewWaveletError(ErrCodeAccessDenied, message, nil)
}

func PreconditionFailed(message string, cause error) *WaveletError {
	return NewWaveletError(ErrCodePreconditionFailed, message, cause)
}

func InternalError(message string, cause error) *WaveletError {
	return NewWaveletError(ErrCodeInternal, message, cause)
}

func Unavailable(message string, cause error) *WaveletError {
	return NewWaveletError(ErrCodeUnavailable, message, cause)
}

func DiskFull(usagePercent float64, availableBytes uint64) *WaveletError {
	return NewWaveletError(ErrCodeDiskFull, fmt.Sprintf("disk full: %.2f%% used, %d bytes available", usagePercent, availableBytes), nil).
		WithDetail("usage_percent", usagePercent).
		WithDetail("available_bytes", availableBytes)
}

func PersistenceFailed(message string, cause error) *WaveletError {
	return NewWaveletError(ErrCodePersistenceFailed, message, cause)
}

func DuplicateMismatch(message string) *WaveletError {
	return NewWaveletError(ErrCodeDuplicateMismatch, message, nil)
}

func WaveletCorrupted(name string, cause error) *WaveletError {
	return NewWaveletError(ErrCodeWaveletCorrupted, fmt.Sprintf("wavelet %s is in an unusable state", name), cause).
		WithDetail("wavelet", name)
}

func CorruptedData(message string, cause error) *WaveletError {
	return NewWaveletError(ErrCodeCorruptedData, message, cause)
}

func ResourceExhausted(resource string, current, limit int) *WaveletError {
	return NewWaveletError(ErrCodeResourceExhausted, fmt.Sprintf("%s exhausted: %d/%d", resource, current, limit), nil).
		WithDetail("resource", resource).
		WithDetail("current", current).
		WithDetail("limit", limit)
}

// IsWaveletError checks if an error is, or wraps, a WaveletError
func IsWaveletError(err error) bool {
	var we *WaveletError
	return stderrors.As(err, &we)
}

// GetCode extracts the error code from an error
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrCodeOK
	}
	var we *WaveletError
	if stderrors.As(err, &we) {
		return we.Code
	}
	return ErrCodeInternal
}

// HasCode reports whether err carries the given code
func HasCode(err error, code ErrorCode) bool {
	return err != nil && GetCode(err) == code
}

// ToGRPCError converts any error into a gRPC status error
func ToGRPCError(err error) error {
	if err == nil {
		return nil
	}
	var we *WaveletError
	if stderrors.As(err, &we) {
		return we.ToGRPCStatus().Err()
	}
	return status.Error(codes.Internal, err.Error())
}

// HTTPStatus maps an error to the status code of the admin HTTP API
func HTTPStatus(err error) int {
	switch GetCode(err) {
	case ErrCodeOK:
		return http.StatusOK
	case ErrCodeInvalidArgument, ErrCodeOperationFailed, ErrCodeSignatureInvalid:
		return http.StatusBadRequest
	case ErrCodeInvalidHash, ErrCodeVersionMismatch, ErrCodePreconditionFailed:
		return http.StatusConflict
	case ErrCodeWaveletNotFound, ErrCodeUnknownVersion:
		return http.StatusNotFound
	case ErrCodeAccessDenied:
		return http.StatusForbidden
	case ErrCodeDiskFull:
		return http.StatusInsufficientStorage
	case ErrCodeResourceExhausted:
		return http.StatusTooManyRequests
	case ErrCodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
