package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestGetCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"nil", nil, ErrCodeOK},
		{"plain", stderrors.New("boom"), ErrCodeInternal},
		{"direct", OperationFailed("bad op", nil), ErrCodeOperationFailed},
		{"wrapped", fmt.Errorf("submit: %w", PersistenceFailed("append", nil)), ErrCodePersistenceFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetCode(tt.err))
		})
	}
}

func TestToGRPCError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want codes.Code
	}{
		{"invalid hash", InvalidHash(stringer("3:aa"), stringer("3:bb")), codes.FailedPrecondition},
		{"duplicate mismatch", DuplicateMismatch("two deltas at 4"), codes.DataLoss},
		{"not found", WaveletNotFound("w/x"), codes.NotFound},
		{"disk", DiskFull(97.5, 10), codes.ResourceExhausted},
		{"unknown", stderrors.New("boom"), codes.Internal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, ok := status.FromError(ToGRPCError(tt.err))
			assert.True(t, ok)
			assert.Equal(t, tt.want, st.Code())
			assert.Equal(t, tt.err.Error(), st.Message())
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := stderrors.New("disk gone")
	err := PersistenceFailed("append failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "append failed: disk gone", err.Error())
	assert.Equal(t, "persistence_failed", err.Code.String())
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusOK, HTTPStatus(nil))
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(InvalidArgument("bad", nil)))
	assert.Equal(t, http.StatusConflict, HTTPStatus(VersionMismatch(4, 7)))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(WaveletNotFound("w/x")))
	assert.Equal(t, http.StatusInsufficientStorage, HTTPStatus(DiskFull(99, 1)))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(stderrors.New("boom")))
}

type stringer string

func (s stringer) String() string { return string(s) }
