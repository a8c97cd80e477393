package signing

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	werrors "github.com/devrev/waveletd/internal/errors"
	"github.com/devrev/waveletd/internal/model"
)

func TestEd25519_SignVerify(t *testing.T) {
	signer, err := NewEd25519Signer(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	ring := NewKeyRing()
	ring.Trust("example.com", signer.PublicKey())

	delta := []byte("delta bytes")
	sigs, err := signer.Sign(delta)
	require.NoError(t, err)
	require.Len(t, sigs, 1)

	assert.NoError(t, ring.Verify(delta, sigs[0], "example.com"))

	err = ring.Verify([]byte("delta bytez"), sigs[0], "example.com")
	assert.Equal(t, werrors.ErrCodeSignatureInvalid, werrors.GetCode(err))

	err = ring.Verify(delta, sigs[0], "other.org")
	assert.Equal(t, werrors.ErrCodeSignatureInvalid, werrors.GetCode(err))

	bad := sigs[0]
	bad.Algorithm = "rsa"
	assert.Error(t, ring.Verify(delta, bad, "example.com"))
}

func TestNewEd25519SignerFromHex(t *testing.T) {
	_, err := NewEd25519SignerFromHex("abcd")
	assert.Error(t, err)
	_, err = NewEd25519SignerFromHex("zz")
	assert.Error(t, err)

	s, err := NewEd25519SignerFromHex("0101010101010101010101010101010101010101010101010101010101010101")
	require.NoError(t, err)
	assert.Len(t, SignerID(s.PublicKey()), 32)
}

func TestNoop(t *testing.T) {
	sigs, err := NoopSigner{}.Sign([]byte("x"))
	assert.NoError(t, err)
	assert.Empty(t, sigs)
	assert.NoError(t, NoopVerifier{}.Verify(nil, model.Signature{}, ""))
}
