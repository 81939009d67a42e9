package dh

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSharedSecretAgrees(t *testing.T) {
	aPriv, aPub, err := NewKeyPair()
	require.NoError(t, err)
	bPriv, bPub, err := NewKeyPair()
	require.NoError(t, err)

	ab, err := SharedSecret(aPriv, bPub[:])
	require.NoError(t, err)
	ba, err := SharedSecret(bPriv, aPub[:])
	require.NoError(t, err)
	require.Equal(t, ab, ba)
	require.Equal(t, aPub, PublicKey(aPriv))

	_, err = SharedSecret(aPriv, []byte{1, 2, 3})
	require.Error(t, err)

	_, err = SharedSecret(aPriv, make([]byte, 32))
	require.Error(t, err)
}
