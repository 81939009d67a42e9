package encryption

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	key := bytes.Repeat([]byte{7}, 32)

	sealed, err := Seal(key, []byte("grid 38SMB4484"), []byte("hdr"))
	require.NoError(t, err)

	plain, err := Open(key, sealed, []byte("hdr"))
	require.NoError(t, err)
	require.Equal(t, "grid 38SMB4484", string(plain))

	_, err = Open(key, sealed, []byte("other"))
	require.Error(t, err)

	sealed[len(sealed)-1] ^= 0xff
	_, err = Open(key, sealed, []byte("hdr"))
	require.Error(t, err)

	_, err = Open(key, []byte{1, 2}, nil)
	require.ErrorIs(t, err, ErrShortCiphertext)
}
