package identity

import (
	"encoding/json"
	"testing"

	"tacmesh/internal/model"

	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, certs ...model.Certificate) []byte {
	t.Helper()
	data, err := json.Marshal(certs)
	require.NoError(t, err)
	return data
}
