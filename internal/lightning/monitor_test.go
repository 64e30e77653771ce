package lightning

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyPreimage(t *testing.T) {
	preimage := []byte("thirty-two bytes of settle proof")
	digest := sha256.Sum256(preimage)
	hash := hex.EncodeToString(digest[:])

	require.NoError(t, verifyPreimage(hex.EncodeToString(preimage), hash))

	t.Run("payment hash case is ignored", func(t *testing.T) {
		assert.NoError(t, verifyPreimage(hex.EncodeToString(preimage), strings.ToUpper(hash)))
	})

	t.Run("wrong preimage", func(t *testing.T) {
		assert.Error(t, verifyPreimage(hex.EncodeToString([]byte("wrong")), hash))
	})

	t.Run("not hex", func(t *testing.T) {
		assert.Error(t, verifyPreimage("not hex at all", hash))
	})

	t.Run("empty", func(t *testing.T) {
		assert.Error(t, verifyPreimage("", hash))
	})
}
