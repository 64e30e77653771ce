package tapd

import (
	"strings"
	"testing"

	"github.com/lightninglabs/taproot-assets/taprpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"arkrelay/internal/fault"
)

func TestDecodeAssetID(t *testing.T) {
	id, err := DecodeAssetID(strings.Repeat("ab", 32))
	require.NoError(t, err)
	assert.Len(t, id, 32)

	_, err = DecodeAssetID("zz")
	require.Error(t, err)
	assert.Equal(t, fault.InvalidIntent, fault.CodeOf(err))

	_, err = DecodeAssetID(strings.Repeat("ab", 31))
	require.Error(t, err)
	assert.Equal(t, fault.InvalidIntent, fault.CodeOf(err))
}

func TestParseAssetType(t *testing.T) {
	assert.Equal(t, taprpc.AssetType_COLLECTIBLE, parseAssetType("collectible"))
	assert.Equal(t, taprpc.AssetType_COLLECTIBLE, parseAssetType("COLLECTIBLE"))
	assert.Equal(t, taprpc.AssetType_NORMAL, parseAssetType("normal"))
	assert.Equal(t, taprpc.AssetType_NORMAL, parseAssetType(""))
}
