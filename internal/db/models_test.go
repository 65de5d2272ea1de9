package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONBValueScan(t *testing.T) {
	in := JSONB{
		"api_key": "abc",
		"nested":  map[string]interface{}{"region": "eu"},
		"count":   float64(3),
	}

	raw, err := in.Value()
	require.NoError(t, err)

	var out JSONB
	require.NoError(t, out.Scan(raw))
	assert.Equal(t, "abc", out["api_key"])
	assert.Equal(t, float64(3), out["count"])
	assert.Equal(t, map[string]interface{}{"region": "eu"}, out["nested"])
}

func TestJSONBScanNil(t *testing.T) {
	var out JSONB
	require.NoError(t, out.Scan(nil))
	assert.NotNil(t, out)
	assert.Empty(t, out)
}

func TestStringSliceValueScan(t *testing.T) {
	in := StringSlice{"print", "scan"}

	raw, err := in.Value()
	require.NoError(t, err)

	var out StringSlice
	require.NoError(t, out.Scan(raw))
	assert.Equal(t, in, out)
}

func TestStringSliceScanNil(t *testing.T) {
	var out StringSlice
	require.NoError(t, out.Scan(nil))
	assert.NotNil(t, out)
	assert.Empty(t, out)
}
