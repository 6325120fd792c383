package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCPU(t *testing.T) {
	cases := map[string]int64{
		"":     0,
		"1":    1000,
		"2":    2000,
		"0.5":  500,
		"100m": 100,
		"250m": 250,
	}
	for in, want := range cases {
		got, err := ParseCPU(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseCPU("lots")
	assert.Error(t, err)
}

func TestParseMem(t *testing.T) {
	cases := map[string]int64{
		"":       0,
		"1024":   1024,
		"1Ki":    1 << 10,
		"200MiB": 200 << 20,
		"200Mi":  200 << 20,
		"2GiB":   2 << 30,
		"2Gi":    2 << 30,
		"2G":     2 << 30,
		"1T":     1 << 40,
		"0.5Gi":  1 << 29,
	}
	for in, want := range cases {
		got, err := ParseMem(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseMem("plenty")
	assert.Error(t, err)
}
