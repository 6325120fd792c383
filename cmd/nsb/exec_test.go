package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContainerSide(t *testing.T) {
	node, ok := containerSide("sat1:/app/data.json")
	assert.True(t, ok)
	assert.Equal(t, "sat1", node)

	_, ok = containerSide("/tmp/data.json")
	assert.False(t, ok, "absolute paths are not container references")

	_, ok = containerSide("data.json")
	assert.False(t, ok)

	_, ok = containerSide(":/app/x")
	assert.False(t, ok, "empty node name")
}
