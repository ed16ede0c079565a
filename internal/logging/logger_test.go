package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ValidLevelAndFormat(t *testing.T) {
	logger, err := New("info", "json")
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync()
}

func TestNew_ConsoleFormat(t *testing.T) {
	logger, err := New("debug", "console")
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync()
}

func TestNew_InvalidLevelErrors(t *testing.T) {
	_, err := New("not-a-level", "json")
	assert.Error(t, err)
}

func TestComponent_AddsComponentField(t *testing.T) {
	base, err := New("info", "json")
	require.NoError(t, err)
	defer base.Sync()

	child := Component(base, "correlator")
	require.NotNil(t, child)
	assert.NotSame(t, base, child)
}
