package desktop

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPoller_AlwaysUnavailable(t *testing.T) {
	p, err := NewPoller()
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrUnavailable)
}
