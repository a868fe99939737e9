package dumperr

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslationErrorIsUnavailable(t *testing.T) {
	var err error = &TranslationError{VA: 0xc0001000, Level: 3, Raw: 0x1, Reason: "reserved"}
	wrapped := errors.Wrap(err, "read task")

	assert.True(t, errors.Is(wrapped, ErrUnavailable))
	assert.False(t, errors.Is(wrapped, ErrCorruptStructure))

	var te *TranslationError
	require.True(t, errors.As(wrapped, &te))
	assert.Equal(t, 3, te.Level)
	assert.Contains(t, err.Error(), "0xc0001000")
}

func TestCorruptErrorUnwraps(t *testing.T) {
	err := &CorruptError{Addr: 0x1000, Visited: 3, Reason: "cycle"}
	assert.True(t, errors.Is(err, ErrCorruptStructure))
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestUnavailablef(t *testing.T) {
	err := Unavailablef("read 0x%x", 0x40)
	assert.True(t, errors.Is(err, ErrUnavailable))
	assert.Contains(t, err.Error(), "read 0x40")
}
