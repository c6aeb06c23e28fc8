package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := Newf(CodeInsufficientFunds, "balance %s below %s", "10", "30")

	assert.True(t, errors.Is(err, ErrInsufficientFunds))
	assert.False(t, errors.Is(err, ErrInvalidArgument))

	wrapped := fmt.Errorf("hold failed: %w", err)
	assert.True(t, errors.Is(wrapped, ErrInsufficientFunds))
	assert.Equal(t, CodeInsufficientFunds, CodeOf(wrapped))
	assert.Equal(t, "balance 10 below 30", MessageOf(wrapped))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, CodeDependencyUnavailable, "store unavailable")

	assert.True(t, errors.Is(err, cause))
	assert.True(t, errors.Is(err, ErrDependencyUnavailable))
	assert.Contains(t, err.Error(), "connection refused")
}

func TestCodeOfPlainError(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, CodeInternal, CodeOf(err))
	assert.Equal(t, "internal error", MessageOf(err))
}
