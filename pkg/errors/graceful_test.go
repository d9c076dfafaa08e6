package errors

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFirstErrorWins(t *testing.T) {
	eh := NewErrorHandler()
	eh.ConfigError("webmail.toml", os.ErrNotExist)
	eh.FatalError("serve", errors.New("listen failed"))

	assert.Equal(t, ExitConfig, eh.WaitForExit())
	_, ok := eh.WaitForExitWithTimeout(10 * time.Millisecond)
	assert.False(t, ok)
}

func TestFatalError(t *testing.T) {
	eh := NewErrorHandler()
	eh.FatalError("serve", errors.New("listen failed"))

	code, ok := eh.WaitForExitWithTimeout(time.Second)
	assert.True(t, ok)
	assert.Equal(t, ExitRuntime, code)
}

func TestGracefulErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := NewGracefulError("migrate", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "operation 'migrate' failed: boom", err.Error())
}
