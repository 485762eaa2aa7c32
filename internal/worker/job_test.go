package worker

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExceptionName(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"plain", errors.New("x"), "errors.errorString"},
		{"wrapped pointer", fmt.Errorf("open: %w", &fs.PathError{Op: "open", Path: "/x", Err: fs.ErrNotExist}), "errors.errorString"},
		{"pointer root", fmt.Errorf("ctx: %w", &fs.PathError{Op: "open", Path: "/x"}), "fs.PathError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exceptionName(tt.err))
		})
	}
}

func TestOutcome(t *testing.T) {
	ok := success(time.Second)
	assert.True(t, ok.OK())
	assert.Empty(t, ok.Exception)

	bad := failure(errors.New("nope"), time.Second)
	assert.False(t, bad.OK())
	assert.Equal(t, "nope", bad.Detail)

	p := recovered("kaboom", []byte("goroutine 1 [running]"), time.Second)
	assert.False(t, p.OK())
	assert.Equal(t, "panic", p.Exception)
	assert.Contains(t, p.Detail, "goroutine 1")
	assert.True(t, p.panicked)
}
