package backend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-vscsi/internal/queue"
)

func TestRedoPossible(t *testing.T) {
	testCases := []struct {
		name string
		err  error
		redo bool
	}{
		{"nil", nil, false},
		{"no space", unix.ENOSPC, true},
		{"quota", fmt.Errorf("write: %w", unix.EDQUOT), true},
		{"file too big", &os.PathError{Op: "write", Path: "/x", Err: unix.EFBIG}, true},
		{"broken pipe", unix.EPIPE, true},
		{"reset", unix.ECONNRESET, true},
		{"timeout errno", unix.ETIMEDOUT, true},
		{"deadline", os.ErrDeadlineExceeded, true},
		{"runner stopped", queue.ErrStopped, true},
		{"disconnected", ErrDisconnected, true},
		{"media", unix.EIO, false},
		{"short read", io.ErrUnexpectedEOF, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.redo, RedoPossible(tc.err))
		})
	}
}
