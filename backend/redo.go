package backend

import (
	"errors"
	"net"

	"golang.org/x/sys/unix"

	"github.com/ehrlich-b/go-vscsi/internal/queue"
)

// transientErrnos are failures after which the same command may succeed
// once the host has freed space or the transport has recovered.
var transientErrnos = []unix.Errno{
	unix.ENOSPC,
	unix.EDQUOT,
	unix.EFBIG,
	unix.EPIPE,
	unix.ECONNREFUSED,
	unix.ECONNRESET,
	unix.EAGAIN,
	unix.ETIMEDOUT,
}

// RedoPossible reports whether a failed transfer may be retried as a whole
// SCSI command. Backends pass the result as the redoPossible argument of
// IoReq.Complete.
func RedoPossible(err error) bool {
	if err == nil {
		return false
	}
	for _, errno := range transientErrnos {
		if errors.Is(err, errno) {
			return true
		}
	}
	if errors.Is(err, queue.ErrStopped) || errors.Is(err, ErrDisconnected) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
