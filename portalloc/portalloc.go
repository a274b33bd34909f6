// Package portalloc hands out unused TCP ports from a configured range.
// It is advisory only: see Allocator's doc comment.
package portalloc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// probeTimeout bounds the loopback connect check so a closed port (the
// common case) is rejected quickly instead of waiting on the OS default.
const probeTimeout = 200 * time.Millisecond

// ErrNoAvailablePort is returned when the configured range is exhausted.
var ErrNoAvailablePort = errors.New("portalloc: no available port in range")

// Allocator scans [Start, End) in ascending order for a free port.
//
// It is not a reservation system: a port it returns can be taken by
// another process before the caller binds it (e.g. a container engine
// publishing it). Races surface as a container-launch failure, from
// which callers retry with a fresh Allocate call.
type Allocator struct {
	Start int
	End   int
}

// New constructs an Allocator over the half-open range [start, end).
func New(start, end int) *Allocator {
	return &Allocator{Start: start, End: end}
}

// Allocate returns the first port in [Start, End) that is both
// unreachable via a loopback connect and bindable on the wildcard
// address, or ErrNoAvailablePort if the range is exhausted.
func (a *Allocator) Allocate(ctx context.Context) (int, error) {
	for port := a.Start; port < a.End; port++ {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if a.isFree(port) {
			return port, nil
		}
	}
	return 0, ErrNoAvailablePort
}

func (a *Allocator) isFree(port int) bool {
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	conn, err := net.DialTimeout("tcp", addr, probeTimeout)
	if err == nil {
		conn.Close()
		// Something answered on loopback; the port is taken.
		return false
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
