// Package macpoll implements the MAC-address probe loop shared by the
// golden-image builder and the instance pool manager (spec.md §4.F
// step 5 / §4.G step 8): there is no push notification for "guest
// network interface is up", so both callers poll the container's
// eth0 address the same way, grounded on applecontainer's ContainerSvc.Exec
// CLI-wrapping idiom.
package macpoll

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrTimeout is returned when the guest never reported a MAC within
// the configured number of attempts. Per spec.md §5/§9, this is a
// warning condition, not a creation failure: callers proceed without
// a sidecar, leaving the entity unreachable by the readiness webhook
// until the sidecar appears by other means.
var ErrTimeout = errors.New("macpoll: guest did not report a MAC address in time")

// ExecFunc adapts a container-exec call to the probe signature this
// package needs, decoupling macpoll from containerdriver's options types.
type ExecFunc func(ctx context.Context, containerID string) (string, error)

// Probe runs up to attempts probes, spaced interval apart, reading
// the guest's eth0 MAC address via exec. Each probe is bounded by
// probeTimeout so an unresponsive container doesn't stall the whole
// loop past its budget.
func Probe(ctx context.Context, exec ExecFunc, containerID string, attempts int, interval, probeTimeout time.Duration) (string, error) {
	for i := 0; i < attempts; i++ {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		out, err := exec(probeCtx, containerID)
		cancel()

		if err == nil {
			if mac := parseMAC(out); mac != "" {
				return mac, nil
			}
		}

		if err := ctx.Err(); err != nil {
			return "", err
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", ErrTimeout
}

func parseMAC(out string) string {
	line := strings.TrimSpace(out)
	if line == "" {
		return ""
	}
	// exec may echo extra shell noise; take the first whitespace-delimited
	// token, which is where `cat /sys/class/net/eth0/address` places it.
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	mac := fields[0]
	if len(mac) != 17 || strings.Count(mac, ":") != 5 {
		return ""
	}
	return mac
}
