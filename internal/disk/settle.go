package disk

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"zfsroot/installer/internal/shell"
)

// ErrSettleTimeout is returned when partition device nodes have not
// appeared within the policy's budget. It is a warning condition: the
// caller proceeds with the best-known paths, and downstream steps fail
// loudly if the nodes really never materialize.
var ErrSettleTimeout = errors.New("partition device nodes did not settle in time")

// SettlePolicy bounds the wait for partition symlinks after a partition
// table change. udev delivers the symlinks asynchronously, so a bounded
// poll is the best available contract.
type SettlePolicy struct {
	Attempts int
	Delay    time.Duration
	// Sleep is a test seam.
	Sleep func(time.Duration)
}

// DefaultSettlePolicy matches the historically observed worst case on
// slow virtual machines.
func DefaultSettlePolicy() SettlePolicy {
	return SettlePolicy{Attempts: 10, Delay: time.Second, Sleep: time.Sleep}
}

// pathExists is a test seam.
var pathExists = func(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

// WaitForPartitions runs `udevadm settle` and then polls until every path
// exists or the budget is exhausted. On timeout it returns
// ErrSettleTimeout with the missing paths in the message; the timeout is
// surfaced, never swallowed, but callers treat it as non-fatal.
func (s SettlePolicy) WaitForPartitions(ctx context.Context, log zerolog.Logger, paths []string) error {
	_, _ = shell.Run(ctx, 10*time.Second, "udevadm", "settle", "--timeout=5")

	sleep := s.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	for attempt := 0; attempt < s.Attempts; attempt++ {
		if len(missing(paths)) == 0 {
			return nil
		}
		sleep(s.Delay)
	}
	miss := missing(paths)
	if len(miss) == 0 {
		return nil
	}
	log.Warn().Strs("missing", miss).Msg("device nodes still absent after settle; continuing")
	return fmt.Errorf("%w: %s", ErrSettleTimeout, strings.Join(miss, ", "))
}

func missing(paths []string) []string {
	var out []string
	for _, p := range paths {
		if !pathExists(p) {
			out = append(out, p)
		}
	}
	return out
}
