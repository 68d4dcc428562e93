package installer

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gopsdisk "github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// Unmount ordering races with kernel teardown of the rbind trees, so this
// is the one place with a retry: one bounded wait, one forced re-issue,
// then the pool export happens regardless.
const teardownWait = 5 * time.Second

// teardown seams for tests.
var (
	mountsUnder = listMountsUnder
	unmountPath = func(path string) error {
		return unix.Unmount(path, unix.MNT_FORCE|unix.MNT_DETACH)
	}
	teardownSleep = time.Sleep
)

// teardown unmounts everything below the alternate root, retries once
// after a bounded wait if anything is still mounted, and exports both
// pools so the next boot imports them natively.
func (i *Installer) teardown(ctx context.Context) error {
	unmountAll(i.Log, i.AltRoot)

	if remaining := mountsUnder(i.AltRoot); len(remaining) > 0 {
		i.Log.Warn().Strs("mounts", remaining).Msg("mounts remain; waiting before retry")
		teardownSleep(teardownWait)
		unmountAll(i.Log, i.AltRoot)
	}
	if remaining := mountsUnder(i.AltRoot); len(remaining) > 0 {
		// Export is attempted anyway; a lazily detached mount no longer
		// pins the pool.
		i.Log.Warn().Strs("mounts", remaining).Msg("mounts still present after retry; exporting anyway")
	}

	return i.provisioner().Export(ctx, i.plan.BootPool, i.plan.RootPool)
}

// unmountAll force-detaches every mount below root, deepest first.
func unmountAll(log zerolog.Logger, root string) {
	for _, m := range mountsUnder(root) {
		if err := unmountPath(m); err != nil {
			log.Warn().Err(err).Str("mount", m).Msg("unmount failed")
		}
	}
}

func listMountsUnder(root string) []string {
	parts, err := gopsdisk.Partitions(true)
	if err != nil {
		return nil
	}
	prefix := strings.TrimSuffix(root, "/")
	var out []string
	for _, p := range parts {
		if p.Mountpoint == prefix || strings.HasPrefix(p.Mountpoint, prefix+"/") {
			out = append(out, p.Mountpoint)
		}
	}
	sort.Slice(out, func(a, b int) bool { return len(out[a]) > len(out[b]) })
	return out
}
