package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"zfsroot/installer/internal/shell"
)

// resolverStateDir is excluded by the /run exclusion but must survive the
// migration: without it the chroot has no working DNS until first boot.
const resolverStateDir = "run/systemd/resolve"

// Sync copies the staged root into the target with attributes, hard links
// and ACLs preserved, excluding the runtime state directory and anything
// the installer left mounted below the staging path (already unmounted by
// Stage). Progress percentages come from rsync's machine-readable stream.
func (b *Bridge) Sync(ctx context.Context) error {
	src := strings.TrimSuffix(b.StagingMount, "/") + "/"
	dst := strings.TrimSuffix(b.Target, "/") + "/"

	b.Log.Info().Str("src", src).Str("dst", dst).Msg("syncing staged install to pool")
	args := []string{
		"-aHAX",
		"--delete",
		"--info=progress2",
		"--no-inc-recursive",
		"--exclude=/run/*",
		"--exclude=/proc/*",
		"--exclude=/sys/*",
		"--exclude=/dev/*",
		src, dst,
	}
	last := -1
	_, err := shell.RunStream(ctx, 0, func(line string) {
		if pct, ok := parseProgress(line); ok && pct != last {
			last = pct
			if b.Progress != nil {
				b.Progress(pct)
			}
		}
	}, "rsync", args...)
	if err != nil {
		return fmt.Errorf("rsync staged root: %w", err)
	}

	// The resolver state was excluded with the rest of /run; copy it in
	// explicitly so name resolution works inside the chroot.
	resolverSrc := filepath.Join(b.StagingMount, resolverStateDir)
	if _, statErr := os.Stat(resolverSrc); statErr == nil {
		dstDir := filepath.Join(b.Target, resolverStateDir)
		if err := os.MkdirAll(filepath.Dir(dstDir), 0o755); err != nil {
			return err
		}
		if _, err := shell.Run(ctx, time.Minute, "rsync", "-a", resolverSrc+"/", dstDir+"/"); err != nil {
			return fmt.Errorf("copy resolver state: %w", err)
		}
	}

	// rsync does not create the targets of absolute symlinks; make sure
	// the runtime directories exist on the new root.
	for _, dir := range []string{"run", "proc", "sys", "dev", "tmp"} {
		if err := os.MkdirAll(filepath.Join(b.Target, dir), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// parseProgress extracts the percentage from an --info=progress2 line,
// e.g. "  1,442,765,312  42%  103.2MB/s  0:00:13".
func parseProgress(line string) (int, bool) {
	for _, f := range strings.Fields(line) {
		if !strings.HasSuffix(f, "%") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(f, "%"))
		if err != nil || n < 0 || n > 100 {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
