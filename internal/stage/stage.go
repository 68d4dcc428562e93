// Package stage hands the staging volume to an OS installer and then
// migrates the staged tree onto the ZFS root.
package stage

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	gopsdisk "github.com/shirou/gopsutil/v3/disk"

	"zfsroot/installer/internal/shell"
)

// Delegate installs an operating system onto the staging block device.
// The built-in interactive installer and caller-supplied scripts both
// honor this contract.
type Delegate interface {
	Name() string
	Install(ctx context.Context, stagingDev string) error
}

// InteractiveDelegate launches the distribution's own installer UI. The
// user is expected to target the staging device inside it.
type InteractiveDelegate struct {
	Argv []string
}

func (d InteractiveDelegate) Name() string { return d.Argv[0] }

func (d InteractiveDelegate) Install(ctx context.Context, stagingDev string) error {
	// No timeout: the user drives this.
	_, err := shell.Run(ctx, 0, d.Argv[0], d.Argv[1:]...)
	if err != nil {
		return fmt.Errorf("%s: %w", d.Argv[0], err)
	}
	_ = stagingDev
	return nil
}

// ScriptDelegate runs a caller-supplied executable with the staging
// device as its only argument.
type ScriptDelegate struct {
	Path string
}

func (d ScriptDelegate) Name() string { return d.Path }

func (d ScriptDelegate) Install(ctx context.Context, stagingDev string) error {
	if _, err := shell.Run(ctx, 0, d.Path, stagingDev); err != nil {
		return fmt.Errorf("install script %s: %w", d.Path, err)
	}
	return nil
}

// Bridge migrates the staged install into the ZFS-mounted target.
type Bridge struct {
	Log          zerolog.Logger
	StagingDev   string
	StagingMount string // where the staged root is inspected and synced from
	Target       string // alternate-root mount of the root pool
	// Progress receives 0-100 as rsync reports overall progress.
	Progress func(percent int)
}

// mountTable is a test seam over gopsutil's mount enumeration.
var mountTable = func() ([]gopsdisk.PartitionStat, error) {
	return gopsdisk.Partitions(true)
}

// Stage runs the delegate and normalizes the aftermath: installers have
// been observed to leave a swap file active and to unmount the staging
// volume on exit, neither deterministically.
func (b *Bridge) Stage(ctx context.Context, d Delegate) error {
	b.Log.Info().Str("delegate", d.Name()).Str("device", b.StagingDev).Msg("delegating OS installation")
	if err := d.Install(ctx, b.StagingDev); err != nil {
		return err
	}

	// Best effort: the installer may have activated a swap file on the
	// staging volume.
	_, _ = shell.Run(ctx, time.Minute, "swapoff", "-a")

	mounted, err := isMounted(b.StagingMount)
	if err != nil {
		return err
	}
	if !mounted {
		b.Log.Warn().Str("mount", b.StagingMount).Msg("staging volume not mounted after install; remounting")
		if err := os.MkdirAll(b.StagingMount, 0o755); err != nil {
			return err
		}
		if _, err := shell.Run(ctx, time.Minute, "mount", b.StagingDev, b.StagingMount); err != nil {
			return fmt.Errorf("remount staging volume %s: %w", b.StagingDev, err)
		}
	}

	return b.unmountSubmounts(ctx)
}

// unmountSubmounts unmounts everything mounted below the staging mount
// (deepest first) so the sync copies the staged filesystem, not live
// bind-mount contents.
func (b *Bridge) unmountSubmounts(ctx context.Context) error {
	parts, err := mountTable()
	if err != nil {
		return fmt.Errorf("read mount table: %w", err)
	}
	var below []string
	prefix := strings.TrimSuffix(b.StagingMount, "/") + "/"
	for _, p := range parts {
		if strings.HasPrefix(p.Mountpoint, prefix) {
			below = append(below, p.Mountpoint)
		}
	}
	sort.Slice(below, func(i, j int) bool { return len(below[i]) > len(below[j]) })
	for _, m := range below {
		b.Log.Info().Str("mount", m).Msg("unmounting staging submount")
		if _, err := shell.Run(ctx, time.Minute, "umount", m); err != nil {
			return fmt.Errorf("unmount staging submount %s: %w", m, err)
		}
	}
	return nil
}

func isMounted(path string) (bool, error) {
	parts, err := mountTable()
	if err != nil {
		return false, fmt.Errorf("read mount table: %w", err)
	}
	for _, p := range parts {
		if p.Mountpoint == path {
			return true, nil
		}
	}
	return false, nil
}
