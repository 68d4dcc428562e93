// Package zpool creates and manages the boot and root pools. All zpool and
// zfs invocations go through internal/shell as discrete argument tokens.
package zpool

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"zfsroot/installer/internal/plan"
	"zfsroot/installer/internal/secret"
	"zfsroot/installer/internal/shell"
)

const createTimeout = 2 * time.Minute

// Provisioner creates the two pools under an alternate root so the target
// system can be assembled before first boot.
type Provisioner struct {
	Log     zerolog.Logger
	AltRoot string // temporary mount prefix, dropped before reboot
}

// CreateRootPool creates the root pool. It must run before the boot pool
// is created: the boot pool mounts inside the root pool's tree, and
// creating it first leaves /boot shadowed once the root pool mounts.
// When the channel holds a passphrase the pool is created encrypted, with
// the secret fed on stdin; the channel stays readable afterwards.
func (p *Provisioner) CreateRootPool(ctx context.Context, ip plan.InstallationPlan, devices []string, ch *secret.Channel) error {
	args := []string{"create", "-f"}
	args = append(args, ip.RootPoolOpts...)
	args = append(args,
		"-O", "devices=off",
		"-O", "mountpoint=/",
		"-R", p.AltRoot,
	)
	if ch.IsSet() {
		args = append(args,
			"-O", "encryption=on",
			"-O", "keyformat=passphrase",
			"-O", "keylocation=prompt",
		)
	}
	args = append(args, ip.RootPool)
	if ip.RAID != plan.TopologyNone {
		args = append(args, string(ip.RAID))
	}
	args = append(args, devices...)

	p.Log.Info().Str("pool", ip.RootPool).Bool("encrypted", ch.IsSet()).Msg("creating root pool")
	var err error
	if ch.IsSet() {
		_, err = shell.RunStdin(ctx, createTimeout, ch.Reader(), "zpool", args...)
	} else {
		_, err = shell.Run(ctx, createTimeout, "zpool", args...)
	}
	if err != nil {
		return fmt.Errorf("create root pool %s: %w", ip.RootPool, err)
	}
	return nil
}

// CreateBootPool creates the feature-limited boot pool. GRUB has to read
// it, so the feature set is pinned to the grub2 compatibility list. Never
// encrypted.
func (p *Provisioner) CreateBootPool(ctx context.Context, ip plan.InstallationPlan, devices []string) error {
	args := []string{"create", "-f",
		"-o", "compatibility=grub2",
	}
	args = append(args, ip.BootPoolOpts...)
	args = append(args,
		"-O", "devices=off",
		"-O", "mountpoint=/boot",
		"-R", p.AltRoot,
	)
	args = append(args, ip.BootPool)
	if ip.RAID != plan.TopologyNone {
		args = append(args, string(ip.RAID))
	}
	args = append(args, devices...)

	p.Log.Info().Str("pool", ip.BootPool).Msg("creating boot pool")
	if _, err := shell.Run(ctx, createTimeout, "zpool", args...); err != nil {
		return fmt.Errorf("create boot pool %s: %w", ip.BootPool, err)
	}
	return nil
}

// OnlineExpand tells the pool the backing device grew. Without it the
// reclaimed staging space never becomes usable capacity.
func (p *Provisioner) OnlineExpand(ctx context.Context, pool, device string) error {
	if _, err := shell.Run(ctx, time.Minute, "zpool", "online", "-e", pool, device); err != nil {
		return fmt.Errorf("expand pool %s on %s: %w", pool, device, err)
	}
	return nil
}

// Export exports the given pools so the next boot performs a clean native
// import. Errors are returned but callers at teardown treat them as
// best-effort.
func (p *Provisioner) Export(ctx context.Context, pools ...string) error {
	var firstErr error
	for _, pool := range pools {
		if _, err := shell.Run(ctx, time.Minute, "zpool", "export", pool); err != nil {
			p.Log.Warn().Err(err).Str("pool", pool).Msg("export failed")
			if firstErr == nil {
				firstErr = fmt.Errorf("export pool %s: %w", pool, err)
			}
		}
	}
	return firstErr
}

// SetMountpoint sets a mountpoint property on a dataset. Used to flip the
// boot pool to legacy mounting for fstab.
func (p *Provisioner) SetMountpoint(ctx context.Context, dataset, mountpoint string) error {
	if _, err := shell.Run(ctx, time.Minute, "zfs", "set", "mountpoint="+mountpoint, dataset); err != nil {
		return fmt.Errorf("set mountpoint on %s: %w", dataset, err)
	}
	return nil
}

// ZFSMembers returns the devices among paths that still carry a ZFS
// label. Those need an explicit labelclear; a generic wipe leaves ZFS
// labels in place.
func ZFSMembers(ctx context.Context, paths []string) []string {
	var members []string
	for _, path := range paths {
		res, err := shell.Run(ctx, 15*time.Second, "blkid", "-s", "TYPE", "-o", "value", path)
		if err != nil {
			continue
		}
		if string(res.Stdout) == "zfs_member\n" || string(res.Stdout) == "zfs_member" {
			members = append(members, path)
		}
	}
	return members
}
