package jail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"zfsroot/installer/internal/shell"
)

// ImportUnitText is the boot-pool import unit. It runs before the generic
// ZFS import units and parks any stale zpool.cache during the import: a
// cache left over from the install environment otherwise keeps the pool
// from importing on first boot.
func ImportUnitText(bootPool string) string {
	return fmt.Sprintf(`[Unit]
DefaultDependencies=no
Before=zfs-import-scan.service
Before=zfs-import-cache.service
Before=zfs-import.target

[Service]
Type=oneshot
RemainAfterExit=yes
ExecStartPre=-/bin/mv /etc/zfs/zpool.cache /etc/zfs/preboot_zpool.cache
ExecStart=/sbin/zpool import -N -o cachefile=none %s
ExecStartPost=-/bin/mv /etc/zfs/preboot_zpool.cache /etc/zfs/zpool.cache

[Install]
WantedBy=zfs-import.target
`, bootPool)
}

// TrimServiceText mirrors the layout of the stock fstrim units, one pair
// per pool, on a weekly cadence.
func TrimServiceText(pool string) string {
	return fmt.Sprintf(`[Unit]
Description=zpool trim on %[1]s
Documentation=man:zpool-trim(8)
Requires=zfs.target
After=zfs.target
ConditionACPower=true
ConditionPathIsDirectory=/sys/module/zfs

[Service]
EnvironmentFile=-/etc/environment
ExecStart=/bin/sh -c '\
if /sbin/zpool status %[1]s > /dev/null 2>&1; then \
/sbin/zpool trim %[1]s; \
fi'

[Install]
WantedBy=multi-user.target
`, pool)
}

func TrimTimerText(pool string) string {
	return fmt.Sprintf(`[Unit]
Description=Weekly zpool trim on %s

[Timer]
OnCalendar=weekly
Persistent=true
RandomizedDelaySec=6h

[Install]
WantedBy=timers.target
`, pool)
}

// WriteImportUnit installs and enables the boot-pool import unit inside
// the target.
func (c *Configurator) WriteImportUnit(ctx context.Context) error {
	name := fmt.Sprintf("zfs-import-%s.service", c.BootPool)
	path := filepath.Join(c.Target, "etc/systemd/system", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(ImportUnitText(c.BootPool)), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return c.run(ctx, time.Minute, "systemctl", "enable", name)
}

// WriteTrimUnits installs and enables a weekly trim timer per pool.
func (c *Configurator) WriteTrimUnits(ctx context.Context) error {
	for _, pool := range []string{c.BootPool, c.RootPool} {
		svc := fmt.Sprintf("zpool-trim-%s.service", pool)
		tmr := fmt.Sprintf("zpool-trim-%s.timer", pool)
		unitDir := filepath.Join(c.Target, "etc/systemd/system")
		if err := os.WriteFile(filepath.Join(unitDir, svc), []byte(TrimServiceText(pool)), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", svc, err)
		}
		if err := os.WriteFile(filepath.Join(unitDir, tmr), []byte(TrimTimerText(pool)), 0o644); err != nil {
			return fmt.Errorf("write %s: %w", tmr, err)
		}
		if err := c.run(ctx, time.Minute, "systemctl", "enable", tmr); err != nil {
			return err
		}
	}
	return nil
}

// FstabEntries renders the fstab lines the target needs: the boot pool
// mounted legacy-style, the ESP, and the swap partition by stable id when
// swap is enabled.
func FstabEntries(bootPool, espPath, swapPath string) string {
	s := fmt.Sprintf("%s /boot zfs nodev,relatime,x-systemd.requires=zfs-import-%s.service 0 0\n", bootPool, bootPool)
	s += fmt.Sprintf("%s /boot/efi vfat umask=0022,fmask=0022,dmask=0022 0 1\n", espPath)
	if swapPath != "" {
		s += fmt.Sprintf("%s none swap sw,discard 0 0\n", swapPath)
	}
	return s
}

// WriteFstab flips the boot pool to legacy mounting (ZFS-native automount
// is not wanted for /boot) and appends the fstab entries. The mountpoint
// change is issued by the caller via zpool.SetMountpoint before teardown;
// here only the file is written.
func (c *Configurator) WriteFstab(espPath, swapPath string) error {
	path := filepath.Join(c.Target, "etc/fstab")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open fstab: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(FstabEntries(c.BootPool, espPath, swapPath)); err != nil {
		return fmt.Errorf("append fstab: %w", err)
	}
	return nil
}

// DisableResume writes the resume-disable marker so initramfs generation
// does not probe for a resume device that does not exist.
func (c *Configurator) DisableResume() error {
	dir := filepath.Join(c.Target, "etc/initramfs-tools/conf.d")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "resume"), []byte("RESUME=none\n"), 0o644)
}

// Leave lazily unmounts the bound virtual filesystems, deepest first.
// Forced and non-blocking; the exit sequencer handles stragglers.
func (c *Configurator) Leave(ctx context.Context) {
	for i := len(virtualMounts) - 1; i >= 0; i-- {
		dst := filepath.Join(c.Target, virtualMounts[i])
		_, _ = shell.Run(ctx, time.Minute, "umount", "-R", "-f", "-l", dst)
	}
	_, _ = shell.Run(ctx, time.Minute, "umount", "-f", "-l", filepath.Join(c.Target, "boot/efi"))
}
