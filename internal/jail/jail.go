// Package jail prepares the new root as a chroot: host virtual
// filesystems bound in, working DNS, ZFS and bootloader packages
// installed, GRUB pointed at the root pool, and the systemd units the
// first boot needs.
package jail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"zfsroot/installer/internal/shell"
)

// virtualMounts are bound from the host so package managers and GRUB work
// inside the chroot. Order matters: /dev before /dev/pts.
var virtualMounts = []string{"/proc", "/sys", "/dev", "/dev/pts", "/run"}

const pkgTimeout = 30 * time.Minute

// Configurator drives all work inside the new root.
type Configurator struct {
	Log      zerolog.Logger
	Target   string
	RootPool string
	BootPool string
}

// Enter binds the host's virtual filesystems into the target and writes a
// resolv.conf so chrooted package installation can reach the network.
func (c *Configurator) Enter(ctx context.Context) error {
	for _, m := range virtualMounts {
		dst := filepath.Join(c.Target, m)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return err
		}
		if _, err := shell.Run(ctx, time.Minute, "mount", "--rbind", m, dst); err != nil {
			return fmt.Errorf("bind %s into chroot: %w", m, err)
		}
		if _, err := shell.Run(ctx, time.Minute, "mount", "--make-rslave", dst); err != nil {
			return fmt.Errorf("make %s rslave: %w", dst, err)
		}
	}
	return c.writeResolvConf()
}

func (c *Configurator) writeResolvConf() error {
	dst := filepath.Join(c.Target, "etc/resolv.conf")
	// Prefer the host's live resolver config; fall back to a public
	// resolver so apt inside the chroot is never blind.
	data, err := os.ReadFile("/etc/resolv.conf")
	if err != nil || len(strings.TrimSpace(string(data))) == 0 {
		data = []byte("nameserver 1.1.1.1\nnameserver 8.8.8.8\n")
	}
	// resolv.conf is frequently a dangling symlink into /run on the
	// fresh root; replace it with a real file.
	_ = os.Remove(dst)
	return os.WriteFile(dst, data, 0o644)
}

// run executes a command inside the chroot with a noninteractive apt
// frontend.
func (c *Configurator) run(ctx context.Context, timeout time.Duration, name string, args ...string) error {
	argv := append([]string{c.Target, "env", "DEBIAN_FRONTEND=noninteractive", name}, args...)
	if _, err := shell.Run(ctx, timeout, "chroot", argv...); err != nil {
		return fmt.Errorf("chroot %s: %w", name, err)
	}
	return nil
}

// InstallPackages installs the ZFS userspace and bootloader packages
// inside the chroot.
func (c *Configurator) InstallPackages(ctx context.Context, packages []string) error {
	c.Log.Info().Strs("packages", packages).Msg("installing packages in chroot")
	if err := c.run(ctx, pkgTimeout, "apt-get", "update"); err != nil {
		return err
	}
	args := append([]string{"install", "-y"}, packages...)
	return c.run(ctx, pkgTimeout, "apt-get", args...)
}

// ConfigureBootloader rewrites the GRUB defaults to boot from the root
// pool in text mode, installs GRUB to the ESP and regenerates its config.
// Text mode is required: the passphrase prompt for an encrypted root pool
// never appears under a graphical splash.
func (c *Configurator) ConfigureBootloader(ctx context.Context, espPath string) error {
	if err := c.editGrubDefaults(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(c.Target, "boot/efi"), 0o755); err != nil {
		return err
	}
	if _, err := shell.Run(ctx, time.Minute, "mount", espPath, filepath.Join(c.Target, "boot/efi")); err != nil {
		return fmt.Errorf("mount ESP %s: %w", espPath, err)
	}
	if err := c.run(ctx, pkgTimeout, "grub-install",
		"--target=x86_64-efi", "--efi-directory=/boot/efi",
		"--bootloader-id=zfsroot", "--recheck"); err != nil {
		return err
	}
	if err := c.run(ctx, pkgTimeout, "update-initramfs", "-c", "-k", "all"); err != nil {
		return err
	}
	return c.run(ctx, pkgTimeout, "update-grub")
}

func (c *Configurator) editGrubDefaults() error {
	path := filepath.Join(c.Target, "etc/default/grub")
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read grub defaults: %w", err)
	}
	out := RewriteGrubDefaults(string(data), c.RootPool)
	return os.WriteFile(path, []byte(out), 0o644)
}

// RewriteGrubDefaults adjusts the kernel command line to reference the
// root pool by name and disables graphical boot. Exported for tests.
func RewriteGrubDefaults(content, rootPool string) string {
	lines := strings.Split(content, "\n")
	sawTerminal := false
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "GRUB_CMDLINE_LINUX_DEFAULT="):
			val := unquoteGrub(line)
			val = strings.ReplaceAll(val, "quiet", "")
			val = strings.ReplaceAll(val, "splash", "")
			lines[i] = fmt.Sprintf("GRUB_CMDLINE_LINUX_DEFAULT=%q", strings.Join(strings.Fields(val), " "))
		case strings.HasPrefix(line, "GRUB_CMDLINE_LINUX="):
			val := unquoteGrub(line)
			fields := strings.Fields(val)
			kept := fields[:0]
			for _, f := range fields {
				if !strings.HasPrefix(f, "root=") {
					kept = append(kept, f)
				}
			}
			kept = append(kept, "root=ZFS="+rootPool)
			lines[i] = fmt.Sprintf("GRUB_CMDLINE_LINUX=%q", strings.Join(kept, " "))
		case strings.HasPrefix(line, "GRUB_TERMINAL"):
			lines[i] = "GRUB_TERMINAL=console"
			sawTerminal = true
		}
	}
	if !sawTerminal {
		lines = append(lines, "GRUB_TERMINAL=console")
	}
	return strings.Join(lines, "\n")
}

func unquoteGrub(line string) string {
	_, val, _ := strings.Cut(line, "=")
	return strings.Trim(val, `"`)
}
