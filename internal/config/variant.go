package config

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/host"
)

// Variant captures the per-distribution differences: which interactive
// installer to launch against the staging volume and which packages carry
// the ZFS and bootloader tooling. Selection happens once at startup; the
// Debian entry is the explicit default for the family.
type Variant struct {
	ID            string
	PrettyName    string
	InstallerArgv []string // interactive OS installer, staging device appended
	HostPackages  []string // live-environment ZFS tooling
	JailPackages  []string // installed inside the chroot
}

var variants = map[string]Variant{
	"ubuntu": {
		ID:            "ubuntu",
		PrettyName:    "Ubuntu",
		InstallerArgv: []string{"ubiquity", "--no-bootloader"},
		HostPackages:  []string{"zfsutils-linux", "gdisk"},
		JailPackages:  []string{"zfsutils-linux", "zfs-initramfs", "grub-efi-amd64", "grub-efi-amd64-signed", "shim-signed"},
	},
	"debian": {
		ID:            "debian",
		PrettyName:    "Debian",
		InstallerArgv: []string{"calamares"},
		HostPackages:  []string{"zfsutils-linux", "gdisk"},
		JailPackages:  []string{"zfsutils-linux", "zfs-initramfs", "grub-efi-amd64"},
	},
}

// hostInfo is a test seam.
var hostInfo = host.Info

// DetectVariant identifies the running distribution and returns its
// variant. Only the Debian family is supported; anything else is a
// precondition failure before any destructive action.
func DetectVariant() (Variant, error) {
	info, err := hostInfo()
	if err != nil {
		return Variant{}, fmt.Errorf("identify host distribution: %w", err)
	}
	if v, ok := variants[info.Platform]; ok {
		return v, nil
	}
	if info.PlatformFamily == "debian" {
		return variants["debian"], nil
	}
	return Variant{}, fmt.Errorf("unsupported distribution %q (%s family); this installer supports Debian-family systems only",
		info.Platform, info.PlatformFamily)
}
