// Package disk enumerates candidate install disks and resolves partition
// device paths after the kernel re-reads the partition table.
package disk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	gopsdisk "github.com/shirou/gopsutil/v3/disk"

	"zfsroot/installer/internal/shell"
)

// Device is one candidate block device from lsblk.
type Device struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	Size       int64  `json:"size"`
	Rota       bool   `json:"rota"`
	Type       string `json:"type"`
	Tran       string `json:"tran"`
	Model      string `json:"model"`
	Serial     string `json:"serial"`
	Removable  bool   `json:"rm"`
	Mountpoint string `json:"mountpoint"`
	Children   []struct {
		Mountpoint string `json:"mountpoint"`
	} `json:"children"`
}

type lsblkOutput struct {
	Blockdevices []Device `json:"blockdevices"`
}

// IsSSD reports whether the device is non-rotational.
func (d Device) IsSSD() bool { return !d.Rota }

// SizeHuman renders the size in GiB for menus.
func (d Device) SizeHuman() string {
	return fmt.Sprintf("%.1f GiB", float64(d.Size)/(1024*1024*1024))
}

// mountTable is a test seam over gopsutil's mount enumeration.
var mountTable = func() ([]gopsdisk.PartitionStat, error) {
	return gopsdisk.Partitions(true)
}

// List returns disks eligible as install targets. Optical drives, loop and
// ram devices, and any disk with a mounted partition are filtered out: a
// mounted disk is in use, most likely by the live environment itself.
func List(ctx context.Context) ([]Device, error) {
	res, err := shell.Run(ctx, 15*time.Second, "lsblk",
		"--bytes", "--json",
		"-o", "NAME,PATH,SIZE,ROTA,TYPE,TRAN,MODEL,SERIAL,RM,MOUNTPOINT")
	if err != nil {
		return nil, fmt.Errorf("lsblk: %w", err)
	}
	var out lsblkOutput
	if err := json.Unmarshal(res.Stdout, &out); err != nil {
		return nil, fmt.Errorf("parse lsblk output: %w", err)
	}

	mounted := map[string]bool{}
	if parts, err := mountTable(); err == nil {
		for _, p := range parts {
			mounted[p.Device] = true
		}
	}

	var disks []Device
	for _, d := range out.Blockdevices {
		if d.Type != "disk" {
			continue
		}
		if strings.HasPrefix(d.Name, "loop") || strings.HasPrefix(d.Name, "ram") ||
			strings.HasPrefix(d.Name, "zram") || strings.HasPrefix(d.Name, "sr") {
			continue
		}
		if inUse(d, mounted) {
			continue
		}
		disks = append(disks, d)
	}
	return disks, nil
}

func inUse(d Device, mounted map[string]bool) bool {
	if d.Mountpoint != "" {
		return true
	}
	for _, c := range d.Children {
		if c.Mountpoint != "" {
			return true
		}
	}
	for dev := range mounted {
		if dev == d.Path || strings.HasPrefix(dev, d.Path) {
			return true
		}
	}
	return false
}

// byIDDir is a test seam.
var byIDDir = "/dev/disk/by-id"

// ByIDPath resolves the stable by-id symlink for a device path, preferring
// non-wwn names. Falls back to the kernel path when no symlink exists.
func ByIDPath(devPath string) string {
	entries, err := os.ReadDir(byIDDir)
	if err != nil {
		return devPath
	}
	best := ""
	for _, e := range entries {
		link := filepath.Join(byIDDir, e.Name())
		target, err := filepath.EvalSymlinks(link)
		if err != nil || target != devPath {
			continue
		}
		if best == "" || (strings.HasPrefix(filepath.Base(best), "wwn-") && !strings.HasPrefix(e.Name(), "wwn-")) {
			best = link
		}
	}
	if best == "" {
		return devPath
	}
	return best
}

// PartitionPath returns the device path of partition index on disk.
// by-id symlinks use a "-part" suffix; kernel nvme/mmcblk names need a
// "p" separator.
func PartitionPath(disk string, index int) string {
	if strings.HasPrefix(disk, "/dev/disk/") {
		return fmt.Sprintf("%s-part%d", disk, index)
	}
	base := filepath.Base(disk)
	if strings.HasPrefix(base, "nvme") || strings.HasPrefix(base, "mmcblk") {
		return fmt.Sprintf("%sp%d", disk, index)
	}
	return fmt.Sprintf("%s%d", disk, index)
}
