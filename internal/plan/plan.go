// Package plan computes the partition layout for the two-pool install and
// emits the partitioner command lines for creating and later reclaiming
// it. Planning is pure: nothing here touches the disk.
package plan

import (
	"errors"
	"fmt"
)

// Topology is the vdev arrangement for the root pool. Empty means plain
// striping (devices concatenated after the pool name).
type Topology string

const (
	TopologyNone   Topology = ""
	TopologyMirror Topology = "mirror"
	TopologyRAIDZ  Topology = "raidz"
	TopologyRAIDZ2 Topology = "raidz2"
	TopologyRAIDZ3 Topology = "raidz3"
)

func (t Topology) Valid() bool {
	switch t {
	case TopologyNone, TopologyMirror, TopologyRAIDZ, TopologyRAIDZ2, TopologyRAIDZ3:
		return true
	}
	return false
}

// InstallationPlan is the full set of user-chosen parameters. It is built
// once from config and prompts and never mutated after partitioning
// begins; stages receive it by value.
type InstallationPlan struct {
	Disk        string // stable /dev/disk/by-id path
	SwapGiB     int    // 0 disables the swap partition entirely
	FreeTailGiB int    // space left unpartitioned at the end of the disk

	BootPool string
	RootPool string
	// Pool creation options as discrete, ordered flag/value tokens
	// (e.g. "-o", "ashift=12", "-O", "compression=lz4"). Never a single
	// string that gets re-split.
	BootPoolOpts []string
	RootPoolOpts []string

	RAID    Topology
	Encrypt bool

	// InstallScript, when set, replaces the interactive OS installer.
	InstallScript string
	Variant       string // os-release ID of the host/target distribution
	Quiet         bool
}

// Role identifies what a partition is for.
type Role int

const (
	RoleEFI Role = iota
	RoleSwap
	RoleBootPool
	RoleRootPool
	RoleStaging
)

func (r Role) String() string {
	switch r {
	case RoleEFI:
		return "efi"
	case RoleSwap:
		return "swap"
	case RoleBootPool:
		return "bpool"
	case RoleRootPool:
		return "rpool"
	case RoleStaging:
		return "staging"
	}
	return "unknown"
}

// Fixed sizes. The staging volume must be large enough for a full desktop
// install before migration; the boot pool only ever holds kernels and
// initramfs images.
const (
	EFISizeMiB      = 512
	BootPoolSizeMiB = 2 * 1024
	StagingSizeMiB  = 12 * 1024
	alignStartMiB   = 1 // first usable MiB on a GPT disk
)

// GPT type codes (sgdisk notation).
const (
	typeEFI     = "EF00"
	typeSwap    = "8200"
	typeSolaris = "BF00" // zfs
	typeBoot    = "BE00" // solaris boot, used for the boot pool
	typeLinux   = "8300"
)

// Partition is one planned GPT entry. SizeMiB == 0 marks the partition
// that absorbs the remaining space in front of the tail partitions.
type Partition struct {
	Index    int
	Role     Role
	SizeMiB  int64
	TypeCode string
	Label    string
}

// Layout is the computed partition table for one disk.
type Layout struct {
	Disk        string
	Partitions  []Partition
	FreeTailMiB int64
}

// Index returns the partition index for role, or 0 when the role is not
// present (swap disabled).
func (l Layout) Index(r Role) int {
	for _, p := range l.Partitions {
		if p.Role == r {
			return p.Index
		}
	}
	return 0
}

// HasSwap reports whether the layout contains a swap partition.
func (l Layout) HasSwap() bool { return l.Index(RoleSwap) != 0 }

var ErrDiskTooSmall = errors.New("disk too small for requested layout")

// Compute builds the partition table for p against a disk of the given
// capacity. All partitions are fixed-size from the front except the root
// pool, which absorbs everything up to the staging partition; the staging
// partition always sits at the tail, before any reserved free space.
// Swap size zero removes the swap partition and shifts every later index
// down by one.
func Compute(p InstallationPlan, diskSizeBytes int64) (Layout, error) {
	if p.SwapGiB < 0 {
		return Layout{}, fmt.Errorf("swap size must be >= 0, got %d", p.SwapGiB)
	}
	if p.FreeTailGiB < 0 {
		return Layout{}, fmt.Errorf("free tail space must be >= 0, got %d", p.FreeTailGiB)
	}

	var parts []Partition
	idx := 1
	add := func(role Role, sizeMiB int64, typeCode, label string) {
		parts = append(parts, Partition{Index: idx, Role: role, SizeMiB: sizeMiB, TypeCode: typeCode, Label: label})
		idx++
	}

	add(RoleEFI, EFISizeMiB, typeEFI, "EFI")
	if p.SwapGiB > 0 {
		add(RoleSwap, int64(p.SwapGiB)*1024, typeSwap, "swap")
	}
	add(RoleBootPool, BootPoolSizeMiB, typeBoot, p.BootPool)
	add(RoleRootPool, 0, typeSolaris, p.RootPool)
	add(RoleStaging, StagingSizeMiB, typeLinux, "staging")

	freeTailMiB := int64(p.FreeTailGiB) * 1024

	// The root pool needs at least its own staging-sized slice to be
	// worth creating; anything tighter cannot hold the migrated OS.
	var fixedMiB int64 = alignStartMiB + freeTailMiB
	for _, part := range parts {
		fixedMiB += part.SizeMiB
	}
	diskMiB := diskSizeBytes / (1024 * 1024)
	if diskMiB < fixedMiB+StagingSizeMiB {
		return Layout{}, fmt.Errorf("%w: need %d MiB, disk has %d MiB", ErrDiskTooSmall, fixedMiB+StagingSizeMiB, diskMiB)
	}

	return Layout{Disk: p.Disk, Partitions: parts, FreeTailMiB: freeTailMiB}, nil
}
