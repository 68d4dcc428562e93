package zpool

import (
	"context"
	"fmt"
	"time"

	"zfsroot/installer/internal/shell"
)

// Dataset is one child filesystem under the root pool.
type Dataset struct {
	Name       string // path below the pool
	Mountpoint string
	Structural bool // canmount=off container, parents only
	// CreateParents uses `zfs create -p` for ancestors that must exist
	// but are deliberately not managed as datasets of their own.
	CreateParents bool
}

// rootDatasets is the fixed layout, in creation order. Parents come
// before children. rpool/usr is never created as a mounting dataset:
// a dataset mounting over /usr breaks early boot, so usr/local is
// created with -p and an explicit mountpoint instead.
var rootDatasets = []Dataset{
	{Name: "home", Mountpoint: "/home"},
	{Name: "opt", Mountpoint: "/opt"},
	{Name: "root", Mountpoint: "/root"},
	{Name: "snap", Mountpoint: "/snap"},
	{Name: "srv", Mountpoint: "/srv"},
	{Name: "tmp", Mountpoint: "/tmp"},
	{Name: "usr/local", Mountpoint: "/usr/local", CreateParents: true},
	{Name: "var", Structural: true},
	{Name: "var/lib", Structural: true},
	{Name: "var/lib/docker", Mountpoint: "/var/lib/docker"},
}

// CreateDatasets creates the fixed dataset set under the root pool, in
// order. Nothing here ever destroys a dataset.
func (p *Provisioner) CreateDatasets(ctx context.Context, rootPool string) error {
	for _, d := range rootDatasets {
		args := []string{"create"}
		if d.CreateParents {
			args = append(args, "-p")
		}
		if d.Structural {
			args = append(args, "-o", "canmount=off")
		}
		if d.Mountpoint != "" {
			args = append(args, "-o", "mountpoint="+d.Mountpoint)
		}
		full := rootPool + "/" + d.Name
		args = append(args, full)
		p.Log.Info().Str("dataset", full).Msg("creating dataset")
		if _, err := shell.Run(ctx, time.Minute, "zfs", args...); err != nil {
			return fmt.Errorf("create dataset %s: %w", full, err)
		}
		if d.CreateParents {
			// -p ancestors default to canmount=on; a dataset mounting
			// over /usr makes the system unbootable, so switch the
			// implicit parent off immediately.
			parent := rootPool + "/" + parentOf(d.Name)
			if _, err := shell.Run(ctx, time.Minute, "zfs", "set", "canmount=off", parent); err != nil {
				return fmt.Errorf("set canmount=off on %s: %w", parent, err)
			}
		}
	}
	return nil
}

func parentOf(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[:i]
		}
	}
	return name
}
