package disk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	gopsdisk "github.com/shirou/gopsutil/v3/disk"

	"zfsroot/installer/internal/shell"
)

func TestPartitionPath(t *testing.T) {
	cases := []struct {
		disk  string
		index int
		want  string
	}{
		{"/dev/sda", 3, "/dev/sda3"},
		{"/dev/nvme0n1", 2, "/dev/nvme0n1p2"},
		{"/dev/mmcblk0", 1, "/dev/mmcblk0p1"},
		{"/dev/disk/by-id/ata-SAMSUNG_X", 4, "/dev/disk/by-id/ata-SAMSUNG_X-part4"},
	}
	for _, c := range cases {
		if got := PartitionPath(c.disk, c.index); got != c.want {
			t.Fatalf("PartitionPath(%s, %d) = %s, want %s", c.disk, c.index, got, c.want)
		}
	}
}

func TestListFiltersNonDisks(t *testing.T) {
	rec := &shell.Recorder{Respond: func(c shell.Command) (shell.Result, error) {
		return shell.Result{Stdout: []byte(`{
			"blockdevices": [
				{"name": "sda", "path": "/dev/sda", "size": 500107862016, "rota": false, "type": "disk"},
				{"name": "sdb", "path": "/dev/sdb", "size": 500107862016, "rota": true, "type": "disk",
				 "children": [{"mountpoint": "/mnt/data"}]},
				{"name": "sr0", "path": "/dev/sr0", "size": 1073741824, "type": "rom"},
				{"name": "loop0", "path": "/dev/loop0", "size": 4096, "type": "loop"},
				{"name": "zram0", "path": "/dev/zram0", "size": 8589934592, "type": "disk"}
			]
		}`)}, nil
	}}
	defer rec.Install()()

	prev := mountTable
	mountTable = func() ([]gopsdisk.PartitionStat, error) { return nil, nil }
	defer func() { mountTable = prev }()

	disks, err := List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(disks) != 1 || disks[0].Path != "/dev/sda" {
		t.Fatalf("expected only /dev/sda, got %+v", disks)
	}
	if !disks[0].IsSSD() {
		t.Fatal("rota=false must report SSD")
	}
}

func TestSettleSucceedsWhenNodesAppear(t *testing.T) {
	rec := &shell.Recorder{}
	defer rec.Install()()

	seen := 0
	prev := pathExists
	pathExists = func(string) bool {
		seen++
		return seen > 2 // appears on the second poll
	}
	defer func() { pathExists = prev }()

	pol := SettlePolicy{Attempts: 5, Delay: time.Millisecond, Sleep: func(time.Duration) {}}
	err := pol.WaitForPartitions(context.Background(), zerolog.Nop(), []string{"/dev/sda1", "/dev/sda2"})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if rec.Find("udevadm settle") == -1 {
		t.Fatal("udevadm settle must run before polling")
	}
}

func TestSettleTimeoutSurfaced(t *testing.T) {
	rec := &shell.Recorder{}
	defer rec.Install()()

	prev := pathExists
	pathExists = func(string) bool { return false }
	defer func() { pathExists = prev }()

	slept := 0
	pol := SettlePolicy{Attempts: 3, Delay: time.Millisecond, Sleep: func(time.Duration) { slept++ }}
	err := pol.WaitForPartitions(context.Background(), zerolog.Nop(), []string{"/dev/sda9"})
	if !errors.Is(err, ErrSettleTimeout) {
		t.Fatalf("expected ErrSettleTimeout, got %v", err)
	}
	if slept != 3 {
		t.Fatalf("expected bounded polling (3 sleeps), got %d", slept)
	}
}
