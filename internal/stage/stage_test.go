package stage

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	gopsdisk "github.com/shirou/gopsutil/v3/disk"

	"zfsroot/installer/internal/shell"
)

func testBridge(dir string) *Bridge {
	return &Bridge{
		Log:          zerolog.Nop(),
		StagingDev:   "/dev/sda4",
		StagingMount: dir + "/staging",
		Target:       dir + "/target",
	}
}

func withMounts(t *testing.T, mounts []string) {
	t.Helper()
	prev := mountTable
	mountTable = func() ([]gopsdisk.PartitionStat, error) {
		var out []gopsdisk.PartitionStat
		for _, m := range mounts {
			out = append(out, gopsdisk.PartitionStat{Device: "/dev/x", Mountpoint: m})
		}
		return out, nil
	}
	t.Cleanup(func() { mountTable = prev })
}

type fakeDelegate struct{ called bool }

func (d *fakeDelegate) Name() string { return "fake" }
func (d *fakeDelegate) Install(ctx context.Context, dev string) error {
	d.called = true
	return nil
}

func TestStageRemountsWhenInstallerUnmounted(t *testing.T) {
	rec := &shell.Recorder{}
	defer rec.Install()()

	b := testBridge(t.TempDir())
	withMounts(t, nil) // staging not mounted after the installer exits

	d := &fakeDelegate{}
	if err := b.Stage(context.Background(), d); err != nil {
		t.Fatal(err)
	}
	if !d.called {
		t.Fatal("delegate not invoked")
	}
	if rec.Find("mount /dev/sda4 "+b.StagingMount) == -1 {
		t.Fatalf("staging volume not remounted: %v", rec.Calls)
	}
}

func TestStageUnmountsSubmountsDeepestFirst(t *testing.T) {
	rec := &shell.Recorder{}
	defer rec.Install()()

	b := testBridge(t.TempDir())
	withMounts(t, []string{
		b.StagingMount,
		b.StagingMount + "/boot",
		b.StagingMount + "/boot/efi",
	})

	if err := b.Stage(context.Background(), &fakeDelegate{}); err != nil {
		t.Fatal(err)
	}
	efi := rec.Find("umount " + b.StagingMount + "/boot/efi")
	boot := rec.Find("umount " + b.StagingMount + "/boot")
	if efi == -1 || boot == -1 {
		t.Fatalf("submounts not unmounted: %v", rec.Calls)
	}
	if efi > boot {
		t.Fatal("deepest submount must be unmounted first")
	}
	// The staging mount itself stays mounted for the sync.
	for i, c := range rec.Calls {
		if c.Name == "umount" && c.Args[len(c.Args)-1] == b.StagingMount {
			t.Fatalf("staging mount itself unmounted at call %d", i)
		}
	}
}

func TestSyncExcludesRuntimeTrees(t *testing.T) {
	rec := &shell.Recorder{}
	defer rec.Install()()

	b := testBridge(t.TempDir())
	if err := b.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	argv := rec.Argv(0)
	for _, want := range []string{"-aHAX", "--delete", "--info=progress2", "--exclude=/run/*"} {
		if !strings.Contains(argv, want) {
			t.Fatalf("rsync missing %s: %s", want, argv)
		}
	}
	if !strings.HasSuffix(argv, b.StagingMount+"/ "+b.Target+"/") {
		t.Fatalf("rsync source/dest wrong: %s", argv)
	}
}

func TestSyncReportsProgress(t *testing.T) {
	rec := &shell.Recorder{Respond: func(c shell.Command) (shell.Result, error) {
		if c.OnStdoutLine != nil {
			c.OnStdoutLine("  1,442,765,312  42%  103.2MB/s  0:00:13")
			c.OnStdoutLine("  3,442,765,312  97%  103.2MB/s  0:00:01")
		}
		return shell.Result{}, nil
	}}
	defer rec.Install()()

	b := testBridge(t.TempDir())
	var got []int
	b.Progress = func(pct int) { got = append(got, pct) }
	if err := b.Sync(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 42 || got[1] != 97 {
		t.Fatalf("progress percents: %v", got)
	}
}

func TestParseProgress(t *testing.T) {
	cases := []struct {
		line string
		pct  int
		ok   bool
	}{
		{"  1,442,765,312  42%  103.2MB/s  0:00:13", 42, true},
		{"          3,212 100%    2.92MB/s    0:00:00 (xfr#1, to-chk=0/5)", 100, true},
		{"building file list", 0, false},
		{"", 0, false},
	}
	for _, c := range cases {
		pct, ok := parseProgress(c.line)
		if ok != c.ok || pct != c.pct {
			t.Fatalf("parseProgress(%q) = %d,%v want %d,%v", c.line, pct, ok, c.pct, c.ok)
		}
	}
}
