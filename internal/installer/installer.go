// Package installer sequences the whole installation: a strictly
// forward-only pipeline over the planner, pool provisioner, staging
// bridge and jail configurator. Any step's failure aborts the run; there
// is no checkpointing and no rollback of partitions or pools already
// created.
package installer

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/AlecAivazis/survey/v2"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"

	"zfsroot/installer/internal/config"
	"zfsroot/installer/internal/disk"
	"zfsroot/installer/internal/jail"
	"zfsroot/installer/internal/plan"
	"zfsroot/installer/internal/secret"
	"zfsroot/installer/internal/shell"
	"zfsroot/installer/internal/stage"
	"zfsroot/installer/internal/zpool"
)

type Installer struct {
	Log     zerolog.Logger
	Cfg     config.Config
	Variant config.Variant
	Settle  disk.SettlePolicy

	// AltRoot is the temporary mount prefix for the pools; StagingMount
	// is where the staged install is synced from.
	AltRoot      string
	StagingMount string

	// askOne is a survey seam for tests.
	askOne func(p survey.Prompt, response interface{}, opts ...survey.AskOpt) error

	ch       secret.Channel
	plan     plan.InstallationPlan
	layout   plan.Layout
	device   disk.Device
	diskSize int64
	paths    map[plan.Role]string
}

func New(cfg config.Config, v config.Variant, log zerolog.Logger) *Installer {
	return &Installer{
		Log:          log,
		Cfg:          cfg,
		Variant:      v,
		Settle:       disk.DefaultSettlePolicy(),
		AltRoot:      "/target",
		StagingMount: "/mnt/zri-staging",
		askOne:       survey.AskOne,
		paths:        map[plan.Role]string{},
	}
}

// Run drives the pipeline. Steps never re-enter; the first error aborts.
func (i *Installer) Run(ctx context.Context) error {
	defer i.ch.Wipe()

	i.showWelcome()
	i.logInventory(ctx)

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"select disk", i.selectDisk},
		{"collect parameters", i.collectParameters},
		{"partition disk", i.partitionDisk},
		{"install host tools", i.installHostTools},
		{"provision pools", i.provisionPools},
		{"create datasets", i.createDatasets},
		{"stage OS", i.stageOS},
		{"sync to pool", i.syncToPool},
		{"reclaim staging partition", i.reclaimPartition},
		{"configure target", i.configureJail},
		{"teardown", i.teardown},
	}
	for _, s := range steps {
		i.Log.Info().Str("step", s.name).Msg("step start")
		if err := s.fn(ctx); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}

	if !i.Cfg.Quiet {
		color.Green("\n✓ Installation complete. Remove the install medium and reboot.")
	}
	return nil
}

func (i *Installer) showWelcome() {
	if i.Cfg.Quiet {
		return
	}
	color.Blue("\n╔════════════════════════════════════════╗")
	color.Blue("║        ZFS Root Guided Installer       ║")
	color.Blue("╚════════════════════════════════════════╝\n")
	fmt.Printf("Target distribution: %s\n", i.Variant.PrettyName)
	fmt.Println("This installer will partition a disk, create boot and root")
	fmt.Println("ZFS pools, stage the OS install, and migrate it onto ZFS.")
	fmt.Println()
}

// logInventory records the diagnostic snapshots: device inventory and OS
// identification. Log-only, never consumed downstream.
func (i *Installer) logInventory(ctx context.Context) {
	if res, err := shell.Run(ctx, 15*time.Second, "lsblk", "-o", "NAME,SIZE,LABEL,FSTYPE,MOUNTPOINT"); err == nil {
		i.Log.Info().Str("lsblk", string(res.Stdout)).Msg("device inventory")
	}
	i.Log.Info().Str("distribution", i.Variant.ID).Msg("host identification")
}

func (i *Installer) selectDisk(ctx context.Context) error {
	disks, err := disk.List(ctx)
	if err != nil {
		return err
	}
	if len(disks) == 0 {
		return fmt.Errorf("no eligible disks found (mounted and optical devices are excluded)")
	}

	if i.Cfg.Disk != "" {
		for _, d := range disks {
			if d.Path == i.Cfg.Disk || disk.ByIDPath(d.Path) == i.Cfg.Disk {
				i.device = d
				break
			}
		}
		if i.device.Path == "" {
			return fmt.Errorf("disk %s is not an eligible install target", i.Cfg.Disk)
		}
	} else {
		options := make([]string, len(disks))
		for idx, d := range disks {
			options[idx] = fmt.Sprintf("%s - %s (%s)", d.Path, d.Model, d.SizeHuman())
		}
		var selected string
		if err := i.askOne(&survey.Select{
			Message: "Select target disk (ALL DATA WILL BE DESTROYED):",
			Options: options,
		}, &selected); err != nil {
			return err
		}
		for idx, opt := range options {
			if opt == selected {
				i.device = disks[idx]
				break
			}
		}
		if !i.confirmDestruction() {
			return fmt.Errorf("installation cancelled by user")
		}
	}

	i.diskSize = i.device.Size
	i.Cfg.Disk = disk.ByIDPath(i.device.Path)
	i.Log.Info().Str("disk", i.Cfg.Disk).Int64("size", i.diskSize).Msg("disk selected")
	return nil
}

func (i *Installer) confirmDestruction() bool {
	color.Red("\n⚠  This will DESTROY ALL DATA on %s", i.device.Path)
	var answer string
	if err := i.askOne(&survey.Input{Message: "Type 'DESTROY' to continue:"}, &answer); err != nil {
		return false
	}
	return answer == "DESTROY"
}

// collectParameters fills in whatever config left open, then freezes the
// InstallationPlan. The passphrase is set here; preset passphrases were
// already length-checked by config before disk selection.
func (i *Installer) collectParameters(ctx context.Context) error {
	if i.Cfg.SwapGiB == config.Unset {
		var answer string
		if err := i.askOne(&survey.Input{
			Message: "Swap size in GiB (0 disables swap):",
			Default: "0",
		}, &answer); err != nil {
			return err
		}
		n, err := strconv.Atoi(answer)
		if err != nil || n < 0 {
			return fmt.Errorf("invalid swap size %q", answer)
		}
		i.Cfg.SwapGiB = n
	}

	if i.Cfg.Passphrase != "" {
		if err := i.ch.Set(i.Cfg.Passphrase); err != nil {
			return err
		}
		i.Cfg.Passphrase = ""
	} else if isTerminal() {
		var pass string
		if err := i.askOne(&survey.Password{
			Message: "Root pool passphrase (empty disables encryption):",
		}, &pass); err != nil {
			return err
		}
		if err := i.ch.Set(pass); err != nil {
			return err
		}
	}

	i.plan = plan.InstallationPlan{
		Disk:          i.Cfg.Disk,
		SwapGiB:       i.Cfg.SwapGiB,
		FreeTailGiB:   i.Cfg.FreeTailGiB,
		BootPool:      i.Cfg.BootPool,
		RootPool:      i.Cfg.RootPool,
		BootPoolOpts:  i.Cfg.BootPoolOpts,
		RootPoolOpts:  i.Cfg.RootPoolOpts,
		RAID:          plan.Topology(i.Cfg.RAID),
		Encrypt:       i.ch.IsSet(),
		InstallScript: i.Cfg.InstallScript,
		Variant:       i.Variant.ID,
		Quiet:         i.Cfg.Quiet,
	}
	_ = ctx
	return nil
}

func (i *Installer) partitionDisk(ctx context.Context) error {
	layout, err := plan.Compute(i.plan, i.diskSize)
	if err != nil {
		return err
	}
	i.layout = layout

	cmds := plan.CreateCommands(layout)
	// One tick per create command plus wipe, settle and format.
	bar := i.stepBar(len(cmds)+3, "Partitioning disk")

	members := zpool.ZFSMembers(ctx, existingPartitions(ctx, i.device.Path))
	for _, cmd := range plan.WipeCommands(i.device.Path, members) {
		if _, err := shell.Run(ctx, 2*time.Minute, cmd[0], cmd[1:]...); err != nil {
			return fmt.Errorf("wipe: %w", err)
		}
	}
	bar.Add(1)

	for _, cmd := range cmds {
		if _, err := shell.Run(ctx, 2*time.Minute, cmd[0], cmd[1:]...); err != nil {
			return fmt.Errorf("partition: %w", err)
		}
		bar.Add(1)
	}

	var want []string
	for _, p := range layout.Partitions {
		path := disk.PartitionPath(i.Cfg.Disk, p.Index)
		i.paths[p.Role] = path
		want = append(want, path)
	}
	// Settle timeout is surfaced but non-fatal: downstream commands fail
	// loudly if the nodes truly never appear.
	if err := i.Settle.WaitForPartitions(ctx, i.Log, want); err != nil {
		i.Log.Warn().Err(err).Msg("continuing despite settle timeout")
	}
	bar.Add(1)

	if i.layout.HasSwap() {
		if _, err := shell.Run(ctx, time.Minute, "mkswap", i.paths[plan.RoleSwap]); err != nil {
			return fmt.Errorf("mkswap: %w", err)
		}
	}
	if _, err := shell.Run(ctx, time.Minute, "mkfs.vfat", "-F32", "-n", "EFI", i.paths[plan.RoleEFI]); err != nil {
		return fmt.Errorf("format ESP: %w", err)
	}
	bar.Add(1)
	return nil
}

// installHostTools makes sure the live environment has the ZFS userspace
// before any zpool call.
func (i *Installer) installHostTools(ctx context.Context) error {
	args := append([]string{"install", "-y"}, i.Variant.HostPackages...)
	if _, err := shell.Run(ctx, 15*time.Minute, "apt-get", args...); err != nil {
		return fmt.Errorf("install host packages: %w", err)
	}
	return nil
}

func (i *Installer) provisioner() *zpool.Provisioner {
	return &zpool.Provisioner{Log: i.Log, AltRoot: i.AltRoot}
}

// provisionPools creates the root pool first, then the boot pool. The
// order is load-bearing; see zpool.CreateRootPool.
func (i *Installer) provisionPools(ctx context.Context) error {
	p := i.provisioner()
	if err := p.CreateRootPool(ctx, i.plan, []string{i.paths[plan.RoleRootPool]}, &i.ch); err != nil {
		return err
	}
	return p.CreateBootPool(ctx, i.plan, []string{i.paths[plan.RoleBootPool]})
}

func (i *Installer) createDatasets(ctx context.Context) error {
	return i.provisioner().CreateDatasets(ctx, i.plan.RootPool)
}

func (i *Installer) bridge() *stage.Bridge {
	return &stage.Bridge{
		Log:          i.Log,
		StagingDev:   i.paths[plan.RoleStaging],
		StagingMount: i.StagingMount,
		Target:       i.AltRoot,
	}
}

func (i *Installer) stageOS(ctx context.Context) error {
	var d stage.Delegate
	if i.plan.InstallScript != "" {
		d = stage.ScriptDelegate{Path: i.plan.InstallScript}
	} else {
		d = stage.InteractiveDelegate{Argv: i.Variant.InstallerArgv}
		if !i.Cfg.Quiet {
			color.Yellow("\nThe OS installer will start now. Install onto %s and do NOT install a bootloader.", i.paths[plan.RoleStaging])
		}
	}
	return i.bridge().Stage(ctx, d)
}

func (i *Installer) syncToPool(ctx context.Context) error {
	b := i.bridge()
	bar := i.stepBar(100, "Migrating staged install to ZFS")
	b.Progress = func(pct int) { _ = bar.Set(pct) }
	if err := b.Sync(ctx); err != nil {
		return err
	}
	_ = bar.Finish()
	// The staging volume's job is done; unmount it so its partition can
	// be deleted.
	_, _ = shell.Run(ctx, time.Minute, "umount", i.StagingMount)
	return nil
}

func (i *Installer) reclaimPartition(ctx context.Context) error {
	for _, cmd := range plan.ReclaimCommands(i.layout) {
		if _, err := shell.Run(ctx, 2*time.Minute, cmd[0], cmd[1:]...); err != nil {
			return fmt.Errorf("reclaim: %w", err)
		}
	}
	rootPath := i.paths[plan.RoleRootPool]
	if err := i.Settle.WaitForPartitions(ctx, i.Log, []string{rootPath}); err != nil {
		i.Log.Warn().Err(err).Msg("continuing despite settle timeout")
	}
	return i.provisioner().OnlineExpand(ctx, i.plan.RootPool, rootPath)
}

func (i *Installer) configureJail(ctx context.Context) error {
	c := &jail.Configurator{
		Log:      i.Log,
		Target:   i.AltRoot,
		RootPool: i.plan.RootPool,
		BootPool: i.plan.BootPool,
	}
	if err := c.Enter(ctx); err != nil {
		return err
	}
	defer c.Leave(ctx)

	if err := c.InstallPackages(ctx, i.Variant.JailPackages); err != nil {
		return err
	}
	if err := c.ConfigureBootloader(ctx, i.paths[plan.RoleEFI]); err != nil {
		return err
	}
	if err := c.WriteImportUnit(ctx); err != nil {
		return err
	}
	if err := c.WriteTrimUnits(ctx); err != nil {
		return err
	}
	if err := i.provisioner().SetMountpoint(ctx, i.plan.BootPool, "legacy"); err != nil {
		return err
	}
	swapPath := ""
	if i.layout.HasSwap() {
		swapPath = i.paths[plan.RoleSwap]
	}
	if err := c.WriteFstab(i.paths[plan.RoleEFI], swapPath); err != nil {
		return err
	}
	return c.DisableResume()
}

func (i *Installer) stepBar(max int, desc string) *progressbar.ProgressBar {
	if i.Cfg.Quiet {
		return progressbar.DefaultSilent(int64(max), desc)
	}
	return progressbar.Default(int64(max), desc)
}

func isTerminal() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func existingPartitions(ctx context.Context, devPath string) []string {
	res, err := shell.Run(ctx, 15*time.Second, "lsblk", "-lno", "PATH", devPath)
	if err != nil {
		return nil
	}
	var out []string
	for _, line := range strings.Split(string(res.Stdout), "\n") {
		if line != "" && line != devPath {
			out = append(out, line)
		}
	}
	return out
}
