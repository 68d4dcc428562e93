package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"zfsroot/installer/internal/config"
	"zfsroot/installer/internal/installer"
	"zfsroot/installer/internal/shell"
)

var (
	version = "1.0.0"
	commit  = "unknown"
)

func main() {
	flags := config.Config{SwapGiB: config.Unset}

	rootCmd := &cobra.Command{
		Use:   "zri",
		Short: "ZFS root installer",
		Long: `zri partitions a disk, creates boot and root ZFS pools, stages an
OS installation onto a temporary volume, migrates it onto the ZFS root,
and configures the bootloader and startup-time pool import.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(flags)
		},
	}

	f := rootCmd.Flags()
	f.StringVar(&flags.Disk, "disk", "", "target disk (path or /dev/disk/by-id entry); prompted when omitted")
	f.IntVar(&flags.SwapGiB, "swap-size", config.Unset, "swap partition size in GiB (0 disables swap)")
	f.IntVar(&flags.FreeTailGiB, "free-tail", 0, "GiB to leave unpartitioned at the end of the disk")
	f.StringVar(&flags.RAID, "raid", "", "root pool topology: mirror, raidz, raidz2 or raidz3 (needs multiple disks; rejected on single-disk installs)")
	f.StringVar(&flags.PassphraseFile, "passphrase-file", "", "file whose first line is the root pool passphrase (enables encryption)")
	f.StringVar(&flags.InstallScript, "install-script", "", "executable that installs the OS onto the staging device (replaces the interactive installer)")
	f.StringVar(&flags.AnswersFile, "answers", "", "YAML answers file for unattended runs")
	f.StringVar(&flags.EnvFile, "env-file", "", "dotenv file with ZRI_* overrides")
	f.StringVar(&flags.LogFile, "log-file", "", "installation transcript path")
	f.BoolVar(&flags.Quiet, "quiet", false, "suppress informational messages")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("zri %s (commit: %s)\n", version, commit)
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(flags config.Config) error {
	if os.Geteuid() != 0 {
		return fmt.Errorf("installer must be run as root")
	}
	if _, err := os.Stat("/sys/firmware/efi"); err != nil {
		return fmt.Errorf("system is not booted in EFI mode; legacy BIOS boot is not supported")
	}

	variant, err := config.DetectVariant()
	if err != nil {
		return err
	}

	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}

	log, closeLog, err := openLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	shell.SetLogger(log)

	log.Info().Str("version", version).Str("variant", variant.ID).Msg("installer starting")

	inst := installer.New(cfg, variant, log)
	if err := inst.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("installation failed")
		return fmt.Errorf("installation failed: %w", err)
	}
	return nil
}

// openLogger writes the transcript to the configured log file and mirrors
// warnings and errors to stderr. Falls back to the working directory when
// the default path is not writable (e.g. read-only live media).
func openLogger(cfg config.Config) (zerolog.Logger, func(), error) {
	path := cfg.LogFile
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		file, err = os.OpenFile("zri-install.log", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
		}
	}

	consoleLevel := zerolog.WarnLevel
	if cfg.Quiet {
		consoleLevel = zerolog.ErrorLevel
	}
	console := zerolog.ConsoleWriter{Out: os.Stderr}
	writer := zerolog.MultiLevelWriter(file, levelWriter{console, consoleLevel})
	log := zerolog.New(writer).Level(cfg.LogLevel).With().Timestamp().Logger()
	return log, func() { _ = file.Close() }, nil
}

// levelWriter drops entries below its level, so the console stays quiet
// while the transcript file keeps everything.
type levelWriter struct {
	w     io.Writer
	level zerolog.Level
}

func (lw levelWriter) Write(p []byte) (int, error) { return lw.w.Write(p) }

func (lw levelWriter) WriteLevel(l zerolog.Level, p []byte) (int, error) {
	if l < lw.level {
		return len(p), nil
	}
	return lw.w.Write(p)
}
