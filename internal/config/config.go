// Package config assembles the installer's inputs from flags, the
// environment, an optional dotenv file, and an optional YAML answers file,
// in that order of precedence. Whatever stays unresolved is prompted for
// interactively later.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"zfsroot/installer/internal/plan"
	"zfsroot/installer/internal/secret"
)

const envPrefix = "ZRI_"

// Unset distinguishes "flag not given" from an explicit zero for numeric
// options.
const Unset = -1

// Config is the merged input surface. String fields left empty and int
// fields left at Unset are answered interactively.
type Config struct {
	Disk        string
	SwapGiB     int
	FreeTailGiB int

	BootPool     string
	RootPool     string
	BootPoolOpts []string
	RootPoolOpts []string

	RAID           string
	Passphrase     string // consumed into the secret channel, then cleared
	PassphraseFile string // file whose first line becomes the passphrase

	InstallScript string
	AnswersFile   string
	EnvFile       string

	Quiet    bool
	LogFile  string
	LogLevel zerolog.Level
}

// answers mirrors the YAML answers file for unattended runs.
type answers struct {
	Disk           string   `yaml:"disk"`
	SwapGiB        *int     `yaml:"swapGiB"`
	FreeTailGiB    *int     `yaml:"freeTailGiB"`
	BootPool       string   `yaml:"bootPool"`
	RootPool       string   `yaml:"rootPool"`
	BootPoolOpts   []string `yaml:"bootPoolOpts"`
	RootPoolOpts   []string `yaml:"rootPoolOpts"`
	RAID           string   `yaml:"raid"`
	Passphrase     string   `yaml:"passphrase"`
	PassphraseFile string   `yaml:"passphraseFile"`
	InstallScript  string   `yaml:"installScript"`
	Quiet          *bool    `yaml:"quiet"`
	LogFile        string   `yaml:"logFile"`
	LogLevel       string   `yaml:"logLevel"`
}

// Defaults returns the baseline configuration: conventional pool names and
// the pool options every install gets unless overridden.
func Defaults() Config {
	return Config{
		SwapGiB:     Unset,
		FreeTailGiB: 0,
		BootPool:    "bpool",
		RootPool:    "rpool",
		BootPoolOpts: []string{
			"-o", "ashift=12",
			"-o", "autotrim=on",
			"-O", "compression=lz4",
			"-O", "atime=off",
		},
		RootPoolOpts: []string{
			"-o", "ashift=12",
			"-o", "autotrim=on",
			"-O", "compression=lz4",
			"-O", "acltype=posixacl",
			"-O", "xattr=sa",
			"-O", "relatime=on",
			"-O", "normalization=formD",
			"-O", "dnodesize=auto",
		},
		LogFile:  "/var/log/zri-install.log",
		LogLevel: zerolog.InfoLevel,
	}
}

// Load merges all sources into cfg (which carries the flag values) and
// validates the result. cfg fields that are empty/Unset are filled from
// env, then dotenv file, then answers file, then defaults.
func Load(cfg Config) (Config, error) {
	def := Defaults()

	// Lowest precedence first: answers file fills the base, dotenv
	// populates the process environment, env and flags sit on top.
	base := def
	if cfg.AnswersFile != "" {
		if err := applyAnswers(&base, cfg.AnswersFile); err != nil {
			return Config{}, err
		}
	}
	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil {
			return Config{}, fmt.Errorf("load env file %s: %w", cfg.EnvFile, err)
		}
	}
	applyEnv(&base)
	merge(&base, cfg)

	if base.PassphraseFile != "" && base.Passphrase == "" {
		data, err := os.ReadFile(base.PassphraseFile)
		if err != nil {
			return Config{}, fmt.Errorf("read passphrase file: %w", err)
		}
		base.Passphrase = strings.TrimRight(string(data), "\r\n")
	}

	if err := validate(base); err != nil {
		return Config{}, err
	}
	return base, nil
}

func applyAnswers(c *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read answers file: %w", err)
	}
	var a answers
	if err := yaml.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("parse answers file: %w", err)
	}
	if a.Disk != "" {
		c.Disk = a.Disk
	}
	if a.SwapGiB != nil {
		c.SwapGiB = *a.SwapGiB
	}
	if a.FreeTailGiB != nil {
		c.FreeTailGiB = *a.FreeTailGiB
	}
	if a.BootPool != "" {
		c.BootPool = a.BootPool
	}
	if a.RootPool != "" {
		c.RootPool = a.RootPool
	}
	if len(a.BootPoolOpts) > 0 {
		c.BootPoolOpts = pairTokens(a.BootPoolOpts)
	}
	if len(a.RootPoolOpts) > 0 {
		c.RootPoolOpts = pairTokens(a.RootPoolOpts)
	}
	if a.RAID != "" {
		c.RAID = a.RAID
	}
	if a.Passphrase != "" {
		c.Passphrase = a.Passphrase
	}
	if a.PassphraseFile != "" {
		c.PassphraseFile = a.PassphraseFile
	}
	if a.InstallScript != "" {
		c.InstallScript = a.InstallScript
	}
	if a.Quiet != nil {
		c.Quiet = *a.Quiet
	}
	if a.LogFile != "" {
		c.LogFile = a.LogFile
	}
	if a.LogLevel != "" {
		if l, err := zerolog.ParseLevel(a.LogLevel); err == nil {
			c.LogLevel = l
		}
	}
	return nil
}

// pairTokens normalizes answers-file option entries. Each entry is either
// already a flag token ("-o"/"-O") followed by a value entry, or a bare
// "name=value" which defaults to a filesystem property (-O). The result is
// always discrete tokens; nothing is split on whitespace.
func pairTokens(entries []string) []string {
	var out []string
	for i := 0; i < len(entries); i++ {
		e := entries[i]
		if e == "-o" || e == "-O" {
			out = append(out, e)
			if i+1 < len(entries) {
				i++
				out = append(out, entries[i])
			}
			continue
		}
		out = append(out, "-O", e)
	}
	return out
}

func applyEnv(c *Config) {
	if v := os.Getenv(envPrefix + "DISK"); v != "" {
		c.Disk = v
	}
	if v := os.Getenv(envPrefix + "SWAP_GIB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.SwapGiB = n
		}
	}
	if v := os.Getenv(envPrefix + "FREE_TAIL_GIB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.FreeTailGiB = n
		}
	}
	if v := os.Getenv(envPrefix + "BPOOL"); v != "" {
		c.BootPool = v
	}
	if v := os.Getenv(envPrefix + "RPOOL"); v != "" {
		c.RootPool = v
	}
	if v := os.Getenv(envPrefix + "BPOOL_OPTS"); v != "" {
		c.BootPoolOpts = pairTokens(strings.Split(v, ","))
	}
	if v := os.Getenv(envPrefix + "RPOOL_OPTS"); v != "" {
		c.RootPoolOpts = pairTokens(strings.Split(v, ","))
	}
	if v := os.Getenv(envPrefix + "RAID"); v != "" {
		c.RAID = v
	}
	if v := os.Getenv(envPrefix + "PASSPHRASE"); v != "" {
		c.Passphrase = v
	}
	if v := os.Getenv(envPrefix + "PASSPHRASE_FILE"); v != "" {
		c.PassphraseFile = v
	}
	if v := os.Getenv(envPrefix + "INSTALL_SCRIPT"); v != "" {
		c.InstallScript = v
	}
	if v := os.Getenv(envPrefix + "QUIET"); v != "" {
		c.Quiet = v == "1" || v == "true"
	}
	if v := os.Getenv(envPrefix + "LOG"); v != "" {
		if l, err := zerolog.ParseLevel(v); err == nil {
			c.LogLevel = l
		}
	}
}

// merge overlays flag values (highest precedence) onto base.
func merge(base *Config, flags Config) {
	if flags.Disk != "" {
		base.Disk = flags.Disk
	}
	if flags.SwapGiB != Unset {
		base.SwapGiB = flags.SwapGiB
	}
	if flags.FreeTailGiB != 0 {
		base.FreeTailGiB = flags.FreeTailGiB
	}
	if flags.BootPool != "" {
		base.BootPool = flags.BootPool
	}
	if flags.RootPool != "" {
		base.RootPool = flags.RootPool
	}
	if len(flags.BootPoolOpts) > 0 {
		base.BootPoolOpts = flags.BootPoolOpts
	}
	if len(flags.RootPoolOpts) > 0 {
		base.RootPoolOpts = flags.RootPoolOpts
	}
	if flags.RAID != "" {
		base.RAID = flags.RAID
	}
	if flags.Passphrase != "" {
		base.Passphrase = flags.Passphrase
	}
	if flags.PassphraseFile != "" {
		base.PassphraseFile = flags.PassphraseFile
	}
	if flags.InstallScript != "" {
		base.InstallScript = flags.InstallScript
	}
	if flags.Quiet {
		base.Quiet = true
	}
	if flags.LogFile != "" {
		base.LogFile = flags.LogFile
	}
}

func validate(c Config) error {
	if c.SwapGiB != Unset && c.SwapGiB < 0 {
		return fmt.Errorf("swap size must be >= 0 GiB, got %d", c.SwapGiB)
	}
	if c.FreeTailGiB < 0 {
		return fmt.Errorf("free tail space must be >= 0 GiB, got %d", c.FreeTailGiB)
	}
	if !plan.Topology(c.RAID).Valid() {
		return fmt.Errorf("unknown raid topology %q (want mirror, raidz, raidz2 or raidz3)", c.RAID)
	}
	// The pipeline partitions exactly one disk, so a vdev group can never
	// be satisfied; refusing here keeps it a precondition error instead of
	// a zpool failure after the disk is wiped.
	if plan.Topology(c.RAID) != plan.TopologyNone {
		return fmt.Errorf("raid topology %q needs multiple member disks; a single-disk install cannot form a vdev group", c.RAID)
	}
	if c.Passphrase != "" && len(c.Passphrase) < secret.MinLength {
		return secret.ErrTooShort
	}
	if c.BootPool == c.RootPool {
		return fmt.Errorf("boot pool and root pool must have distinct names, both are %q", c.BootPool)
	}
	if c.InstallScript != "" {
		fi, err := os.Stat(c.InstallScript)
		if err != nil {
			return fmt.Errorf("install script %s: %w", c.InstallScript, err)
		}
		if fi.IsDir() || fi.Mode()&0o111 == 0 {
			return fmt.Errorf("install script %s is not an executable file", c.InstallScript)
		}
	}
	return nil
}
