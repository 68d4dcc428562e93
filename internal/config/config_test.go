package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"zfsroot/installer/internal/secret"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(Config{SwapGiB: Unset})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.BootPool != "bpool" || cfg.RootPool != "rpool" {
		t.Fatalf("default pool names: %s/%s", cfg.BootPool, cfg.RootPool)
	}
	if cfg.SwapGiB != Unset {
		t.Fatalf("swap should stay unset, got %d", cfg.SwapGiB)
	}
	opts := strings.Join(cfg.RootPoolOpts, " ")
	for _, want := range []string{"-o ashift=12", "-O compression=lz4", "-O acltype=posixacl"} {
		if !strings.Contains(opts, want) {
			t.Fatalf("default root pool opts missing %q: %s", want, opts)
		}
	}
}

func TestYAMLAndEnvAndFlagPrecedence(t *testing.T) {
	dir := t.TempDir()
	answers := filepath.Join(dir, "answers.yaml")
	data := "" +
		"disk: /dev/disk/by-id/ata-FROMYAML\n" +
		"swapGiB: 2\n" +
		"rootPool: tank\n" +
		"rootPoolOpts:\n" +
		"  - compression=zstd\n" +
		"  - \"-o\"\n" +
		"  - ashift=13\n"
	if err := os.WriteFile(answers, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	// baseline from file
	cfg, err := Load(Config{SwapGiB: Unset, AnswersFile: answers})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Disk != "/dev/disk/by-id/ata-FROMYAML" {
		t.Fatalf("disk from yaml: %s", cfg.Disk)
	}
	if cfg.SwapGiB != 2 {
		t.Fatalf("swap from yaml: %d", cfg.SwapGiB)
	}
	if cfg.RootPool != "tank" {
		t.Fatalf("root pool from yaml: %s", cfg.RootPool)
	}
	want := []string{"-O", "compression=zstd", "-o", "ashift=13"}
	if strings.Join(cfg.RootPoolOpts, " ") != strings.Join(want, " ") {
		t.Fatalf("opts from yaml: %v", cfg.RootPoolOpts)
	}

	// env overrides file
	t.Setenv("ZRI_DISK", "/dev/disk/by-id/ata-FROMENV")
	t.Setenv("ZRI_SWAP_GIB", "8")
	cfg, err = Load(Config{SwapGiB: Unset, AnswersFile: answers})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Disk != "/dev/disk/by-id/ata-FROMENV" {
		t.Fatalf("env should beat yaml: %s", cfg.Disk)
	}
	if cfg.SwapGiB != 8 {
		t.Fatalf("env swap: %d", cfg.SwapGiB)
	}

	// flags override env
	cfg, err = Load(Config{SwapGiB: 0, Disk: "/dev/disk/by-id/ata-FROMFLAG", AnswersFile: answers})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Disk != "/dev/disk/by-id/ata-FROMFLAG" {
		t.Fatalf("flag should beat env: %s", cfg.Disk)
	}
	if cfg.SwapGiB != 0 {
		t.Fatalf("explicit swap=0 must survive merging, got %d", cfg.SwapGiB)
	}
}

func TestDotenvFile(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "install.env")
	if err := os.WriteFile(envFile, []byte("ZRI_RPOOL=dozer\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(Config{SwapGiB: Unset, EnvFile: envFile})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.RootPool != "dozer" {
		t.Fatalf("root pool from dotenv: %s", cfg.RootPool)
	}
}

func TestPassphraseFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "pass")
	if err := os.WriteFile(file, []byte("abcdefgh\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(Config{SwapGiB: Unset, PassphraseFile: file})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Passphrase != "abcdefgh" {
		t.Fatalf("passphrase from file: %q", cfg.Passphrase)
	}

	// A directly supplied passphrase wins over the file.
	cfg, err = Load(Config{SwapGiB: Unset, PassphraseFile: file, Passphrase: "zyxwvuts"})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Passphrase != "zyxwvuts" {
		t.Fatalf("direct passphrase overridden: %q", cfg.Passphrase)
	}

	if _, err := Load(Config{SwapGiB: Unset, PassphraseFile: filepath.Join(dir, "missing")}); err == nil {
		t.Fatal("missing passphrase file accepted")
	}
}

func TestShortPassphraseRejected(t *testing.T) {
	_, err := Load(Config{SwapGiB: Unset, Passphrase: "abcde"})
	if !errors.Is(err, secret.ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
}

func TestInvalidRAIDRejected(t *testing.T) {
	if _, err := Load(Config{SwapGiB: Unset, RAID: "raid5"}); err == nil {
		t.Fatal("raid5 accepted")
	}
	if _, err := Load(Config{SwapGiB: Unset}); err != nil {
		t.Fatalf("plain striping rejected: %v", err)
	}
}

func TestVdevTopologiesRejectedOnSingleDisk(t *testing.T) {
	// Only one disk is ever partitioned, so a topology that needs a vdev
	// group must fail validation, long before anything touches the disk.
	for _, raid := range []string{"mirror", "raidz", "raidz2", "raidz3"} {
		_, err := Load(Config{SwapGiB: Unset, RAID: raid})
		if err == nil {
			t.Fatalf("raid %q accepted on a single-disk install", raid)
		}
		if !strings.Contains(err.Error(), "single-disk") {
			t.Fatalf("raid %q: unexpected error %v", raid, err)
		}
	}
}

func TestInstallScriptMustBeExecutable(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "install.sh")

	if _, err := Load(Config{SwapGiB: Unset, InstallScript: script}); err == nil {
		t.Fatal("missing script accepted")
	}

	if err := os.WriteFile(script, []byte("#!/bin/sh\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(Config{SwapGiB: Unset, InstallScript: script}); err == nil {
		t.Fatal("non-executable script accepted")
	}

	if err := os.Chmod(script, 0o755); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(Config{SwapGiB: Unset, InstallScript: script}); err != nil {
		t.Fatalf("executable script rejected: %v", err)
	}
}

func TestPoolNamesMustDiffer(t *testing.T) {
	if _, err := Load(Config{SwapGiB: Unset, BootPool: "tank", RootPool: "tank"}); err == nil {
		t.Fatal("identical pool names accepted")
	}
}

func TestPairTokens(t *testing.T) {
	got := pairTokens([]string{"compression=lz4", "-o", "ashift=12", "atime=off"})
	want := "-O compression=lz4 -o ashift=12 -O atime=off"
	if strings.Join(got, " ") != want {
		t.Fatalf("pairTokens: got %v", got)
	}
}
