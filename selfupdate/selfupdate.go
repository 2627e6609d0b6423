// Package selfupdate replaces the running updater binary and restarts it.
//
// A running executable cannot be overwritten on every platform,
// but it can be renamed.
// The new binary is downloaded beside the live one,
// the live one is renamed to a backup,
// and the new one takes its place.
// The backup is removed on a later run.
package selfupdate

import (
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	updater "github.com/rednimgames/rose-updater"
)

// Default suffixes, which replace the live binary's extension.
const (
	DefaultBackupSuffix = ".old"
	DefaultTempSuffix   = ".new"
)

// RecheckFlag is the command-line flag that forces the updater to be refetched.
// Restart drops it so the restarted process does not update itself again.
const RecheckFlag = "force-recheck-updater"

// Spawner starts a detached process.
type Spawner interface {
	Spawn(path string, args []string) error
}

// ExecSpawner starts processes with os/exec.
// The child shares no standard streams with the parent,
// so the parent can exit without waiting for it.
type ExecSpawner struct{}

// Spawn implements Spawner.
func (ExecSpawner) Spawn(path string, args []string) error {
	cmd := exec.Command(path, args...)
	cmd.Stdin, cmd.Stdout, cmd.Stderr = nil, nil, nil
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "starting %s", path)
	}
	return errors.Wrap(cmd.Process.Release(), "releasing child process")
}

// Installer swaps a newly downloaded updater binary into place.
type Installer struct {
	// LivePath is the path of the updater binary.
	LivePath string

	// BackupSuffix and TempSuffix replace LivePath's extension
	// to name the backup of the old binary and the download of the new one.
	// Empty means the defaults.
	BackupSuffix, TempSuffix string

	// Spawner starts the new binary in Restart.
	// Nil means ExecSpawner.
	Spawner Spawner

	Logger *slog.Logger
}

func (in *Installer) withSuffix(suffix string) string {
	return strings.TrimSuffix(in.LivePath, filepath.Ext(in.LivePath)) + suffix
}

// TempPath is where the new binary should be downloaded.
func (in *Installer) TempPath() string {
	suffix := in.TempSuffix
	if suffix == "" {
		suffix = DefaultTempSuffix
	}
	return in.withSuffix(suffix)
}

// BackupPath is where Install moves the old binary.
func (in *Installer) BackupPath() string {
	suffix := in.BackupSuffix
	if suffix == "" {
		suffix = DefaultBackupSuffix
	}
	return in.withSuffix(suffix)
}

func (in *Installer) logger() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.Default()
}

// Install moves the binary at TempPath to LivePath,
// keeping the previous binary at BackupPath.
// A stale backup is deleted first.
// If the final rename fails the previous binary is put back.
func (in *Installer) Install() error {
	var (
		live   = in.LivePath
		tmp    = in.TempPath()
		backup = in.BackupPath()
	)

	if _, err := os.Stat(tmp); err != nil {
		return updater.Mark(updater.ErrIO, errors.Wrapf(err, "checking new updater %s", tmp))
	}
	if err := removeIfExists(backup); err != nil {
		return updater.Mark(updater.ErrIO, errors.Wrapf(err, "deleting old updater %s", backup))
	}

	hadLive := true
	if err := os.Rename(live, backup); errors.Is(err, os.ErrNotExist) {
		hadLive = false
	} else if err != nil {
		return updater.Mark(updater.ErrIO, errors.Wrapf(err, "renaming updater from %s to %s", live, backup))
	}

	if err := os.Rename(tmp, live); err != nil {
		if hadLive {
			if rerr := os.Rename(backup, live); rerr != nil {
				in.logger().Error("restoring previous updater", "path", live, "err", rerr)
			}
		}
		return updater.Mark(updater.ErrIO, errors.Wrapf(err, "renaming updater from %s to %s", tmp, live))
	}

	in.logger().Info("installed new updater", "path", live)
	return nil
}

// CleanupBackup deletes the backup left by a previous Install, if any.
// It fails harmlessly while the backup is still running.
func (in *Installer) CleanupBackup() error {
	backup := in.BackupPath()
	err := removeIfExists(backup)
	if err != nil {
		in.logger().Debug("could not delete old updater", "path", backup, "err", err)
	}
	return errors.Wrapf(err, "deleting %s", backup)
}

// Restart starts LivePath with args minus any containing RecheckFlag.
// The caller should exit afterwards.
func (in *Installer) Restart(args []string) error {
	sp := in.Spawner
	if sp == nil {
		sp = ExecSpawner{}
	}
	args = FilterArgs(args, RecheckFlag)
	in.logger().Info("restarting updater", "path", in.LivePath, "args", args)
	return sp.Spawn(in.LivePath, args)
}

// FilterArgs returns args without the arguments containing any of flags.
func FilterArgs(args []string, flags ...string) []string {
	out := make([]string, 0, len(args))
outer:
	for _, arg := range args {
		for _, f := range flags {
			if strings.Contains(arg, f) {
				continue outer
			}
		}
		out = append(out, arg)
	}
	return out
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
