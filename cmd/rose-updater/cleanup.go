package main

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/rednimgames/rose-updater/selfupdate"
)

// cleanup removes the backup left by a previous self-update.
func (c maincmd) cleanup(_ context.Context, _ []string) error {
	live, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "locating updater executable")
	}
	in := &selfupdate.Installer{LivePath: live, Logger: c.logger}
	return in.CleanupBackup()
}
