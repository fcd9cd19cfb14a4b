package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/drivekit/go-uploader/internal/multierror"
	"github.com/drivekit/go-uploader/upload/digest"
	"github.com/drivekit/go-uploader/upload/network"
)

// verify downloads the completed uploads and compares them with the digests computed before sending.
func (u *uploader) verify(ctx context.Context, config uploadConfig, tasks []Task) error {
	tempDir, err := u.pathProvider.CreateTempDir("drive-verify")
	if err != nil {
		return err
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			u.logger.Warnf("Failed to remove %s: %s", tempDir, err)
		}
	}()

	var errs multierror.MultiError
	for i, task := range tasks {
		if task.Record == nil || task.Record.DownloadURL == "" {
			u.logger.Warnf("%s: no download URL, skipping verification", task.Name)
			continue
		}

		downloadPath := filepath.Join(tempDir, fmt.Sprintf("%d", i))
		err := network.Download(ctx, network.DownloadParams{
			APIBaseURL:   config.APIBaseURL,
			DownloadURL:  task.Record.DownloadURL,
			Tokens:       network.StaticToken(config.APIAccessToken),
			DownloadPath: downloadPath,
		}, u.logger)
		if err != nil {
			multierror.AppendErr(&errs, fmt.Errorf("%s: %w", task.Name, err))
			continue
		}

		if err := verifyFile(ctx, downloadPath, task.Digest); err != nil {
			multierror.AppendErr(&errs, fmt.Errorf("%s: %w", task.Name, err))
			continue
		}
		u.logger.Printf("%s: ok", task.Name)
	}

	return errs.ErrorOrNil()
}

func verifyFile(ctx context.Context, path, expected string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close() //nolint:errcheck

	actual, err := digest.Reader(ctx, file)
	if err != nil {
		return err
	}
	if actual != expected {
		return &network.DigestMismatchError{Op: "verify", Index: -1, Message: fmt.Sprintf("expected %s, downloaded %s", expected, actual)}
	}
	return nil
}
