// Package upload moves local files to a drive backend.
// Small files are sent in one request; large files are split into chunks
// that survive interruptions: an upload of the same content resumes where it stopped.
package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"

	"github.com/drivekit/go-uploader/upload/network"
)

// Input is the information the caller provides for a batch upload.
// Zero values fall back to the environment, then to DefaultConfig.
type Input struct {
	Verbose bool
	// Paths are files or glob patterns, for example ~/Videos/**/*.mp4.
	Paths []string
	// Description is stored with every file of the batch.
	Description string
	// Verify downloads every uploaded file again and compares its digest.
	Verify bool

	APIBaseURL         string
	AccessToken        string
	ChunkSize          int64
	RequestTimeout     time.Duration
	MaxAttempts        int
	MaxConcurrentTasks int

	// Observer is notified about every task change.
	Observer Observer
}

// Uploader ...
type Uploader interface {
	Upload(ctx context.Context, input Input) (BatchResult, error)
}

type s3Config struct {
	Bucket          string
	Region          string
	Prefix          string
	AccessKeyID     Secret
	SecretAccessKey Secret
}

type uploadConfig struct {
	Config
	Paths          []string
	Description    string
	Verify         bool
	APIBaseURL     string
	APIAccessToken Secret
	S3             s3Config
}

type uploader struct {
	envRepo      env.Repository
	logger       log.Logger
	pathProvider pathutil.PathProvider
	pathModifier pathutil.PathModifier
	pathChecker  pathutil.PathChecker
	backend      network.Backend
}

// NewUploader creates a new uploader instance. `backend` can be nil, unless you want to provide a custom `network.Backend` implementation.
func NewUploader(
	envRepo env.Repository,
	logger log.Logger,
	pathProvider pathutil.PathProvider,
	pathModifier pathutil.PathModifier,
	pathChecker pathutil.PathChecker,
	backend network.Backend,
) *uploader {
	return &uploader{
		envRepo:      envRepo,
		logger:       logger,
		pathProvider: pathProvider,
		pathModifier: pathModifier,
		pathChecker:  pathChecker,
		backend:      backend,
	}
}

// Upload ...
func (u *uploader) Upload(ctx context.Context, input Input) (BatchResult, error) {
	u.logger.EnableDebugLog(input.Verbose)
	u.logger.TDebugf("Upload start")
	defer func() {
		u.logger.TDebugf("Upload done")
	}()

	config, err := u.createConfig(input)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to parse inputs: %w", err)
	}
	u.logger.TDebugf("Config created")

	backend, err := u.createBackend(ctx, config)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to create backend: %w", err)
	}

	tracker := newUploadTracker(u.envRepo, u.logger)
	defer tracker.wait()

	batch, err := NewBatch(backend, config.Config, config.Description, u.logger)
	if err != nil {
		return BatchResult{}, err
	}
	batch.tracker = tracker
	if input.Observer != nil {
		batch.Registry().Subscribe(input.Observer)
	}

	var totalSize int64
	for _, path := range config.Paths {
		task, err := batch.Add(path)
		if err != nil {
			return BatchResult{}, fmt.Errorf("failed to add file: %w", err)
		}
		totalSize += task.Size
	}

	u.logger.Println()
	u.logger.Infof("Uploading %d files (%s)...", len(config.Paths), units.HumanSizeWithPrecision(float64(totalSize), 3))
	startTime := time.Now()
	result, err := batch.Run(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	u.logger.Println()
	u.logResult(result, time.Since(startTime))

	if config.Verify && result.Succeeded() {
		u.logger.Println()
		u.logger.Infof("Verifying uploads...")
		if err := u.verify(ctx, config, result.Tasks); err != nil {
			return result, fmt.Errorf("verification failed: %w", err)
		}
		u.logger.Donef("Every upload matches its local content")
	}

	return result, result.Err()
}

func (u *uploader) createConfig(input Input) (uploadConfig, error) {
	if len(input.Paths) == 0 {
		return uploadConfig{}, fmt.Errorf("no paths provided")
	}

	finalPaths, err := u.evaluatePaths(input.Paths)
	u.logger.TDebugf("Final paths evaluated")
	if err != nil {
		return uploadConfig{}, fmt.Errorf("failed to parse paths: %w", err)
	}
	if len(finalPaths) == 0 {
		return uploadConfig{}, fmt.Errorf("none of the provided paths exist")
	}

	config := DefaultConfig()

	chunkSize := input.ChunkSize
	if chunkSize == 0 {
		if value := u.envRepo.Get("DRIVE_CHUNK_SIZE"); value != "" {
			chunkSize, err = units.RAMInBytes(value)
			if err != nil {
				return uploadConfig{}, fmt.Errorf("invalid DRIVE_CHUNK_SIZE: %w", err)
			}
		}
	}
	if chunkSize != 0 {
		config.ChunkSize = chunkSize
	}

	config.RequestTimeout = input.RequestTimeout
	if config.RequestTimeout == 0 {
		if value := u.envRepo.Get("DRIVE_REQUEST_TIMEOUT"); value != "" {
			config.RequestTimeout, err = time.ParseDuration(value)
			if err != nil {
				return uploadConfig{}, fmt.Errorf("invalid DRIVE_REQUEST_TIMEOUT: %w", err)
			}
		}
	}

	if input.MaxAttempts != 0 {
		config.MaxAttempts = input.MaxAttempts
	} else if value := u.envRepo.Get("DRIVE_MAX_ATTEMPTS"); value != "" {
		config.MaxAttempts, err = strconv.Atoi(value)
		if err != nil {
			return uploadConfig{}, fmt.Errorf("invalid DRIVE_MAX_ATTEMPTS: %w", err)
		}
	}

	config.MaxConcurrentTasks = input.MaxConcurrentTasks
	if err := config.Validate(); err != nil {
		return uploadConfig{}, err
	}

	result := uploadConfig{
		Config:      config,
		Paths:       finalPaths,
		Description: input.Description,
		Verify:      input.Verify,
		S3: s3Config{
			Bucket:          u.envRepo.Get("DRIVE_S3_BUCKET"),
			Region:          u.envRepo.Get("DRIVE_S3_REGION"),
			Prefix:          u.envRepo.Get("DRIVE_S3_PREFIX"),
			AccessKeyID:     Secret(u.envRepo.Get("AWS_ACCESS_KEY_ID")),
			SecretAccessKey: Secret(u.envRepo.Get("AWS_SECRET_ACCESS_KEY")),
		},
	}

	result.APIBaseURL = input.APIBaseURL
	if result.APIBaseURL == "" {
		result.APIBaseURL = u.envRepo.Get("DRIVE_API_URL")
	}
	result.APIAccessToken = Secret(input.AccessToken)
	if result.APIAccessToken == "" {
		result.APIAccessToken = Secret(u.envRepo.Get("DRIVE_ACCESS_TOKEN"))
	}

	if u.backend == nil && result.S3.Bucket == "" {
		if result.APIBaseURL == "" {
			return uploadConfig{}, fmt.Errorf("the variable 'DRIVE_API_URL' is not defined")
		}
		if result.APIAccessToken == "" {
			return uploadConfig{}, fmt.Errorf("the secret 'DRIVE_ACCESS_TOKEN' is not defined")
		}
	}
	if result.Verify && result.APIBaseURL == "" {
		return uploadConfig{}, fmt.Errorf("verification needs 'DRIVE_API_URL'")
	}
	u.logger.TDebugf("Url and token are valid")

	return result, nil
}

func (u *uploader) createBackend(ctx context.Context, config uploadConfig) (network.Backend, error) {
	if u.backend != nil {
		return u.backend, nil
	}

	if config.S3.Bucket != "" {
		u.logger.Debugf("Uploading to bucket %s", config.S3.Bucket)
		return network.NewS3Backend(ctx, network.S3Params{
			Region:          config.S3.Region,
			Bucket:          config.S3.Bucket,
			Prefix:          config.S3.Prefix,
			AccessKeyID:     string(config.S3.AccessKeyID),
			SecretAccessKey: string(config.S3.SecretAccessKey),
		}, u.logger)
	}

	u.logger.Debugf("Uploading to %s", config.APIBaseURL)
	return network.NewHTTPBackend(network.HTTPParams{
		BaseURL: config.APIBaseURL,
		Tokens:  network.StaticToken(config.APIAccessToken),
	}, u.logger)
}

func (u *uploader) evaluatePaths(paths []string) ([]string, error) {
	// Expand wildcard paths
	var expandedPaths []string
	for _, path := range paths {
		if !strings.Contains(path, "*") {
			expandedPaths = append(expandedPaths, path)
			continue
		}

		base, pattern := doublestar.SplitPattern(path)
		absBase, err := u.pathModifier.AbsPath(base) // resolves ~/ and expands any envs
		if err != nil {
			return nil, err
		}
		matches, err := doublestar.Glob(os.DirFS(absBase), pattern, doublestar.WithNoFollow())
		if err != nil {
			u.logger.Warnf("Error in path pattern '%s': %s", path, err)
			continue
		}
		if matches == nil {
			u.logger.Warnf("No match for path pattern: %s", path)
			continue
		}

		for _, match := range matches {
			expandedPaths = append(expandedPaths, filepath.Join(base, match))
		}
	}

	// Validate and deduplicate paths
	seen := map[string]bool{}
	var finalPaths []string
	for _, path := range expandedPaths {
		absPath, err := u.pathModifier.AbsPath(path)
		if err != nil {
			u.logger.Warnf("Failed to parse path %s, error: %s", path, err)
			continue
		}

		exists, err := u.pathChecker.IsPathExists(absPath)
		if err != nil {
			u.logger.Warnf("Failed to check path %s, error: %s", absPath, err)
		}
		if !exists {
			u.logger.Warnf("Path doesn't exist: %s", path)
			continue
		}
		if isDir, err := u.pathChecker.IsDirExists(absPath); err == nil && isDir {
			u.logger.Warnf("Skipping directory: %s", path)
			continue
		}
		if seen[absPath] {
			continue
		}
		seen[absPath] = true

		finalPaths = append(finalPaths, absPath)
	}

	return finalPaths, nil
}

func (u *uploader) logResult(result BatchResult, duration time.Duration) {
	for _, task := range result.Tasks {
		size := units.HumanSizeWithPrecision(float64(task.Size), 3)
		switch task.Status {
		case StatusCompleted:
			u.logger.Donef("%s (%s): %s", task.Name, size, task.Status)
		default:
			u.logger.Errorf("%s (%s): %s at %d%%: %s", task.Name, size, task.Status, task.Progress, task.Err)
		}
	}

	if result.Unauthorized {
		u.logger.Errorf("The session is no longer valid, sign in again and retry the failed files")
	}
	if result.Succeeded() {
		u.logger.Donef("Uploaded %d files in %s", len(result.Tasks), duration.Round(time.Second))
		return
	}
	u.logger.Warnf("%d of %d files failed", len(result.Failed()), len(result.Tasks))
}
