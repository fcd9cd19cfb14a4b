package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/pathutil"
	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/drivekit/go-uploader/upload"
)

var (
	baseURL     string
	accessToken string
	chunkSize   string
	timeout     time.Duration
	maxAttempts int
	concurrency int
	description string
	verbose     bool
	outputJSON  bool
	verify      bool
)

var rootCmd = &cobra.Command{
	Use:   "drive-upload [paths...]",
	Short: "Upload files to a drive",
	Long: `Upload local files to a drive backend.

Files above 16MB are uploaded in chunks. An interrupted upload of the
same content resumes with the chunks the drive does not have yet.

Paths can be glob patterns. Settings that are not passed as flags are read from
DRIVE_API_URL, DRIVE_ACCESS_TOKEN, DRIVE_CHUNK_SIZE, DRIVE_REQUEST_TIMEOUT and
DRIVE_MAX_ATTEMPTS. Setting DRIVE_S3_BUCKET uploads straight to S3 instead.

Examples:
  # Upload a folder of videos
  drive-upload "~/Videos/**/*.mp4" --description "holiday"

  # Smaller chunks on a flaky connection
  drive-upload backup.tar --chunk-size 4MB --timeout 2m --max-attempts 5

  # JSON output
  drive-upload report.pdf --json`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runUpload,
}

type fileResult struct {
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	Retries     int    `json:"retries"`
	Digest      string `json:"digest,omitempty"`
	ID          string `json:"id,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

type batchOutput struct {
	Succeeded    bool         `json:"succeeded"`
	Unauthorized bool         `json:"unauthorized"`
	Files        []fileResult `json:"files"`
	Error        string       `json:"error,omitempty"`
}

func runUpload(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var size int64
	if chunkSize != "" {
		var err error
		if size, err = units.RAMInBytes(chunkSize); err != nil {
			return fmt.Errorf("invalid --chunk-size: %w", err)
		}
	}

	logger := log.NewLogger()
	input := upload.Input{
		Verbose:            verbose,
		Paths:              args,
		Description:        description,
		Verify:             verify,
		APIBaseURL:         baseURL,
		AccessToken:        accessToken,
		ChunkSize:          size,
		RequestTimeout:     timeout,
		MaxAttempts:        maxAttempts,
		MaxConcurrentTasks: concurrency,
	}
	if !outputJSON {
		input.Observer = newProgressPrinter(logger).observe
	}

	uploader := upload.NewUploader(
		env.NewRepository(),
		logger,
		pathutil.NewPathProvider(),
		pathutil.NewPathModifier(),
		pathutil.NewPathChecker(),
		nil,
	)
	result, err := uploader.Upload(ctx, input)

	if outputJSON {
		if encodeErr := writeJSON(result, err); encodeErr != nil {
			return encodeErr
		}
	}
	return err
}

func writeJSON(result upload.BatchResult, uploadErr error) error {
	output := batchOutput{
		Succeeded:    uploadErr == nil && result.Succeeded(),
		Unauthorized: result.Unauthorized,
		Files:        []fileResult{},
	}
	if uploadErr != nil {
		output.Error = uploadErr.Error()
	}
	for _, task := range result.Tasks {
		file := fileResult{
			Name:     task.Name,
			Size:     task.Size,
			Status:   string(task.Status),
			Progress: task.Progress,
			Retries:  task.Retries,
			Digest:   task.Digest,
		}
		if task.Record != nil {
			file.ID = task.Record.ID
			file.DownloadURL = task.Record.DownloadURL
		}
		if task.Err != nil {
			file.Error = task.Err.Error()
		}
		output.Files = append(output.Files, file)
	}

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

// progressPrinter logs status changes and every 10% of progress.
type progressPrinter struct {
	logger log.Logger

	mu   sync.Mutex
	last map[string]upload.Task
}

func newProgressPrinter(logger log.Logger) *progressPrinter {
	return &progressPrinter{logger: logger, last: map[string]upload.Task{}}
}

func (p *progressPrinter) observe(task upload.Task) {
	p.mu.Lock()
	defer p.mu.Unlock()

	previous, seen := p.last[task.ID]
	p.last[task.ID] = task
	if !seen || task.Status.IsTerminal() {
		return
	}

	switch {
	case task.Status == upload.StatusRetrying && previous.Status != upload.StatusRetrying:
		p.logger.Warnf("%s: retrying (%d)", task.Name, task.Retries)
	case task.Progress/10 > previous.Progress/10:
		p.logger.Printf("%s: %d%%", task.Name, task.Progress)
	}
}

func init() {
	rootCmd.Flags().StringVar(&baseURL, "base-url", "", "Base URL of the drive API (default $DRIVE_API_URL)")
	rootCmd.Flags().StringVar(&accessToken, "token", "", "Session token (default $DRIVE_ACCESS_TOKEN)")
	rootCmd.Flags().StringVar(&chunkSize, "chunk-size", "", "Size of the chunks of files above 16MB, for example 4MB (default 16MB)")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "Timeout of a single request, 0 means no limit")
	rootCmd.Flags().IntVar(&maxAttempts, "max-attempts", 0, "Attempts of a request that fails with a network error (default 3)")
	rootCmd.Flags().IntVar(&concurrency, "concurrency", 0, "Files uploaded at the same time, 0 means all of them")
	rootCmd.Flags().StringVar(&description, "description", "", "Description stored with every file")
	rootCmd.Flags().BoolVar(&verbose, "verbose", false, "Enable debug logs")
	rootCmd.Flags().BoolVar(&outputJSON, "json", false, "Output the result as JSON")
	rootCmd.Flags().BoolVar(&verify, "verify", false, "Download every uploaded file and compare its digest")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
