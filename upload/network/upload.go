package network

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
)

// HTTPParams ...
type HTTPParams struct {
	// BaseURL is the files API root, for example https://drive.example.com/api/files.
	BaseURL string
	Tokens  TokenSource
	// RetryMax is the number of transport level retries per request.
	// Retrying is normally left to the caller, so the default is 0.
	RetryMax int
}

// HTTPBackend talks to the files API over HTTP.
type HTTPBackend struct {
	client apiClient
	logger log.Logger
}

// NewHTTPBackend ...
func NewHTTPBackend(params HTTPParams, logger log.Logger) (*HTTPBackend, error) {
	if params.BaseURL == "" {
		return nil, fmt.Errorf("API base URL is empty")
	}
	if params.Tokens == nil {
		return nil, fmt.Errorf("token source is not set")
	}
	if params.RetryMax < 0 {
		return nil, fmt.Errorf("invalid retry max: %d", params.RetryMax)
	}

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.RetryMax = params.RetryMax
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)
	// Keep the last response instead of a generic "giving up" error so its status can be classified.
	retryableHTTPClient.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPBackend{
		client: newAPIClient(retryableHTTPClient, params.BaseURL, params.Tokens, logger),
		logger: logger,
	}, nil
}

// DirectUpload ...
func (b *HTTPBackend) DirectUpload(ctx context.Context, params DirectUploadParams, progress ProgressFunc) (*FileRecord, error) {
	b.logger.Debugf("Uploading %s in a single request", params.FileName)
	return b.client.directUpload(ctx, params, progress)
}

// UploadedChunks ...
func (b *HTTPBackend) UploadedChunks(ctx context.Context, params ResumeParams) ([]int, error) {
	indices, err := b.client.uploadedChunks(ctx, params)
	if err != nil {
		return nil, err
	}
	return normalizeIndices(indices, params.TotalChunks), nil
}

// UploadChunk ...
func (b *HTTPBackend) UploadChunk(ctx context.Context, params ChunkParams, progress ProgressFunc) error {
	b.logger.Debugf("Uploading chunk %d/%d of %s", params.ChunkIndex+1, params.TotalChunks, params.FileName)
	return b.client.uploadChunk(ctx, params, progress)
}

// Merge ...
func (b *HTTPBackend) Merge(ctx context.Context, params MergeParams) (*FileRecord, error) {
	b.logger.Debugf("Merging %d chunks of %s", params.TotalChunks, params.FileName)
	return b.client.merge(ctx, params)
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, requestErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, requestErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; requestErr=%+v", retry, err, requestErr)
		return retry, err
	}
}

// normalizeIndices sorts and de-duplicates indices and drops the ones outside [0, total).
func normalizeIndices(indices []int, total int) []int {
	seen := make(map[int]bool, len(indices))
	result := make([]int, 0, len(indices))
	for _, i := range indices {
		if i < 0 || i >= total || seen[i] {
			continue
		}
		seen[i] = true
		result = append(result, i)
	}
	sort.Ints(result)
	return result
}
