package network

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/melbahja/got"
)

// DownloadParams ...
type DownloadParams struct {
	// APIBaseURL resolves relative download URLs returned by the backend.
	APIBaseURL   string
	DownloadURL  string
	Tokens       TokenSource
	DownloadPath string
}

// Download fetches a stored file to DownloadPath.
func Download(ctx context.Context, params DownloadParams, logger log.Logger) error {
	if params.DownloadURL == "" {
		return fmt.Errorf("download URL is empty")
	}
	if params.Tokens == nil {
		return fmt.Errorf("token source is not set")
	}

	target, err := resolveDownloadURL(params.APIBaseURL, params.DownloadURL)
	if err != nil {
		return err
	}

	token, err := params.Tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)
	client := retryableHTTPClient.StandardClient()
	client.Transport = bearerTransport{token: token, next: client.Transport}

	logger.Debugf("Downloading %s", target)
	downloader := got.New()
	downloader.Client = client

	// the download uses its own client, not the one set on the downloader
	download := got.NewDownload(ctx, target, params.DownloadPath)
	download.Client = client

	if err := downloader.Do(download); err != nil {
		return &TransportError{Op: "download", Err: err}
	}
	return nil
}

// resolveDownloadURL turns a backend relative path such as /api/files/download/7 into an absolute URL.
func resolveDownloadURL(baseURL, downloadURL string) (string, error) {
	ref, err := url.Parse(downloadURL)
	if err != nil {
		return "", fmt.Errorf("parse download URL: %w", err)
	}
	if ref.IsAbs() {
		if ref.Scheme != "http" && ref.Scheme != "https" {
			return "", fmt.Errorf("unsupported download URL scheme: %s", ref.Scheme)
		}
		return ref.String(), nil
	}
	if baseURL == "" {
		return "", fmt.Errorf("relative download URL %s needs an API base URL", downloadURL)
	}

	base, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/")
	if err != nil {
		return "", fmt.Errorf("parse API base URL: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}

type bearerTransport struct {
	token string
	next  http.RoundTripper
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", fmt.Sprintf("Bearer %s", t.token))

	next := t.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(clone)
}
