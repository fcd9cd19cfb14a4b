package network

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

const maxErrorBodyLength = 1024

type uploadedChunksResponse struct {
	UploadedChunks []int `json:"uploaded_chunks"`
}

type apiClient struct {
	httpClient *retryablehttp.Client
	baseURL    string
	tokens     TokenSource
	logger     log.Logger
}

func newAPIClient(client *retryablehttp.Client, baseURL string, tokens TokenSource, logger log.Logger) apiClient {
	return apiClient{
		httpClient: client,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		tokens:     tokens,
		logger:     logger,
	}
}

func (c apiClient) directUpload(ctx context.Context, params DirectUploadParams, progress ProgressFunc) (*FileRecord, error) {
	const op = "direct upload"

	form := newMultipartForm()
	form.field("file_hash", params.FileHash)
	if params.Description != "" {
		form.field("description", params.Description)
	}
	if err := form.file("file", params.FileName, params.Data); err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, op, http.MethodPost, c.baseURL+"/upload", form, progress)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, classifyResponse(op, -1, resp)
	}

	return c.decodeRecord(op, resp)
}

func (c apiClient) uploadedChunks(ctx context.Context, params ResumeParams) ([]int, error) {
	const op = "check uploaded chunks"

	query := url.Values{}
	query.Set("file_hash", params.FileHash)
	query.Set("total_chunks", strconv.Itoa(params.TotalChunks))
	query.Set("file_size", strconv.FormatInt(params.FileSize, 10))
	apiURL := fmt.Sprintf("%s/upload/check?%s", c.baseURL, query.Encode())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, op, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyResponse(op, -1, resp)
	}

	var response uploadedChunksResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}

	return response.UploadedChunks, nil
}

func (c apiClient) uploadChunk(ctx context.Context, params ChunkParams, progress ProgressFunc) error {
	const op = "upload chunk"

	form := newMultipartForm()
	form.field("chunk_index", strconv.Itoa(params.ChunkIndex))
	form.field("total_chunks", strconv.Itoa(params.TotalChunks))
	form.field("file_name", params.FileName)
	form.field("file_hash", params.FileHash)
	form.field("chunk_hash", params.ChunkHash)
	if err := form.file("chunk", fmt.Sprintf("chunk_%d", params.ChunkIndex), params.Data); err != nil {
		return err
	}

	resp, err := c.send(ctx, op, http.MethodPost, c.baseURL+"/upload/chunk", form, progress)
	if err != nil {
		return err
	}
	defer c.closeBody(resp.Body)

	dump, err := httputil.DumpResponse(resp, true)
	if err != nil {
		c.logger.Warnf("error while dumping response: %s", err)
	}
	c.logger.Debugf("Chunk response dump: %s", string(dump))

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return classifyResponse(op, params.ChunkIndex, resp)
	}

	return nil
}

func (c apiClient) merge(ctx context.Context, params MergeParams) (*FileRecord, error) {
	const op = "merge chunks"

	form := newMultipartForm()
	form.field("file_name", params.FileName)
	form.field("file_hash", params.FileHash)
	form.field("total_chunks", strconv.Itoa(params.TotalChunks))
	if params.Description != "" {
		form.field("description", params.Description)
	}

	resp, err := c.send(ctx, op, http.MethodPost, c.baseURL+"/upload/merge", form, nil)
	if err != nil {
		return nil, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, classifyMergeResponse(resp)
	}

	return c.decodeRecord(op, resp)
}

// send posts a multipart form. The body is replayable so that retryablehttp can resend it.
func (c apiClient) send(ctx context.Context, op, method, url string, form *multipartForm, progress ProgressFunc) (*http.Response, error) {
	data, contentType, err := form.finish()
	if err != nil {
		return nil, fmt.Errorf("%s: encode form: %w", op, err)
	}
	body := newProgressReader(data, progress)

	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	if err := c.authorize(ctx, op, req); err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)

	// Add Content-Length header manually because retryablehttp doesn't do it automatically
	req.Header.Set("Content-Length", strconv.Itoa(len(data)))
	req.ContentLength = int64(len(data))

	dump, err := httputil.DumpRequest(req.Request, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	c.logger.Debugf("%s request dump: %s", op, string(dump))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Op: op, Err: err}
	}

	return resp, nil
}

func (c apiClient) authorize(ctx context.Context, op string, req *retryablehttp.Request) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	return nil
}

func (c apiClient) decodeRecord(op string, resp *http.Response) (*FileRecord, error) {
	var record FileRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, &TransportError{Op: op, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &record, nil
}

func (c apiClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Printf("%s", err)
	}
}

// classifyResponse maps an unexpected status of a direct upload, chunk upload or resume query.
// index is the chunk index the request was about, or -1.
func classifyResponse(op string, index int, resp *http.Response) error {
	body := readErrorBody(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthorizationError{Op: op, Message: body}
	case isTransientStatus(resp.StatusCode), resp.StatusCode >= 500:
		return &TransportError{Op: op, Err: &StatusError{StatusCode: resp.StatusCode, Body: body}}
	case index >= 0 && (resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity):
		return &DigestMismatchError{Op: op, Index: index, Message: body}
	default:
		return &StatusError{StatusCode: resp.StatusCode, Body: body}
	}
}

func classifyMergeResponse(resp *http.Response) error {
	const op = "merge chunks"
	body := readErrorBody(resp)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthorizationError{Op: op, Message: body}
	case isTransientStatus(resp.StatusCode):
		return &TransportError{Op: op, Err: &StatusError{StatusCode: resp.StatusCode, Body: body}}
	case resp.StatusCode == http.StatusConflict:
		return &DigestMismatchError{Op: op, Index: -1, Message: body}
	default:
		return &ServerAssemblyError{StatusCode: resp.StatusCode, Message: body}
	}
}

func isTransientStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooManyRequests,
		http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func readErrorBody(resp *http.Response) string {
	errorResp, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLength))
	if err != nil {
		return err.Error()
	}
	return strings.TrimSpace(string(errorResp))
}

type multipartForm struct {
	buf    *bytes.Buffer
	writer *multipart.Writer
	err    error
}

func newMultipartForm() *multipartForm {
	buf := &bytes.Buffer{}
	return &multipartForm{buf: buf, writer: multipart.NewWriter(buf)}
}

func (f *multipartForm) field(name, value string) {
	if f.err != nil {
		return
	}
	f.err = f.writer.WriteField(name, value)
}

func (f *multipartForm) file(name, fileName string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	part, err := f.writer.CreateFormFile(name, fileName)
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return fmt.Errorf("write form file: %w", err)
	}
	return nil
}

func (f *multipartForm) finish() ([]byte, string, error) {
	if f.err != nil {
		return nil, "", f.err
	}
	if err := f.writer.Close(); err != nil {
		return nil, "", err
	}
	return f.buf.Bytes(), f.writer.FormDataContentType(), nil
}
