package network

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numLookupRetries = 3
	metadataFileName = "file-name"
	metadataDigest   = "sha256"
)

// S3Params ...
type S3Params struct {
	Region          string
	Bucket          string
	Prefix          string
	AccessKeyID     string
	SecretAccessKey string
}

// s3API is the subset of the S3 client used by S3Backend.
type s3API interface {
	manager.UploadAPIClient
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListMultipartUploads(ctx context.Context, params *s3.ListMultipartUploadsInput, optFns ...func(*s3.Options)) (*s3.ListMultipartUploadsOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
}

// S3Backend stores files as S3 objects keyed by their digest.
// Chunks are the parts of a multipart upload: chunk i is part i+1.
type S3Backend struct {
	client     s3API
	bucket     string
	prefix     string
	logger     log.Logger
	lookupWait time.Duration

	mu        sync.Mutex
	uploadIDs map[string]string
}

// NewS3Backend ...
func NewS3Backend(ctx context.Context, params S3Params, logger log.Logger) (*S3Backend, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("Bucket must not be empty")
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return nil, fmt.Errorf("load aws credentials: %w", err)
	}

	return newS3Backend(s3.NewFromConfig(*cfg), params.Bucket, params.Prefix, logger), nil
}

func newS3Backend(client s3API, bucket, prefix string, logger log.Logger) *S3Backend {
	return &S3Backend{
		client:     client,
		bucket:     bucket,
		prefix:     prefix,
		logger:     logger,
		lookupWait: 2 * time.Second,
		uploadIDs:  map[string]string{},
	}
}

// DirectUpload puts the whole file as a single object.
func (b *S3Backend) DirectUpload(ctx context.Context, params DirectUploadParams, progress ProgressFunc) (*FileRecord, error) {
	const op = "direct upload"
	key := b.objectKey(params.FileHash)

	uploader := manager.NewUploader(b.client)
	_, err := uploader.Upload(ctx, &s3.PutObjectInput{
		Body:              newProgressReader(params.Data, progress),
		Bucket:            aws.String(b.bucket),
		Key:               aws.String(key),
		ContentLength:     aws.Int64(int64(len(params.Data))),
		ContentType:       aws.String("application/octet-stream"),
		Metadata:          b.metadata(params.FileName, params.FileHash, params.Description),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		return nil, classifyS3Error(op, -1, err)
	}

	return b.record(key, params.FileName, int64(len(params.Data))), nil
}

// UploadedChunks lists the parts of the pending multipart upload of the file.
func (b *S3Backend) UploadedChunks(ctx context.Context, params ResumeParams) ([]int, error) {
	const op = "check uploaded chunks"
	key := b.objectKey(params.FileHash)

	uploadID, err := b.findUpload(ctx, key)
	if err != nil {
		return nil, classifyS3Error(op, -1, err)
	}
	if uploadID == "" {
		return nil, nil
	}

	parts, err := b.listParts(ctx, key, uploadID)
	if err != nil {
		return nil, classifyS3Error(op, -1, err)
	}

	indices := make([]int, 0, len(parts))
	for _, part := range parts {
		indices = append(indices, int(aws.ToInt32(part.PartNumber))-1)
	}

	return normalizeIndices(indices, params.TotalChunks), nil
}

// UploadChunk uploads one part, starting the multipart upload on first use.
func (b *S3Backend) UploadChunk(ctx context.Context, params ChunkParams, progress ProgressFunc) error {
	const op = "upload chunk"
	key := b.objectKey(params.FileHash)

	checksum, err := hexToBase64(params.ChunkHash)
	if err != nil {
		return &DigestMismatchError{Op: op, Index: params.ChunkIndex, Message: err.Error()}
	}

	uploadID, err := b.ensureUpload(ctx, key, params.FileName, params.FileHash)
	if err != nil {
		return classifyS3Error(op, params.ChunkIndex, err)
	}

	_, err = b.client.UploadPart(ctx, &s3.UploadPartInput{
		Body:           newProgressReader(params.Data, progress),
		Bucket:         aws.String(b.bucket),
		Key:            aws.String(key),
		UploadId:       aws.String(uploadID),
		PartNumber:     aws.Int32(int32(params.ChunkIndex + 1)),
		ContentLength:  aws.Int64(int64(len(params.Data))),
		ChecksumSHA256: aws.String(checksum),
	})
	if err != nil {
		if errorCode(err) == "NoSuchUpload" {
			b.forgetUpload(key)
			return &TransportError{Op: op, Err: err}
		}
		return classifyS3Error(op, params.ChunkIndex, err)
	}

	return nil
}

// Merge completes the multipart upload.
// If an object with the same digest already exists the call is a no-op.
func (b *S3Backend) Merge(ctx context.Context, params MergeParams) (*FileRecord, error) {
	const op = "merge chunks"
	key := b.objectKey(params.FileHash)

	size, found, err := b.findObject(ctx, key, params.FileHash)
	if err != nil {
		return nil, classifyS3Error(op, -1, err)
	}
	if found {
		b.logger.Debugf("Object %s already exists, skipping merge", key)
		return b.record(key, params.FileName, size), nil
	}

	uploadID, err := b.findUpload(ctx, key)
	if err != nil {
		return nil, classifyS3Error(op, -1, err)
	}
	if uploadID == "" {
		return nil, &ServerAssemblyError{Message: fmt.Sprintf("no staged chunks for %s", params.FileHash)}
	}

	parts, err := b.listParts(ctx, key, uploadID)
	if err != nil {
		return nil, classifyS3Error(op, -1, err)
	}

	completed := make([]types.CompletedPart, params.TotalChunks)
	present := make([]bool, params.TotalChunks)
	size = 0
	for _, part := range parts {
		number := int(aws.ToInt32(part.PartNumber))
		if number < 1 || number > params.TotalChunks {
			continue
		}
		present[number-1] = true
		size += aws.ToInt64(part.Size)
		completed[number-1] = types.CompletedPart{
			ETag:           part.ETag,
			PartNumber:     part.PartNumber,
			ChecksumSHA256: part.ChecksumSHA256,
		}
	}
	for i, ok := range present {
		if !ok {
			return nil, &ServerAssemblyError{Message: fmt.Sprintf("chunk %d of %d is missing", i, params.TotalChunks)}
		}
	}

	_, err = b.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(b.bucket),
		Key:             aws.String(key),
		UploadId:        aws.String(uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		return nil, classifyS3Error(op, -1, err)
	}
	b.forgetUpload(key)

	return b.record(key, params.FileName, size), nil
}

func (b *S3Backend) objectKey(digest string) string {
	if b.prefix == "" {
		return digest
	}
	return path.Join(b.prefix, digest)
}

func (b *S3Backend) metadata(fileName, digest, description string) map[string]string {
	metadata := map[string]string{
		metadataFileName: fileName,
		metadataDigest:   digest,
	}
	if description != "" {
		metadata["description"] = description
	}
	return metadata
}

func (b *S3Backend) record(key, fileName string, size int64) *FileRecord {
	return &FileRecord{
		ID:          key,
		FileName:    fileName,
		FileSize:    size,
		UploadTime:  time.Now().UTC().Format(time.RFC3339),
		DownloadURL: fmt.Sprintf("s3://%s/%s", b.bucket, key),
	}
}

// findObject reports whether the object exists with the given digest in its metadata.
func (b *S3Backend) findObject(ctx context.Context, key, digest string) (int64, bool, error) {
	var size int64
	var found bool
	err := retry.Times(numLookupRetries).Wait(b.lookupWait).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			var notFound *types.NotFound
			if errors.As(err, &notFound) || errorCode(err) == "NotFound" {
				return nil, true
			}
			return fmt.Errorf("head object: %w", err), isPermanentS3Error(err)
		}

		found = resp.Metadata[metadataDigest] == digest
		size = aws.ToInt64(resp.ContentLength)
		return nil, true
	})

	return size, found, err
}

// findUpload returns the id of the most recent pending multipart upload for key, or an empty string.
func (b *S3Backend) findUpload(ctx context.Context, key string) (string, error) {
	b.mu.Lock()
	uploadID, ok := b.uploadIDs[key]
	b.mu.Unlock()
	if ok {
		return uploadID, nil
	}

	var latest *types.MultipartUpload
	err := retry.Times(numLookupRetries).Wait(b.lookupWait).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := b.client.ListMultipartUploads(ctx, &s3.ListMultipartUploadsInput{
			Bucket: aws.String(b.bucket),
			Prefix: aws.String(key),
		})
		if err != nil {
			return fmt.Errorf("list multipart uploads: %w", err), isPermanentS3Error(err)
		}

		latest = nil
		for i := range resp.Uploads {
			upload := resp.Uploads[i]
			if aws.ToString(upload.Key) != key {
				continue
			}
			if latest == nil || aws.ToTime(upload.Initiated).After(aws.ToTime(latest.Initiated)) {
				latest = &upload
			}
		}
		return nil, true
	})
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", nil
	}

	uploadID = aws.ToString(latest.UploadId)
	b.rememberUpload(key, uploadID)

	return uploadID, nil
}

func (b *S3Backend) ensureUpload(ctx context.Context, key, fileName, digest string) (string, error) {
	uploadID, err := b.findUpload(ctx, key)
	if err != nil || uploadID != "" {
		return uploadID, err
	}

	b.logger.Debugf("Starting multipart upload for %s", key)
	resp, err := b.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:            aws.String(b.bucket),
		Key:               aws.String(key),
		ContentType:       aws.String("application/octet-stream"),
		Metadata:          b.metadata(fileName, digest, ""),
		ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
	})
	if err != nil {
		return "", fmt.Errorf("create multipart upload: %w", err)
	}

	uploadID = aws.ToString(resp.UploadId)
	b.rememberUpload(key, uploadID)

	return uploadID, nil
}

func (b *S3Backend) listParts(ctx context.Context, key, uploadID string) ([]types.Part, error) {
	var parts []types.Part
	var marker *string
	for {
		var resp *s3.ListPartsOutput
		err := retry.Times(numLookupRetries).Wait(b.lookupWait).TryWithAbort(func(attempt uint) (error, bool) {
			var err error
			resp, err = b.client.ListParts(ctx, &s3.ListPartsInput{
				Bucket:           aws.String(b.bucket),
				Key:              aws.String(key),
				UploadId:         aws.String(uploadID),
				PartNumberMarker: marker,
			})
			if err != nil {
				return fmt.Errorf("list parts: %w", err), isPermanentS3Error(err)
			}
			return nil, true
		})
		if err != nil {
			return nil, err
		}

		parts = append(parts, resp.Parts...)
		if !aws.ToBool(resp.IsTruncated) || resp.NextPartNumberMarker == nil {
			return parts, nil
		}
		marker = resp.NextPartNumberMarker
	}
}

func (b *S3Backend) rememberUpload(key, uploadID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.uploadIDs[key] = uploadID
}

func (b *S3Backend) forgetUpload(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.uploadIDs, key)
}

func classifyS3Error(op string, index int, err error) error {
	if errors.Is(err, ErrUnauthorized) {
		return err
	}

	switch errorCode(err) {
	case "BadDigest", "InvalidDigest", "XAmzContentSHA256Mismatch":
		return &DigestMismatchError{Op: op, Index: index, Message: err.Error()}
	case "AccessDenied", "InvalidAccessKeyId", "ExpiredToken", "InvalidToken", "SignatureDoesNotMatch":
		return &AuthorizationError{Op: op, Message: err.Error()}
	case "NoSuchUpload", "InvalidPart", "InvalidPartOrder", "EntityTooSmall":
		return &ServerAssemblyError{Message: err.Error()}
	}

	return &TransportError{Op: op, Err: err}
}

func isPermanentS3Error(err error) bool {
	switch errorCode(err) {
	case "AccessDenied", "InvalidAccessKeyId", "ExpiredToken", "InvalidToken", "SignatureDoesNotMatch", "NoSuchBucket":
		return true
	}
	return errors.Is(err, context.Canceled)
}

func errorCode(err error) string {
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		return apiError.ErrorCode()
	}
	return ""
}

func hexToBase64(digest string) (string, error) {
	decoded, err := hex.DecodeString(digest)
	if err != nil {
		return "", fmt.Errorf("decode chunk digest: %w", err)
	}
	return base64.StdEncoding.EncodeToString(decoded), nil
}
