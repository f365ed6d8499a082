package network

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/blockpush/transfer/blockuploader"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	numUploadRetries = 3
	// S3MinPartSize is the smallest block size S3 accepts for every part but the last one.
	S3MinPartSize = 5 * 1024 * 1024
	// S3MaxParts is the largest number of parts of one multipart upload.
	S3MaxParts = 10000
)

// S3UploadParams ...
type S3UploadParams struct {
	Source          io.Reader
	SourceSize      int64
	Key             string
	ContentType     string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	Config          blockuploader.Config
	Progress        blockuploader.ProgressFunc
}

// S3UploadResult ...
type S3UploadResult struct {
	Location string
	ETag     string
	Outcome  blockuploader.Outcome
}

type s3API interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	ListParts(ctx context.Context, params *s3.ListPartsInput, optFns ...func(*s3.Options)) (*s3.ListPartsOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// S3BlockStore uploads blocks as the parts of an S3 multipart upload.
// The target ID is the multipart upload ID, block i is stored as part i+1.
type S3BlockStore struct {
	client    s3API
	bucket    string
	key       string
	retryWait time.Duration
	logger    log.Logger
}

// NewS3BlockStore ...
func NewS3BlockStore(client *s3.Client, bucket, key string, logger log.Logger) *S3BlockStore {
	return newS3BlockStore(client, bucket, key, logger)
}

func newS3BlockStore(client s3API, bucket, key string, logger log.Logger) *S3BlockStore {
	return &S3BlockStore{
		client:    client,
		bucket:    bucket,
		key:       key,
		retryWait: 5 * time.Second,
		logger:    logger,
	}
}

// UploadToS3 uploads the source stream as a multipart upload and completes it
// once every part is acknowledged. A failed upload is aborted.
func UploadToS3(ctx context.Context, params S3UploadParams, logger log.Logger) (S3UploadResult, error) {
	if err := validateS3UploadParams(params); err != nil {
		return S3UploadResult{}, err
	}

	cfg, err := loadAWSCredentials(
		ctx,
		params.Region,
		params.AccessKeyID,
		params.SecretAccessKey,
		logger,
	)
	if err != nil {
		return S3UploadResult{}, fmt.Errorf("load aws credentials: %w", err)
	}

	if params.Config.BlockSize == 0 {
		params.Config.BlockSize = S3MinPartSize
	}
	store := NewS3BlockStore(s3.NewFromConfig(*cfg), params.Bucket, params.Key, logger)

	return store.upload(ctx, params, logger)
}

func (s *S3BlockStore) upload(ctx context.Context, params S3UploadParams, logger log.Logger) (S3UploadResult, error) {
	uploader, err := blockuploader.New(params.Config, s,
		blockuploader.WithLogger(logger),
		blockuploader.WithProgress(params.Progress),
	)
	if err != nil {
		return S3UploadResult{}, err
	}

	target, err := s.CreateTarget(ctx, params.ContentType)
	if err != nil {
		return S3UploadResult{}, fmt.Errorf("create multipart upload: %w", err)
	}
	logger.Debugf("Multipart upload ID: %s", target.ID)

	outcome, err := uploader.Upload(ctx, params.Source, target)
	if err != nil {
		return S3UploadResult{}, fmt.Errorf("failed to upload parts: %w", err)
	}

	etag, err := s.Complete(ctx, target, *outcome)
	if err != nil {
		if abortErr := s.Delete(context.WithoutCancel(ctx), target); abortErr != nil {
			logger.Warnf("Failed to abort multipart upload %s: %s", target.ID, abortErr)
		}
		return S3UploadResult{}, fmt.Errorf("complete multipart upload: %w", err)
	}
	logger.Donef("Uploaded %s", target.URL)

	return S3UploadResult{Location: target.URL, ETag: etag, Outcome: *outcome}, nil
}

// CreateTarget starts a new multipart upload.
func (s *S3BlockStore) CreateTarget(ctx context.Context, contentType string) (blockuploader.Target, error) {
	var uploadID string
	err := retry.Times(numUploadRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		input := &s3.CreateMultipartUploadInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.key),
		}
		if contentType != "" {
			input.ContentType = aws.String(contentType)
		}

		resp, err := s.client.CreateMultipartUpload(ctx, input)
		if err != nil {
			if ctx.Err() != nil {
				return err, true
			}
			s.logger.Debugf("Create multipart upload attempt %d failed: %s", attempt, err)
			return err, false
		}
		if resp.UploadId == nil || *resp.UploadId == "" {
			return fmt.Errorf("empty upload ID"), true
		}

		uploadID = *resp.UploadId
		return nil, true
	})
	if err != nil {
		return blockuploader.Target{}, err
	}

	return blockuploader.Target{
		ID:  uploadID,
		URL: fmt.Sprintf("s3://%s/%s", s.bucket, s.key),
	}, nil
}

// PutBlock uploads block as a single part.
func (s *S3BlockStore) PutBlock(ctx context.Context, target blockuploader.Target, block blockuploader.Block) error {
	if block.Index >= S3MaxParts {
		return blockuploader.Permanent(fmt.Errorf("block %d exceeds the %d part limit", block.Index, S3MaxParts))
	}

	sum := md5.Sum(block.Payload)
	_, err := s.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.key),
		UploadId:      aws.String(target.ID),
		PartNumber:    aws.Int32(partNumber(block.Index)),
		Body:          bytes.NewReader(block.Payload),
		ContentLength: aws.Int64(block.Size()),
		ContentMD5:    aws.String(base64.StdEncoding.EncodeToString(sum[:])),
	})
	if err != nil {
		if isNoSuchUpload(err) {
			return blockuploader.Permanent(err)
		}
		return err
	}

	return nil
}

// Delete aborts the multipart upload, which discards the already uploaded parts.
func (s *S3BlockStore) Delete(ctx context.Context, target blockuploader.Target) error {
	_, err := s.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(s.bucket),
		Key:      aws.String(s.key),
		UploadId: aws.String(target.ID),
	})
	if err != nil && !isNoSuchUpload(err) {
		return err
	}

	return nil
}

// Complete verifies that S3 acknowledged exactly the parts of outcome and
// assembles the object in split order. It returns the ETag of the object.
func (s *S3BlockStore) Complete(ctx context.Context, target blockuploader.Target, outcome blockuploader.Outcome) (string, error) {
	parts, err := s.listParts(ctx, target)
	if err != nil {
		return "", fmt.Errorf("list parts: %w", err)
	}

	completed, err := completedParts(outcome.BlockIDs, parts)
	if err != nil {
		return "", err
	}

	var etag string
	err = retry.Times(numUploadRetries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		resp, err := s.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
			Bucket:          aws.String(s.bucket),
			Key:             aws.String(s.key),
			UploadId:        aws.String(target.ID),
			MultipartUpload: &types.CompletedMultipartUpload{Parts: completed},
		})
		if err != nil {
			if isNoSuchUpload(err) || ctx.Err() != nil {
				return err, true
			}
			return err, false
		}

		etag = aws.ToString(resp.ETag)
		return nil, true
	})

	return etag, err
}

func (s *S3BlockStore) listParts(ctx context.Context, target blockuploader.Target) (map[int32]string, error) {
	parts := map[int32]string{}
	var marker *string
	for {
		resp, err := s.client.ListParts(ctx, &s3.ListPartsInput{
			Bucket:           aws.String(s.bucket),
			Key:              aws.String(s.key),
			UploadId:         aws.String(target.ID),
			PartNumberMarker: marker,
		})
		if err != nil {
			return nil, err
		}

		for _, part := range resp.Parts {
			parts[aws.ToInt32(part.PartNumber)] = aws.ToString(part.ETag)
		}

		if !aws.ToBool(resp.IsTruncated) || resp.NextPartNumberMarker == nil {
			return parts, nil
		}
		marker = resp.NextPartNumberMarker
	}
}

func completedParts(blockIDs []string, acknowledged map[int32]string) ([]types.CompletedPart, error) {
	completed := make([]types.CompletedPart, 0, len(blockIDs))
	expected := make(map[int32]bool, len(blockIDs))
	for _, id := range blockIDs {
		index, err := blockuploader.ParseBlockID(id)
		if err != nil {
			return nil, err
		}

		number := partNumber(index)
		etag, ok := acknowledged[number]
		if !ok {
			return nil, fmt.Errorf("part %d (block %s) was not acknowledged", number, id)
		}
		expected[number] = true
		completed = append(completed, types.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int32(number),
		})
	}

	var unexpected []int
	for number := range acknowledged {
		if !expected[number] {
			unexpected = append(unexpected, int(number))
		}
	}
	if len(unexpected) > 0 {
		sort.Ints(unexpected)
		return nil, fmt.Errorf("unexpected parts in upload: %v", unexpected)
	}

	return completed, nil
}

func partNumber(index uint32) int32 {
	return int32(index) + 1
}

func isNoSuchUpload(err error) bool {
	var noSuchUpload *types.NoSuchUpload
	if errors.As(err, &noSuchUpload) {
		return true
	}

	var apiError smithy.APIError
	return errors.As(err, &apiError) && apiError.ErrorCode() == "NoSuchUpload"
}

func validateS3UploadParams(params S3UploadParams) error {
	if params.Bucket == "" {
		return fmt.Errorf("Bucket must not be empty")
	}
	if params.Key == "" {
		return fmt.Errorf("Key must not be empty")
	}
	if params.Source == nil {
		return fmt.Errorf("Source must not be nil")
	}
	if params.Config.BlockSize != 0 && params.Config.BlockSize < S3MinPartSize {
		return fmt.Errorf("block size %d is below the S3 minimum part size %d", params.Config.BlockSize, S3MinPartSize)
	}
	return nil
}

func loadAWSCredentials(
	ctx context.Context,
	region string,
	accessKeyID string,
	secretKey string,
	logger log.Logger,
) (*aws.Config, error) {
	if region == "" {
		return nil, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(region),
	}

	if accessKeyID != "" && secretKey != "" {
		logger.Debugf("aws credentials provided, using them...")
		opts = append(opts,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(accessKeyID, secretKey, "")))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config, %v", err)
	}

	return &cfg, nil
}
