package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/blockpush/transfer/blockuploader"
	"github.com/bitrise-io/blockpush/transfer/keytemplate"
	"github.com/bitrise-io/blockpush/transfer/network"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

const (
	backendAPI = "api"
	backendS3  = "s3"

	defaultCompressionLevel = 3
)

// secret is an input value that is never printed.
type secret string

func (s secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

type uploadConfig struct {
	Verbose bool
	Backend string

	APIBaseURL     string
	APIAccessToken secret

	// SourcePath is a single file to upload, "-" reads stdin.
	SourcePath string
	// ArchivePaths are archived into a tar.zst stream instead of uploading SourcePath.
	ArchivePaths     []string
	CompressionLevel int

	Metadata network.FileMetadata
	Upload   blockuploader.Config

	S3Bucket           string
	S3Key              string
	AWSRegion          string
	AWSAccessKeyID     string
	AWSSecretAccessKey secret
}

type downloadConfig struct {
	Verbose        bool
	APIBaseURL     string
	APIAccessToken secret
	FileID         string
	DownloadPath   string
	ExtractTo      string
}

func parseUploadConfig(envRepo env.Repository) (uploadConfig, error) {
	config := uploadConfig{
		Verbose:            isTrue(envRepo.Get("BLOCKPUSH_VERBOSE")),
		Backend:            strings.ToLower(strings.TrimSpace(envRepo.Get("BLOCKPUSH_BACKEND"))),
		APIBaseURL:         strings.TrimSuffix(envRepo.Get("BLOCKPUSH_API_URL"), "/"),
		APIAccessToken:     secret(envRepo.Get("BLOCKPUSH_API_TOKEN")),
		SourcePath:         envRepo.Get("BLOCKPUSH_SOURCE"),
		ArchivePaths:       splitList(envRepo.Get("BLOCKPUSH_ARCHIVE_PATHS")),
		S3Bucket:           envRepo.Get("BLOCKPUSH_S3_BUCKET"),
		S3Key:              envRepo.Get("BLOCKPUSH_S3_KEY"),
		AWSRegion:          envRepo.Get("AWS_REGION"),
		AWSAccessKeyID:     envRepo.Get("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: secret(envRepo.Get("AWS_SECRET_ACCESS_KEY")),
		Metadata: network.FileMetadata{
			Filename:     envRepo.Get("BLOCKPUSH_FILENAME"),
			Receivers:    envRepo.Get("BLOCKPUSH_RECEIVERS"),
			FileEncoding: envRepo.Get("BLOCKPUSH_FILE_ENCODING"),
			StandardName: envRepo.Get("BLOCKPUSH_STANDARD_NAME"),
			LanguageCode: envRepo.Get("BLOCKPUSH_LANGUAGE_CODE"),
			Status:       envRepo.Get("BLOCKPUSH_STATUS"),
		},
	}

	if config.Backend == "" {
		config.Backend = backendAPI
	}
	if config.Backend != backendAPI && config.Backend != backendS3 {
		return uploadConfig{}, fmt.Errorf("unknown backend '%s', expected '%s' or '%s'", config.Backend, backendAPI, backendS3)
	}

	switch {
	case config.SourcePath != "" && len(config.ArchivePaths) > 0:
		return uploadConfig{}, fmt.Errorf("BLOCKPUSH_SOURCE and BLOCKPUSH_ARCHIVE_PATHS are mutually exclusive")
	case config.SourcePath == "" && len(config.ArchivePaths) == 0:
		return uploadConfig{}, fmt.Errorf("either BLOCKPUSH_SOURCE or BLOCKPUSH_ARCHIVE_PATHS should be set")
	}

	if config.Backend == backendAPI {
		if config.APIBaseURL == "" {
			return uploadConfig{}, fmt.Errorf("the secret 'BLOCKPUSH_API_URL' is not defined")
		}
		if config.APIAccessToken == "" {
			return uploadConfig{}, fmt.Errorf("the secret 'BLOCKPUSH_API_TOKEN' is not defined")
		}
		if config.Metadata.Filename == "" {
			return uploadConfig{}, fmt.Errorf("BLOCKPUSH_FILENAME should not be empty")
		}
	} else {
		if config.S3Bucket == "" || config.S3Key == "" {
			return uploadConfig{}, fmt.Errorf("BLOCKPUSH_S3_BUCKET and BLOCKPUSH_S3_KEY are required for the s3 backend")
		}
	}

	level, err := parseInt(envRepo, "BLOCKPUSH_COMPRESSION_LEVEL", defaultCompressionLevel)
	if err != nil {
		return uploadConfig{}, err
	}
	if level < 1 || level > 19 {
		return uploadConfig{}, fmt.Errorf("compression level should be between 1 and 19")
	}
	config.CompressionLevel = level

	blockConfig, err := parseBlockConfig(envRepo, config.Backend)
	if err != nil {
		return uploadConfig{}, err
	}
	config.Upload = blockConfig

	return config, nil
}

func parseBlockConfig(envRepo env.Repository, backend string) (blockuploader.Config, error) {
	config := blockuploader.DefaultConfig()
	if backend == backendS3 {
		config.BlockSize = network.S3MinPartSize
	}

	if value := envRepo.Get("BLOCKPUSH_BLOCK_SIZE"); value != "" {
		size, err := units.RAMInBytes(value)
		if err != nil {
			return blockuploader.Config{}, fmt.Errorf("invalid BLOCKPUSH_BLOCK_SIZE: %w", err)
		}
		config.BlockSize = int(size)
	}

	concurrency, err := parseInt(envRepo, "BLOCKPUSH_CONCURRENCY", config.Concurrency)
	if err != nil {
		return blockuploader.Config{}, err
	}
	config.Concurrency = concurrency

	attempts, err := parseInt(envRepo, "BLOCKPUSH_MAX_ATTEMPTS", config.MaxRetryPerBlock)
	if err != nil {
		return blockuploader.Config{}, err
	}
	config.MaxRetryPerBlock = attempts

	if value := envRepo.Get("BLOCKPUSH_TIMEOUT"); value != "" {
		timeout, err := time.ParseDuration(value)
		if err != nil {
			return blockuploader.Config{}, fmt.Errorf("invalid BLOCKPUSH_TIMEOUT: %w", err)
		}
		config.Timeout = timeout
	}

	if err := config.Validate(); err != nil {
		return blockuploader.Config{}, err
	}
	if backend == backendS3 && config.BlockSize < network.S3MinPartSize {
		return blockuploader.Config{}, fmt.Errorf("block size should be at least %s for the s3 backend", units.BytesSize(network.S3MinPartSize))
	}

	return config, nil
}

func parseDownloadConfig(envRepo env.Repository) (downloadConfig, error) {
	config := downloadConfig{
		Verbose:        isTrue(envRepo.Get("BLOCKPUSH_VERBOSE")),
		APIBaseURL:     strings.TrimSuffix(envRepo.Get("BLOCKPUSH_API_URL"), "/"),
		APIAccessToken: secret(envRepo.Get("BLOCKPUSH_API_TOKEN")),
		FileID:         envRepo.Get("BLOCKPUSH_FILE_ID"),
		DownloadPath:   envRepo.Get("BLOCKPUSH_DOWNLOAD_PATH"),
		ExtractTo:      envRepo.Get("BLOCKPUSH_EXTRACT_TO"),
	}

	if config.APIBaseURL == "" {
		return downloadConfig{}, fmt.Errorf("the secret 'BLOCKPUSH_API_URL' is not defined")
	}
	if config.APIAccessToken == "" {
		return downloadConfig{}, fmt.Errorf("the secret 'BLOCKPUSH_API_TOKEN' is not defined")
	}
	if config.FileID == "" {
		return downloadConfig{}, fmt.Errorf("BLOCKPUSH_FILE_ID should not be empty")
	}
	if config.DownloadPath == "" {
		return downloadConfig{}, fmt.Errorf("BLOCKPUSH_DOWNLOAD_PATH should not be empty")
	}

	return config, nil
}

// evaluateNames resolves the templates of the object names.
func (c *uploadConfig) evaluateNames(model keytemplate.Model) error {
	uploadContext := keytemplate.UploadContext{SourcePath: c.SourcePath}

	if c.Metadata.Filename != "" {
		filename, err := model.Evaluate(c.Metadata.Filename, uploadContext)
		if err != nil {
			return fmt.Errorf("failed to evaluate filename template: %w", err)
		}
		c.Metadata.Filename = filename
	}

	if c.S3Key != "" {
		key, err := model.Evaluate(c.S3Key, uploadContext)
		if err != nil {
			return fmt.Errorf("failed to evaluate S3 key template: %w", err)
		}
		c.S3Key = strings.TrimPrefix(key, "/")
	}

	return nil
}

func (c uploadConfig) print(logger log.Logger) {
	logger.Infof("Upload config:")
	logger.Printf("- Backend: %s", c.Backend)
	if c.Backend == backendAPI {
		logger.Printf("- API URL: %s", c.APIBaseURL)
		logger.Printf("- API token: %s", c.APIAccessToken)
		logger.Printf("- Filename: %s", c.Metadata.Filename)
	} else {
		logger.Printf("- Location: s3://%s/%s (%s)", c.S3Bucket, c.S3Key, c.AWSRegion)
		logger.Printf("- AWS secret key: %s", c.AWSSecretAccessKey)
	}
	if len(c.ArchivePaths) > 0 {
		logger.Printf("- Archive paths: %s", strings.Join(c.ArchivePaths, ", "))
		logger.Printf("- Compression level: %d", c.CompressionLevel)
	} else {
		logger.Printf("- Source: %s", c.SourcePath)
	}
	logger.Printf("- Block size: %s", units.BytesSize(float64(c.Upload.BlockSize)))
	logger.Printf("- Concurrency: %d", c.Upload.Concurrency)
	logger.Printf("- Attempts per block: %d", c.Upload.MaxRetryPerBlock)
	logger.Printf("- Request timeout: %s", c.Upload.Timeout)
}

func parseInt(envRepo env.Repository, key string, defaultValue int) (int, error) {
	value := strings.TrimSpace(envRepo.Get(key))
	if value == "" {
		return defaultValue, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}

func isTrue(value string) bool {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "true", "yes", "1":
		return true
	}
	return false
}

// splitList splits a newline or comma separated input.
func splitList(value string) []string {
	var items []string
	for _, line := range strings.FieldsFunc(value, func(r rune) bool { return r == '\n' || r == ',' }) {
		if item := strings.TrimSpace(line); item != "" {
			items = append(items, item)
		}
	}
	return items
}
