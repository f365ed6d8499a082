package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bitrise-io/blockpush/transfer/compression"
	"github.com/bitrise-io/blockpush/transfer/keytemplate"
	"github.com/bitrise-io/blockpush/transfer/network"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
	"github.com/joho/godotenv"
)

func main() {
	logger := log.NewLogger()
	if err := run(os.Args[1:], logger); err != nil {
		logger.Println()
		logger.Errorf("%s", err)
		os.Exit(1)
	}
}

func run(args []string, logger log.Logger) error {
	if err := loadEnvFile(os.Getenv("BLOCKPUSH_ENV_FILE")); err != nil {
		return err
	}
	envRepo := env.NewRepository()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := "upload"
	if len(args) > 0 {
		cmd = args[0]
	}

	switch cmd {
	case "upload":
		return upload(ctx, envRepo, logger)
	case "download":
		return download(ctx, envRepo, logger)
	default:
		return fmt.Errorf("unknown command '%s', expected 'upload' or 'download'", cmd)
	}
}

// loadEnvFile loads inputs from a dotenv file. Variables that are already set win.
func loadEnvFile(path string) error {
	if path == "" {
		path = ".env"
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			return nil
		}
	}

	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func upload(ctx context.Context, envRepo env.Repository, logger log.Logger) error {
	config, err := parseUploadConfig(envRepo)
	if err != nil {
		return fmt.Errorf("failed to parse inputs: %w", err)
	}
	logger.EnableDebugLog(config.Verbose)
	if err := config.evaluateNames(keytemplate.NewModel(envRepo, logger)); err != nil {
		return err
	}
	config.print(logger)

	source, size, err := openSource(config, envRepo, logger)
	if err != nil {
		return err
	}
	defer source.Close() //nolint:errcheck

	progress := newProgressLogger(logger, size)
	startTime := time.Now()

	logger.Println()
	if config.Backend == backendS3 {
		result, err := network.UploadToS3(ctx, network.S3UploadParams{
			Source:          source,
			SourceSize:      size,
			Key:             config.S3Key,
			Region:          config.AWSRegion,
			Bucket:          config.S3Bucket,
			AccessKeyID:     config.AWSAccessKeyID,
			SecretAccessKey: string(config.AWSSecretAccessKey),
			Config:          config.Upload,
			Progress:        progress.report,
		}, logger)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		logger.Printf("ETag: %s", result.ETag)
		logger.Printf("MD5: %s", result.Outcome.DigestBase64())
	} else {
		document, err := network.Upload(ctx, network.UploadParams{
			APIBaseURL: config.APIBaseURL,
			Token:      string(config.APIAccessToken),
			Source:     source,
			SourceSize: size,
			Metadata:   config.Metadata,
			Config:     config.Upload,
			Progress:   progress.report,
		}, logger)
		if err != nil {
			return fmt.Errorf("upload failed: %w", err)
		}
		logger.Printf("Document ID: %s", document.ID)
		logger.Printf("MD5: %s", document.FileMD5)
	}

	logger.Donef("Uploaded %s in %s", units.HumanSizeWithPrecision(float64(progress.accepted), 3), time.Since(startTime).Round(time.Millisecond))
	return nil
}

func openSource(config uploadConfig, envRepo env.Repository, logger log.Logger) (io.ReadCloser, int64, error) {
	if len(config.ArchivePaths) > 0 {
		paths, err := compression.NewPathExpander(logger).ExpandPaths(config.ArchivePaths)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to parse paths: %w", err)
		}
		if compression.AreAllPathsEmpty(paths) {
			return nil, 0, fmt.Errorf("nothing to archive, all paths are empty or missing")
		}

		archiver := compression.NewArchiver(logger, envRepo, compression.NewDependencyChecker(logger, envRepo), config.CompressionLevel)
		return archiver.Stream(paths), 0, nil
	}

	if config.SourcePath == "-" {
		return io.NopCloser(os.Stdin), 0, nil
	}

	file, err := os.Open(config.SourcePath)
	if err != nil {
		return nil, 0, fmt.Errorf("open source: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close() //nolint:errcheck
		return nil, 0, fmt.Errorf("stat source: %w", err)
	}
	if info.IsDir() {
		file.Close() //nolint:errcheck
		return nil, 0, fmt.Errorf("source %s is a directory, use BLOCKPUSH_ARCHIVE_PATHS instead", config.SourcePath)
	}

	return file, info.Size(), nil
}

func download(ctx context.Context, envRepo env.Repository, logger log.Logger) error {
	config, err := parseDownloadConfig(envRepo)
	if err != nil {
		return fmt.Errorf("failed to parse inputs: %w", err)
	}
	logger.EnableDebugLog(config.Verbose)

	startTime := time.Now()
	path, err := network.Download(ctx, network.DownloadParams{
		APIBaseURL:   config.APIBaseURL,
		Token:        string(config.APIAccessToken),
		FileID:       config.FileID,
		DownloadPath: config.DownloadPath,
	}, logger)
	if err != nil {
		if errors.Is(err, network.ErrFileNotFound) {
			return fmt.Errorf("document %s not found", config.FileID)
		}
		return fmt.Errorf("download failed: %w", err)
	}
	logger.Donef("Downloaded %s in %s", path, time.Since(startTime).Round(time.Millisecond))

	if config.ExtractTo == "" {
		return nil
	}

	archive, err := os.Open(path)
	if err != nil {
		return err
	}
	defer archive.Close() //nolint:errcheck

	if err := compression.Extract(archive, config.ExtractTo); err != nil {
		return fmt.Errorf("extract failed: %w", err)
	}
	logger.Donef("Extracted to %s", config.ExtractTo)

	return nil
}

// progressLogger prints upload progress in 10% steps, or every few blocks when the size is unknown.
type progressLogger struct {
	logger   log.Logger
	total    int64
	accepted int64
	lastStep int64
	blocks   int
}

func newProgressLogger(logger log.Logger, total int64) *progressLogger {
	return &progressLogger{logger: logger, total: total}
}

// report is a blockuploader.ProgressFunc, calls are never concurrent.
func (p *progressLogger) report(n int64) {
	p.accepted += n
	p.blocks++

	if p.total > 0 {
		step := p.accepted * 10 / p.total
		if step > p.lastStep {
			p.lastStep = step
			p.logger.Printf("%d%% (%s / %s)", step*10, units.HumanSizeWithPrecision(float64(p.accepted), 3), units.HumanSizeWithPrecision(float64(p.total), 3))
		}
		return
	}

	if p.blocks%25 == 0 {
		p.logger.Printf("%s uploaded", units.HumanSizeWithPrecision(float64(p.accepted), 3))
	}
}
