package network

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/bitrise-io/blockpush/transfer/blockuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/docker/go-units"
)

// UploadParams ...
type UploadParams struct {
	APIBaseURL string
	Token      string
	Source     io.Reader
	// SourceSize is only used for logging and progress, 0 if unknown.
	SourceSize int64
	Metadata   FileMetadata
	Config     blockuploader.Config
	Progress   blockuploader.ProgressFunc
	// Store overrides the block transport. Defaults to an HTTPStore.
	Store blockuploader.BlockStore
}

// ErrFileNotFound ...
var ErrFileNotFound = errors.New("no file found for the provided id")

// Upload a stream block by block and commit it as a new document.
// The document is only committed if every block was uploaded.
func Upload(ctx context.Context, params UploadParams, logger log.Logger) (FileDocument, error) {
	if err := validateUploadParams(params); err != nil {
		return FileDocument{}, err
	}

	client := newAPIClient(retryhttp.NewClient(logger), params.APIBaseURL, params.Token, logger)

	store := params.Store
	if store == nil {
		httpClient := params.Config.HTTPClient
		if httpClient == nil && params.Config.Timeout > 0 {
			httpClient = blockuploader.DefaultHTTPClient(params.Config.Timeout)
		}
		httpStore := blockuploader.NewHTTPStore(httpClient, logger)
		defer httpStore.CloseIdleConnections()
		store = httpStore
	}

	uploader, err := blockuploader.New(params.Config, store,
		blockuploader.WithLogger(logger),
		blockuploader.WithProgress(params.Progress),
	)
	if err != nil {
		return FileDocument{}, err
	}

	logger.Debugf("Get upload URL")
	target, err := client.obtainUploadTarget()
	if err != nil {
		return FileDocument{}, fmt.Errorf("failed to get upload URL: %w", err)
	}
	logger.Debugf("Upload ID: %s", target.ID)

	logger.Println()
	if params.SourceSize > 0 {
		logger.Infof("Uploading %s (%s)...", params.Metadata.Filename, units.HumanSizeWithPrecision(float64(params.SourceSize), 3))
	} else {
		logger.Infof("Uploading %s...", params.Metadata.Filename)
	}
	outcome, err := uploader.Upload(ctx, params.Source, target)
	if err != nil {
		return FileDocument{}, fmt.Errorf("failed to upload blocks: %w", err)
	}

	logger.Debugf("")
	logger.Debugf("Commit block list")
	document, err := client.finalizeUpload(target, *outcome, params.Metadata)
	if err != nil {
		return FileDocument{}, fmt.Errorf("failed to finalize upload: %w", err)
	}
	if document.FileMD5 != "" && document.FileMD5 != outcome.DigestBase64() {
		logger.Warnf("Checksum reported by the server (%s) differs from the uploaded stream (%s)", document.FileMD5, outcome.DigestBase64())
	}
	logger.Donef("Document %s committed", document.ID)

	return document, nil
}

func validateUploadParams(params UploadParams) error {
	if params.APIBaseURL == "" {
		return fmt.Errorf("API base URL is empty")
	}
	if params.Token == "" {
		return fmt.Errorf("API token is empty")
	}
	if params.Source == nil {
		return fmt.Errorf("upload source is nil")
	}
	if params.Metadata.Filename == "" {
		return fmt.Errorf("filename is empty")
	}
	return nil
}
