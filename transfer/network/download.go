package network

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/melbahja/got"
)

// DownloadParams ...
type DownloadParams struct {
	APIBaseURL   string
	Token        string
	FileID       string
	DownloadPath string
}

// ErrChecksumMismatch is returned when the downloaded file does not match the committed digest.
var ErrChecksumMismatch = errors.New("downloaded file checksum mismatch")

// Download a committed document to params.DownloadPath and verify it against the stored MD5.
// If the document doesn't exist, the error is ErrFileNotFound.
func Download(ctx context.Context, params DownloadParams, logger log.Logger) (string, error) {
	if params.APIBaseURL == "" {
		return "", fmt.Errorf("API base URL is empty")
	}

	if params.Token == "" {
		return "", fmt.Errorf("API token is empty")
	}

	if params.FileID == "" {
		return "", fmt.Errorf("file ID is empty")
	}

	retryableHTTPClient := retryhttp.NewClient(logger)
	retryableHTTPClient.CheckRetry = createCustomRetryFunction(logger)
	client := newAPIClient(retryableHTTPClient, params.APIBaseURL, params.Token, logger)

	logger.Debugf("Get download URL")
	response, err := client.downloadURL(params.FileID)
	if err != nil {
		return "", fmt.Errorf("failed to get download URL: %w", err)
	}

	logger.Debugf("Download file")
	if err := downloadFile(ctx, retryableHTTPClient.StandardClient(), response.URL, params.DownloadPath); err != nil {
		return "", fmt.Errorf("failed to download file: %w", err)
	}

	if response.FileMD5 == "" {
		logger.Warnf("No checksum stored for %s, skipping verification", params.FileID)
		return params.DownloadPath, nil
	}

	checksum, err := checksumOfFile(params.DownloadPath)
	if err != nil {
		return "", fmt.Errorf("checksum of downloaded file: %w", err)
	}
	if checksum != response.FileMD5 {
		if err := os.Remove(params.DownloadPath); err != nil {
			logger.Warnf("Failed to remove corrupt download: %s", err)
		}
		return "", fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, response.FileMD5, checksum)
	}
	logger.Debugf("Checksum verified: %s", checksum)

	return params.DownloadPath, nil
}

func createCustomRetryFunction(logger log.Logger) func(context.Context, *http.Response, error) (bool, error) {
	return func(ctx context.Context, resp *http.Response, downloadErr error) (bool, error) {
		retry, err := retryablehttp.DefaultRetryPolicy(ctx, resp, downloadErr)
		logger.Debugf("CheckRetry: retry=%v ; err=%+v ; downloadErr=%+v", retry, err, downloadErr)
		return retry, err
	}
}

func downloadFile(ctx context.Context, client *http.Client, url string, dest string) error {
	downloader := got.New()
	downloader.Client = client

	return downloader.Do(got.NewDownload(ctx, url, dest))
}

// checksumOfFile returns the base64 encoded MD5 of the file, the format the metadata service stores.
func checksumOfFile(path string) (string, error) {
	hash := md5.New()

	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close() //nolint:errcheck

	if _, err := io.Copy(hash, file); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(hash.Sum(nil)), nil
}
