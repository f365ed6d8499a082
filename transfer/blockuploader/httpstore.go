package blockuploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/bitrise-io/go-utils/v2/log"
)

// HTTPStore uploads blocks to an Azure style block blob endpoint.
// The target URL is expected to carry its own authorization, e.g. a SAS token.
type HTTPStore struct {
	client *http.Client
	logger log.Logger
}

// NewHTTPStore creates an HTTPStore. A nil client is replaced by DefaultHTTPClient.
func NewHTTPStore(client *http.Client, logger log.Logger) *HTTPStore {
	if client == nil {
		client = DefaultHTTPClient(DefaultConfig().Timeout)
	}
	return &HTTPStore{
		client: client,
		logger: logger,
	}
}

// PutBlock uploads the block with a PUT to the block scoped endpoint.
func (s *HTTPStore) PutBlock(ctx context.Context, target Target, block Block) error {
	blockURL, err := BlockURL(target.URL, block.ID)
	if err != nil {
		return Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, blockURL, bytes.NewReader(block.Payload))
	if err != nil {
		return Permanent(fmt.Errorf("create request: %w", err))
	}
	req.ContentLength = block.Size()
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransientTransportError{Err: fmt.Errorf("do request: %w", err)}
	}
	defer s.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &TransientTransportError{StatusCode: resp.StatusCode, Body: readErrorBody(resp.Body)}
	}

	return nil
}

// Delete removes the whole object.
func (s *HTTPStore) Delete(ctx context.Context, target Target) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, target.URL, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer s.closeBody(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, readErrorBody(resp.Body))
	}

	return nil
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (s *HTTPStore) CloseIdleConnections() {
	s.client.CloseIdleConnections()
}

func (s *HTTPStore) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		s.logger.Warnf("%s", err)
	}
}

// BlockURL adds the block addressing query to the object endpoint.
func BlockURL(endpoint, blockID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("endpoint is not an absolute URL: %q", endpoint)
	}

	q := u.Query()
	q.Set("comp", "block")
	q.Set("blockid", blockID)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

func readErrorBody(body io.Reader) string {
	errorBody := make([]byte, 1024)
	n, _ := io.ReadAtLeast(body, errorBody, 1)
	return string(errorBody[:n])
}
