package network

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/bitrise-io/blockpush/transfer/blockuploader"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

type uploadURLResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type blockListRequest struct {
	ID           string   `json:"id"`
	FileMD5      string   `json:"file_md5"`
	BlockList    []string `json:"block_list"`
	Receivers    string   `json:"receivers"`
	Filename     string   `json:"filename"`
	FileEncoding string   `json:"file_encoding"`
	StandardName string   `json:"standard_name"`
	LanguageCode string   `json:"language_code"`
	Status       string   `json:"status"`
	FileLength   int64    `json:"file_length"`
	BlockCount   int      `json:"block_count"`
}

type downloadURLResponse struct {
	URL     string `json:"url"`
	FileMD5 string `json:"file_md5"`
}

// FileDocument is the committed document returned by the metadata service.
type FileDocument struct {
	ID            string    `json:"id"`
	Filename      string    `json:"filename"`
	FileLength    int64     `json:"file_length"`
	FileMD5       string    `json:"file_md5"`
	FileEncoding  string    `json:"file_encoding"`
	StandardName  string    `json:"standard_name"`
	LanguageCode  string    `json:"language_code"`
	DateOfSending time.Time `json:"date_of_sending"`
	Status        int       `json:"status"`
}

// FileMetadata describes the document committed by FinalizeUpload.
type FileMetadata struct {
	Filename     string
	Receivers    string
	FileEncoding string
	StandardName string
	LanguageCode string
	Status       string
}

type apiClient struct {
	httpClient  *retryablehttp.Client
	baseURL     string
	accessToken string
	logger      log.Logger
}

func newAPIClient(client *retryablehttp.Client, baseURL string, accessToken string, logger log.Logger) apiClient {
	return apiClient{
		httpClient:  client,
		baseURL:     baseURL,
		accessToken: accessToken,
		logger:      logger,
	}
}

// obtainUploadTarget asks the metadata service for a new write endpoint.
func (c apiClient) obtainUploadTarget() (blockuploader.Target, error) {
	url := fmt.Sprintf("%s/files/upload_url", c.baseURL)

	req, err := retryablehttp.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return blockuploader.Target{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return blockuploader.Target{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK {
		return blockuploader.Target{}, unwrapError(resp)
	}

	var response uploadURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return blockuploader.Target{}, err
	}
	if response.ID == "" || response.URL == "" {
		return blockuploader.Target{}, fmt.Errorf("incomplete upload target: id=%q url set=%t", response.ID, response.URL != "")
	}

	return blockuploader.Target{ID: response.ID, URL: response.URL}, nil
}

// finalizeUpload commits the uploaded block list.
func (c apiClient) finalizeUpload(target blockuploader.Target, outcome blockuploader.Outcome, metadata FileMetadata) (FileDocument, error) {
	url := fmt.Sprintf("%s/files/block_list", c.baseURL)

	body, err := json.Marshal(blockListRequest{
		ID:           target.ID,
		FileMD5:      outcome.DigestBase64(),
		BlockList:    outcome.BlockIDs,
		Receivers:    metadata.Receivers,
		Filename:     metadata.Filename,
		FileEncoding: metadata.FileEncoding,
		StandardName: metadata.StandardName,
		LanguageCode: metadata.LanguageCode,
		Status:       metadata.Status,
		FileLength:   outcome.TotalBytes,
		BlockCount:   len(outcome.BlockIDs),
	})
	if err != nil {
		return FileDocument{}, err
	}

	req, err := retryablehttp.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return FileDocument{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))
	req.Header.Set("Content-type", "application/json")

	c.logger.Debugf("Block list request dump: %s", c.dumpRequest(req.Request))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FileDocument{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return FileDocument{}, unwrapError(resp)
	}

	var document FileDocument
	if err := json.NewDecoder(resp.Body).Decode(&document); err != nil {
		return FileDocument{}, err
	}

	return document, nil
}

// downloadURL returns a read URL and the stored checksum of a committed document.
func (c apiClient) downloadURL(id string) (downloadURLResponse, error) {
	apiURL := fmt.Sprintf("%s/files/%s/download_url", c.baseURL, url.PathEscape(id))

	req, err := retryablehttp.NewRequest(http.MethodGet, apiURL, nil)
	if err != nil {
		return downloadURLResponse{}, err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.accessToken))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return downloadURLResponse{}, err
	}
	defer c.closeBody(resp.Body)

	if resp.StatusCode == http.StatusNotFound {
		return downloadURLResponse{}, ErrFileNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return downloadURLResponse{}, unwrapError(resp)
	}

	var response downloadURLResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return downloadURLResponse{}, err
	}

	return response, nil
}

func (c apiClient) closeBody(body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.logger.Warnf("%s", err)
	}
}

// dumpRequest dumps the request headers without the access token.
func (c apiClient) dumpRequest(req *http.Request) string {
	redacted := req.Clone(req.Context())
	redacted.Header.Del("Authorization")

	dump, err := httputil.DumpRequest(redacted, false)
	if err != nil {
		c.logger.Warnf("error while dumping request: %s", err)
	}
	return string(dump)
}

func unwrapError(resp *http.Response) error {
	errorResp, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return fmt.Errorf("HTTP %d: %s", resp.StatusCode, errorResp)
}
