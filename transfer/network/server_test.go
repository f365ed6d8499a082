package network

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/blockpush/transfer/blockuploader"
)

const testToken = "test-token"

// documentServer fakes the metadata API together with the blob endpoint it hands out.
type documentServer struct {
	server *httptest.Server

	mu            sync.Mutex
	blocks        map[string][]byte
	failingBlocks map[string]bool
	blockListReqs []blockListRequest
	deletes       int
	content       []byte
	contentMD5    string
}

func newDocumentServer(t *testing.T) *documentServer {
	s := &documentServer{
		blocks:        map[string][]byte{},
		failingBlocks: map[string]bool{},
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.server.Close)

	return s
}

func (s *documentServer) URL() string {
	return s.server.URL
}

func (s *documentServer) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasPrefix(r.URL.Path, "/blob/"):
		s.handleBlob(w, r)
	case strings.HasPrefix(r.URL.Path, "/content/"):
		s.handleContent(w, r)
	default:
		if r.Header.Get("Authorization") != "Bearer "+testToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		s.handleAPI(w, r)
	}
}

func (s *documentServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/files/upload_url":
		writeJSON(w, http.StatusOK, uploadURLResponse{
			ID:  "doc-1",
			URL: s.server.URL + "/blob/doc-1?sig=secret",
		})
	case r.Method == http.MethodPost && r.URL.Path == "/files/block_list":
		var req blockListRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.blockListReqs = append(s.blockListReqs, req)
		s.mu.Unlock()

		writeJSON(w, http.StatusCreated, FileDocument{
			ID:            req.ID,
			Filename:      req.Filename,
			FileLength:    req.FileLength,
			FileMD5:       req.FileMD5,
			FileEncoding:  req.FileEncoding,
			StandardName:  req.StandardName,
			LanguageCode:  req.LanguageCode,
			DateOfSending: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
			Status:        1,
		})
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/download_url"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/files/"), "/download_url")
		s.mu.Lock()
		content := s.content
		checksum := s.contentMD5
		s.mu.Unlock()
		if id != "doc-1" || content == nil {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, downloadURLResponse{
			URL:     s.server.URL + "/content/" + id,
			FileMD5: checksum,
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *documentServer) handleBlob(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("sig") != "secret" {
		w.WriteHeader(http.StatusForbidden)
		return
	}

	switch r.Method {
	case http.MethodPut:
		if r.URL.Query().Get("comp") != "block" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id := r.URL.Query().Get("blockid")
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.failingBlocks[id] {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = fmt.Fprint(w, "storage unavailable")
			return
		}
		s.blocks[id] = body
		w.WriteHeader(http.StatusCreated)
	case http.MethodDelete:
		s.mu.Lock()
		s.deletes++
		s.mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// handleContent serves the committed document with range support, the way a blob endpoint does.
func (s *documentServer) handleContent(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	content := s.content
	s.mu.Unlock()

	http.ServeContent(w, r, "content", time.Time{}, bytes.NewReader(content))
}

func (s *documentServer) failBlock(index uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failingBlocks[blockuploader.BlockID(index)] = true
}

func (s *documentServer) setContent(content []byte, md5 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.content = content
	s.contentMD5 = md5
}

func (s *documentServer) assembled(blockIDs []string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []byte
	for _, id := range blockIDs {
		out = append(out, s.blocks[id]...)
	}
	return out
}

func (s *documentServer) storedBlockIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]string, 0, len(s.blocks))
	for id := range s.blocks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (s *documentServer) blockLists() []blockListRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]blockListRequest(nil), s.blockListReqs...)
}

func (s *documentServer) deleteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deletes
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
