// Package blockuploader uploads a byte stream to a block-oriented object store.
// The stream is split into fixed-size blocks which are uploaded in parallel under a
// concurrency limit, with per-block retries and a digest computed in stream order.
// A failed upload is cleaned up with a single best-effort delete.
package blockuploader

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"fmt"
)

// Target is the destination of one upload, handed out by the metadata service.
type Target struct {
	// ID identifies the upload towards the metadata service.
	ID string
	// URL is the time limited write endpoint of the object.
	URL string
}

// Block is a contiguous piece of the source stream.
type Block struct {
	Index   uint32
	ID      string
	Payload []byte
}

// Size returns the payload length.
func (b Block) Size() int64 {
	return int64(len(b.Payload))
}

// BlockID returns the identifier of the block at index.
// Every identifier is the base64 encoding of the 4 byte little-endian index, so all
// identifiers of an upload have the same length.
func BlockID(index uint32) string {
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], index)
	return base64.StdEncoding.EncodeToString(raw[:])
}

// ParseBlockID returns the index encoded in a block identifier.
func ParseBlockID(id string) (uint32, error) {
	raw, err := base64.StdEncoding.DecodeString(id)
	if err != nil {
		return 0, fmt.Errorf("decode block id %q: %w", id, err)
	}
	if len(raw) != 4 {
		return 0, fmt.Errorf("block id %q is %d bytes long, expected 4", id, len(raw))
	}
	return binary.LittleEndian.Uint32(raw), nil
}

// Outcome is the result of a completed upload.
type Outcome struct {
	TargetID string
	// BlockIDs lists block identifiers in split order.
	BlockIDs   []string
	Digest     []byte
	TotalBytes int64
}

// DigestBase64 returns the digest in the encoding the metadata service expects.
func (o Outcome) DigestBase64() string {
	return base64.StdEncoding.EncodeToString(o.Digest)
}

// BlockStore is the transport of block uploads.
// Implementations can talk to Azure style block blobs, S3 multipart uploads or fakes.
type BlockStore interface {
	// PutBlock uploads one block. Errors are retried unless wrapped with Permanent.
	PutBlock(ctx context.Context, target Target, block Block) error

	// Delete removes the partially written object.
	Delete(ctx context.Context, target Target) error
}

// ProgressFunc receives the size of every successfully uploaded block.
type ProgressFunc func(bytesAccepted int64)
