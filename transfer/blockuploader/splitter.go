package blockuploader

import (
	"errors"
	"fmt"
	"io"
	"math"
)

// Splitter reads a stream sequentially and yields fixed-size blocks.
// It is not safe for concurrent use; the orchestrator is its only caller.
type Splitter struct {
	reader    io.Reader
	buf       []byte
	nextIndex uint64
	done      bool
}

// NewSplitter creates a Splitter reading blockSize bytes per block.
func NewSplitter(reader io.Reader, blockSize int) (*Splitter, error) {
	if reader == nil {
		return nil, fmt.Errorf("%w: nil source reader", ErrInvalidConfig)
	}
	if blockSize < 1 || blockSize > MaxBlockSize {
		return nil, fmt.Errorf("%w: block size %d is outside [1, %d]", ErrInvalidConfig, blockSize, MaxBlockSize)
	}

	return &Splitter{
		reader: reader,
		buf:    make([]byte, blockSize),
	}, nil
}

// Next returns the next block, or io.EOF once the stream is exhausted.
// Only the last block can be shorter than the block size.
// The returned payload is a copy; the read buffer is reused by the following call.
func (s *Splitter) Next() (Block, error) {
	if s.done {
		return Block{}, io.EOF
	}
	if s.nextIndex > math.MaxUint32 {
		s.done = true
		return Block{}, &ReadError{BlockIndex: math.MaxUint32, Err: errors.New("too many blocks")}
	}
	index := uint32(s.nextIndex)

	n, err := io.ReadFull(s.reader, s.buf)
	switch {
	case errors.Is(err, io.EOF):
		s.done = true
		return Block{}, io.EOF
	case errors.Is(err, io.ErrUnexpectedEOF):
		s.done = true
	case err != nil:
		s.done = true
		return Block{}, &ReadError{BlockIndex: index, Err: err}
	}

	payload := make([]byte, n)
	copy(payload, s.buf[:n])
	s.nextIndex++

	return Block{
		Index:   index,
		ID:      BlockID(index),
		Payload: payload,
	}, nil
}

// BlockCount returns how many blocks a stream of size bytes is split into.
func BlockCount(size int64, blockSize int) int64 {
	if size <= 0 || blockSize <= 0 {
		return 0
	}
	return (size + int64(blockSize) - 1) / int64(blockSize)
}
