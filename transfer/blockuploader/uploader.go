package blockuploader

import (
	"context"
	"fmt"
	"hash"
	"io"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

type uploadState int

const (
	stateSplitting uploadState = iota
	stateDraining
	stateFinalizing
	stateSucceeded
	stateFailed
)

func (s uploadState) String() string {
	switch s {
	case stateSplitting:
		return "splitting"
	case stateDraining:
		return "draining"
	case stateFinalizing:
		return "finalizing"
	case stateSucceeded:
		return "succeeded"
	case stateFailed:
		return "failed"
	default:
		return fmt.Sprintf("uploadState(%d)", int(s))
	}
}

// Option customizes an Uploader.
type Option func(*Uploader)

// WithLogger sets the logger. The default logger is log.NewLogger().
func WithLogger(logger log.Logger) Option {
	return func(u *Uploader) {
		u.logger = logger
	}
}

// WithProgress registers an observer of uploaded bytes.
func WithProgress(fn ProgressFunc) Option {
	return func(u *Uploader) {
		u.progress = fn
	}
}

// WithHash replaces the MD5 stream digest.
func WithHash(newHash func() hash.Hash) Option {
	return func(u *Uploader) {
		u.newHash = newHash
	}
}

// Uploader splits a stream into blocks and uploads them in parallel.
type Uploader struct {
	config   Config
	store    BlockStore
	deleter  *Deleter
	logger   log.Logger
	progress ProgressFunc
	newHash  func() hash.Hash
	sleep    func(ctx context.Context, d time.Duration)
	stats    *Stats
}

// New creates a new Uploader with the given configuration.
func New(config Config, store BlockStore, opts ...Option) (*Uploader, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("%w: nil block store", ErrInvalidConfig)
	}

	u := &Uploader{
		config: config,
		store:  store,
		logger: log.NewLogger(),
		sleep:  sleepContext,
		stats:  NewStats(),
	}
	for _, opt := range opts {
		opt(u)
	}
	u.deleter = NewDeleter(store, u.logger)

	return u, nil
}

// Stats returns the upload statistics.
func (u *Uploader) Stats() *Stats {
	return u.stats
}

// Upload reads source until EOF and uploads it block by block to target.
//
// On success the returned Outcome lists the block identifiers in stream order together with
// the stream digest. Otherwise the returned error is an *UploadFailure: no more blocks are
// read once a failure is seen, already started blocks are waited for, and the partially
// written object is deleted once.
func (u *Uploader) Upload(ctx context.Context, source io.Reader, target Target) (*Outcome, error) {
	splitter, err := NewSplitter(source, u.config.BlockSize)
	if err != nil {
		return nil, err
	}

	digest := NewDigest(u.newHash)
	limiter := NewLimiter(u.config.Concurrency)
	progress := newProgressPump(u.progress)
	blocks := &blockUploader{
		store:        u.store,
		maxAttempts:  u.config.MaxRetryPerBlock,
		retryWaitMax: u.config.RetryWaitMax,
		rand:         u.config.Rand,
		sleep:        u.sleep,
		stats:        u.stats,
		logger:       u.logger,
	}

	var (
		failure  firstError
		wg       sync.WaitGroup
		blockIDs []string
		total    int64
	)

	state := stateSplitting
	u.logger.Debugf("Uploading to %s with %s blocks, %d parallel", target.ID,
		units.BytesSize(float64(u.config.BlockSize)), limiter.Capacity())

	for failure.get() == nil {
		if err := ctx.Err(); err != nil {
			failure.set(fmt.Errorf("%w: %s", ErrCanceled, err))
			break
		}

		block, err := splitter.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			failure.set(err)
			break
		}

		if err := digest.Fold(block); err != nil {
			failure.set(err)
			break
		}
		blockIDs = append(blockIDs, block.ID)
		total += block.Size()

		if err := limiter.Acquire(ctx); err != nil {
			failure.set(err)
			break
		}
		// a block may have failed while we were waiting for the slot
		if failure.get() != nil {
			limiter.Release()
			break
		}

		wg.Add(1)
		go func(block Block) {
			defer wg.Done()
			defer limiter.Release()

			n, err := blocks.upload(ctx, target, block)
			if err != nil {
				failure.set(err)
				return
			}
			progress.report(n)
		}(block)
	}

	state = u.transition(target, state, stateDraining)
	wg.Wait()
	progress.close()

	if reason := failure.get(); reason != nil {
		u.transition(target, state, stateFailed)
		return nil, u.fail(ctx, target, reason)
	}

	state = u.transition(target, state, stateFinalizing)
	outcome := &Outcome{
		TargetID:   target.ID,
		BlockIDs:   blockIDs,
		Digest:     digest.Sum(),
		TotalBytes: total,
	}
	u.transition(target, state, stateSucceeded)

	u.logger.Donef("Uploaded %d blocks (%s) to %s, %d retries",
		len(blockIDs), units.HumanSizeWithPrecision(float64(u.stats.Bytes()), 3), target.ID, u.stats.Retries())
	u.logger.Debugf("Total block upload time: %v, average: %v",
		u.stats.TotalDuration().Round(time.Millisecond), u.stats.Average().Round(time.Millisecond))

	return outcome, nil
}

func (u *Uploader) fail(ctx context.Context, target Target, reason error) error {
	u.logger.Errorf("Upload to %s failed: %s", target.ID, reason)

	failure := &UploadFailure{Target: target, Reason: reason}
	if err := u.deleter.Delete(ctx, target); err != nil {
		failure.Compensation = err
	}
	return failure
}

func (u *Uploader) transition(target Target, from, to uploadState) uploadState {
	u.logger.Debugf("Upload %s: %s -> %s", target.ID, from, to)
	return to
}

// firstError keeps the first error reported by any goroutine.
type firstError struct {
	mu  sync.Mutex
	err error
}

func (f *firstError) set(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

func (f *firstError) get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
