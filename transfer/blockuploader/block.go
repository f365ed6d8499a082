package blockuploader

import (
	"context"
	"fmt"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

type attemptResult int

const (
	attemptSuccess attemptResult = iota
	attemptTransient
	attemptFatal
)

func (r attemptResult) String() string {
	switch r {
	case attemptSuccess:
		return "success"
	case attemptTransient:
		return "transient"
	case attemptFatal:
		return "fatal"
	default:
		return fmt.Sprintf("attemptResult(%d)", int(r))
	}
}

// blockUploader owns the retry loop of a single block.
type blockUploader struct {
	store        BlockStore
	maxAttempts  int
	retryWaitMax time.Duration
	rand         Rand
	sleep        func(ctx context.Context, d time.Duration)
	stats        *Stats
	logger       log.Logger
}

// upload returns the number of bytes accepted by the store.
// Cancellation is checked before every attempt and stops the block without further I/O.
func (b *blockUploader) upload(ctx context.Context, target Target, block Block) (int64, error) {
	var lastErr error

	for attempt := 0; attempt < b.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, fmt.Errorf("%w: block %d: %s", ErrCanceled, block.Index, err)
		}

		b.logger.Debugf("Uploading block %d (attempt %d/%d) [finished=%d] [avg=%v]",
			block.Index, attempt+1, b.maxAttempts,
			b.stats.FinishedCount(), b.stats.Average().Round(time.Millisecond))

		start := time.Now()
		result, err := b.attempt(ctx, target, block)
		switch result {
		case attemptSuccess:
			took := time.Since(start)
			b.stats.Update(took, block.Size())
			b.logger.Debugf("Block %d uploaded in %v", block.Index, took.Round(time.Millisecond))
			return block.Size(), nil
		case attemptFatal:
			return 0, &FatalTransportError{BlockIndex: block.Index, BlockID: block.ID, Attempts: attempt + 1, Err: err}
		}

		lastErr = err
		b.logger.Warnf("Block %d attempt %d failed: %v", block.Index, attempt+1, err)

		if attempt < b.maxAttempts-1 {
			b.stats.AddRetry()
			b.sleep(ctx, b.jitter())
		}
	}

	return 0, &FatalTransportError{BlockIndex: block.Index, BlockID: block.ID, Attempts: b.maxAttempts, Err: lastErr}
}

// attempt performs one request. The request runs detached from ctx cancellation:
// an in-flight transfer is allowed to finish, only new attempts are prevented.
func (b *blockUploader) attempt(ctx context.Context, target Target, block Block) (attemptResult, error) {
	err := b.store.PutBlock(context.WithoutCancel(ctx), target, block)
	switch {
	case err == nil:
		return attemptSuccess, nil
	case IsPermanent(err):
		return attemptFatal, err
	default:
		return attemptTransient, err
	}
}

// jitter returns a random pause in [0, retryWaitMax).
func (b *blockUploader) jitter() time.Duration {
	if b.retryWaitMax <= 0 {
		return 0
	}
	return time.Duration(b.rand.Int63n(int64(b.retryWaitMax)))
}

func sleepContext(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
