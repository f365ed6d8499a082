package blockuploader

import (
	"context"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
)

const defaultDeleteTimeout = 30 * time.Second

// Deleter removes the remote object of an upload that could not complete.
type Deleter struct {
	store   BlockStore
	timeout time.Duration
	logger  log.Logger
}

// NewDeleter creates a Deleter on top of store.
func NewDeleter(store BlockStore, logger log.Logger) *Deleter {
	return &Deleter{
		store:   store,
		timeout: defaultDeleteTimeout,
		logger:  logger,
	}
}

// Delete makes a single delete attempt. It runs even if ctx is already canceled, since
// cleanup usually follows a cancellation. The returned error is a *CompensationError.
func (d *Deleter) Delete(ctx context.Context, target Target) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.timeout)
	defer cancel()

	d.logger.Debugf("Deleting partially uploaded object %s", target.ID)
	if err := d.store.Delete(ctx, target); err != nil {
		cerr := &CompensationError{Target: target, Err: err}
		d.logger.Warnf("Failed to clean up after failed upload: %s", cerr)
		return cerr
	}
	d.logger.Debugf("Partially uploaded object %s deleted", target.ID)

	return nil
}
