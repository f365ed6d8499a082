package blockuploader

import (
	"fmt"
	"math/rand"
	"net/http"
	"sync"
	"time"
)

const (
	// MaxBlockSize is the largest block the remote store accepts.
	MaxBlockSize = 100 * 1024 * 1024

	// DefaultBlockSize is used when Config.BlockSize is zero.
	DefaultBlockSize = 4 * 1024 * 1024
)

// Config holds configuration for the block uploader.
type Config struct {
	// Concurrency is the maximum number of parallel block uploads.
	// 1 uploads blocks strictly one after the other.
	// Default: 1
	Concurrency int

	// BlockSize is the number of bytes read from the source per block.
	// Default: 4 MiB, maximum MaxBlockSize
	BlockSize int

	// MaxRetryPerBlock is the number of attempts made for a single block.
	// Default: 3
	MaxRetryPerBlock int

	// RetryWaitMax is the exclusive upper bound of the random pause between attempts.
	// Default: 1 second
	RetryWaitMax time.Duration

	// Timeout bounds a single HTTP request when HTTPClient is nil.
	// Default: 100 seconds
	Timeout time.Duration

	// HTTPClient is the HTTP client to use for block requests.
	// If nil, a default client will be created.
	HTTPClient *http.Client

	// Rand is the source of retry jitter. If nil, a time seeded source is used.
	Rand Rand
}

// Rand is the subset of *rand.Rand used for retry jitter.
type Rand interface {
	Int63n(n int64) int64
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      1,
		BlockSize:        DefaultBlockSize,
		MaxRetryPerBlock: 3,
		RetryWaitMax:     time.Second,
		Timeout:          100 * time.Second,
		HTTPClient:       nil, // Will be created by NewHTTPStore
		Rand:             nil, // Will be created by New
	}
}

// Validate reports caller configuration errors.
func (c Config) Validate() error {
	if c.BlockSize < 1 || c.BlockSize > MaxBlockSize {
		return fmt.Errorf("%w: block size %d is outside [1, %d]", ErrInvalidConfig, c.BlockSize, MaxBlockSize)
	}
	if c.MaxRetryPerBlock < 1 {
		return fmt.Errorf("%w: at least one attempt per block is required, got %d", ErrInvalidConfig, c.MaxRetryPerBlock)
	}
	if c.RetryWaitMax < 0 {
		return fmt.Errorf("%w: negative retry wait %s", ErrInvalidConfig, c.RetryWaitMax)
	}
	return nil
}

// withDefaults fills zero values from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency < 1 {
		c.Concurrency = d.Concurrency
	}
	if c.BlockSize == 0 {
		c.BlockSize = d.BlockSize
	}
	if c.MaxRetryPerBlock == 0 {
		c.MaxRetryPerBlock = d.MaxRetryPerBlock
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.Rand == nil {
		c.Rand = NewLockedRand(time.Now().UnixNano())
	}
	return c
}

// DefaultHTTPClient creates an HTTP client tuned for block uploads.
func DefaultHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

// LockedRand is a Rand safe for use by concurrent block uploads.
type LockedRand struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

// NewLockedRand returns a LockedRand seeded with seed.
func NewLockedRand(seed int64) *LockedRand {
	return &LockedRand{rnd: rand.New(rand.NewSource(seed))}
}

// Int63n returns a non-negative pseudo-random number in [0, n).
func (r *LockedRand) Int63n(n int64) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Int63n(n)
}
