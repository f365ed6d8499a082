package blockuploader

import (
	"crypto/md5"
	"fmt"
	"hash"
)

// Digest folds blocks into a running hash of the whole stream.
// Blocks must be folded in split order, which is why the orchestrator feeds it from the
// splitting path and never from upload completions.
type Digest struct {
	hash   hash.Hash
	next   uint32
	folded bool
}

// NewDigest creates a Digest. A nil newHash selects MD5, the checksum the metadata service stores.
func NewDigest(newHash func() hash.Hash) *Digest {
	if newHash == nil {
		newHash = md5.New
	}
	return &Digest{hash: newHash()}
}

// Fold adds the block to the digest.
func (d *Digest) Fold(block Block) error {
	if block.Index != d.next || (d.folded && block.Index == 0) {
		return fmt.Errorf("digest: got block %d, expected %d", block.Index, d.next)
	}

	// hash.Hash.Write never returns an error
	_, _ = d.hash.Write(block.Payload)
	d.next = block.Index + 1
	d.folded = true
	return nil
}

// Sum returns the digest of everything folded so far.
func (d *Digest) Sum() []byte {
	return d.hash.Sum(nil)
}
