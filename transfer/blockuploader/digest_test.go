package blockuploader

import (
	"crypto/md5"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigest_MatchesWholeStream(t *testing.T) {
	data := testPayload(1000)
	digest := NewDigest(nil)

	for i := 0; i*300 < len(data); i++ {
		end := (i + 1) * 300
		if end > len(data) {
			end = len(data)
		}
		require.NoError(t, digest.Fold(Block{Index: uint32(i), Payload: data[i*300 : end]}))
	}

	want := md5.Sum(data)
	assert.Equal(t, want[:], digest.Sum())
}

func TestDigest_CustomHash(t *testing.T) {
	digest := NewDigest(sha256.New)
	require.NoError(t, digest.Fold(Block{Index: 0, Payload: []byte("hello")}))

	want := sha256.Sum256([]byte("hello"))
	assert.Equal(t, want[:], digest.Sum())
}

func TestDigest_RejectsOutOfOrderBlocks(t *testing.T) {
	digest := NewDigest(nil)

	assert.Error(t, digest.Fold(Block{Index: 1, Payload: []byte("b")}))
	require.NoError(t, digest.Fold(Block{Index: 0, Payload: []byte("a")}))
	assert.Error(t, digest.Fold(Block{Index: 0, Payload: []byte("a")}))
	assert.Error(t, digest.Fold(Block{Index: 2, Payload: []byte("c")}))
	require.NoError(t, digest.Fold(Block{Index: 1, Payload: []byte("b")}))

	want := md5.Sum([]byte("ab"))
	assert.Equal(t, want[:], digest.Sum())
}
