package sha256_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capfirst/capvault/internal/capture"
	"github.com/capfirst/capvault/internal/hash/sha256"
)

func TestSum(t *testing.T) {
	t.Run("KnownVector", func(t *testing.T) {
		got := sha256.Sum([]byte("hello world"))
		assert.Equal(t, capture.Digest("b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"), got)
	})

	t.Run("EmptyInput", func(t *testing.T) {
		got := sha256.Sum(nil)
		assert.Equal(t, capture.Digest("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"), got)
	})

	t.Run("Deterministic", func(t *testing.T) {
		assert.Equal(t, sha256.Sum([]byte("abc")), sha256.Sum([]byte("abc")))
	})
}

func TestValid(t *testing.T) {
	assert.True(t, sha256.Valid(sha256.Sum([]byte("x"))))
	assert.False(t, sha256.Valid("not-a-digest"))
	assert.False(t, sha256.Valid("B94D27B9934D3E08A52E52D7DA7DABFAC484EFE37A5380EE9088F7ACE2EFCDE9"))
	assert.False(t, sha256.Valid(""))
}
