package fs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"cloudsync/pkg/retry"
)

func TestCleanPath(t *testing.T) {
	for _, test := range []struct {
		in   string
		want string
	}{
		{"", "/"},
		{"/", "/"},
		{"docs", "/docs"},
		{"/docs/", "/docs"},
		{"docs//a/../b/", "/docs/b"},
		{"/../x", "/x"},
	} {
		assert.Equal(t, test.want, CleanPath(test.in), "in=%q", test.in)
	}
}

func TestParentAndBase(t *testing.T) {
	assert.Equal(t, "/docs", Parent("/docs/a.txt"))
	assert.Equal(t, "/", Parent("/docs"))
	assert.Equal(t, "/", Parent("/"))
	assert.Equal(t, "a.txt", Base("/docs/a.txt"))
	assert.Equal(t, "/docs/a.txt", Join("/docs", "a.txt"))
}

func TestIsWithin(t *testing.T) {
	assert.True(t, IsWithin("/a/b", "/a/b"))
	assert.True(t, IsWithin("/a/b/c/d", "/a/b"))
	assert.True(t, IsWithin("/anything", "/"))
	assert.False(t, IsWithin("/a/bc", "/a/b"))
	assert.False(t, IsWithin("/a", "/a/b"))
}

func TestKindOf(t *testing.T) {
	rejected := NewError(ServerRejected, "list", "/x", "no such dir", nil)
	assert.Equal(t, ServerRejected, KindOf(rejected))
	assert.Equal(t, ServerRejected, KindOf(fmt.Errorf("wrapped: %w", rejected)))
	assert.Equal(t, CancelledByUser, KindOf(context.Canceled))
	assert.Equal(t, TransientNetworkError, KindOf(errors.New("connection reset")))
	assert.Equal(t, "no such dir", Message(rejected))
	assert.True(t, IsKind(rejected, ServerRejected))
	assert.False(t, IsKind(nil, ServerRejected))
}

func TestRetryable(t *testing.T) {
	assert.Nil(t, Retryable(nil))
	assert.True(t, retry.IsRetryable(Retryable(errors.New("reset"))))
	assert.True(t, retry.IsRetryable(Retryable(NewError(ChunkIntegrityError, "upload_chunk", "", "md5 mismatch", nil))))
	assert.False(t, retry.IsRetryable(Retryable(NewError(ServerRejected, "list", "", "denied", nil))))
	assert.False(t, retry.IsRetryable(Retryable(context.Canceled)))
}
