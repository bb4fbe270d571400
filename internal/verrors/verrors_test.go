package verrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	base := errors.New("connection refused")

	e := New(KindConnectFailed, "ssh_exec", "web-1", base)
	assert.Equal(t, "CONNECT_FAILED: ssh_exec failed on web-1: connection refused", e.Error())

	e = New(KindStoreError, "insert_sample", "", base)
	assert.Equal(t, "STORE_ERROR: insert_sample failed: connection refused", e.Error())

	e = New(KindTimeout, "collect", "web-1", nil)
	assert.Equal(t, "TIMEOUT: collect failed on web-1", e.Error())

	e = New(KindInternal, "startup", "", nil)
	assert.Equal(t, "INTERNAL: startup failed", e.Error())
}

func TestUnwrapAndKindMatching(t *testing.T) {
	base := errors.New("boom")
	e := New(KindTimeout, "collect", "web-1", base)

	assert.ErrorIs(t, e, base)
	assert.True(t, IsKind(e, KindTimeout))
	assert.False(t, IsKind(e, KindUnreachable))
	assert.Equal(t, KindTimeout, KindOf(e))

	// Wrapped in another layer the kind still surfaces.
	wrapped := fmt.Errorf("collecting: %w", e)
	assert.True(t, IsKind(wrapped, KindTimeout))
	assert.Equal(t, KindTimeout, KindOf(wrapped))

	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.False(t, IsKind(nil, KindTimeout))
}

func TestErrorIsSentinel(t *testing.T) {
	e := New(KindNotFound, "get_host", "", nil)
	sentinel := New(KindNotFound, "other_op", "other-host", nil)
	assert.ErrorIs(t, e, sentinel, "Is matches on kind alone")
	assert.NotErrorIs(t, e, New(KindForbidden, "get_host", "", nil))
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindNotFound, http.StatusNotFound},
		{KindBadRequest, http.StatusBadRequest},
		{KindConfigError, http.StatusBadRequest},
		{KindForbidden, http.StatusForbidden},
		{KindStoreError, http.StatusInternalServerError},
		{KindSSHError, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(New(tc.kind, "op", "", nil)), "kind %s", tc.kind)
	}
	assert.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestRetryable(t *testing.T) {
	for _, kind := range []Kind{KindStoreError, KindTimeout, KindUnreachable, KindConnectFailed} {
		assert.True(t, Retryable(New(kind, "op", "", nil)), "kind %s", kind)
	}
	for _, kind := range []Kind{KindAuthFailed, KindParseError, KindNotFound, KindSkipped} {
		assert.False(t, Retryable(New(kind, "op", "", nil)), "kind %s", kind)
	}
	assert.False(t, Retryable(errors.New("plain")))
}
