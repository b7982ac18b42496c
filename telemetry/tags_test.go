package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTaggedRequest() *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	return InjectTags(r)
}

func TestInjectTags_DefaultsCacheResultToBypass(t *testing.T) {
	tags := GetTags(newTaggedRequest())
	require.NotNil(t, tags)
	require.Equal(t, CacheBypass, tags.CacheResult)
	require.Empty(t, tags.Endpoint)
	require.Empty(t, tags.ErrorKind)
}

func TestGetTags_NilWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	require.Nil(t, GetTags(r))
}

func TestSetters(t *testing.T) {
	r := newTaggedRequest()
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "document")
	SetErrorKind(r, "not_found")

	tags := TagsFromContext(r.Context())
	require.Equal(t, CacheHit, tags.CacheResult)
	require.Equal(t, "document", tags.Endpoint)
	require.Equal(t, "not_found", tags.ErrorKind)
}

func TestSetters_NoopWithoutInject(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/test", nil)
	SetCacheResult(r, CacheHit)
	SetEndpoint(r, "document")
	SetErrorKind(r, "unknown")
	require.Nil(t, GetTags(r))
}
