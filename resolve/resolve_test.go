package resolve

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/docloader"
	"github.com/wolfeidau/docloader/storage"
)

const base = "https://abc.supabase.co"

// countingService records calls so tests can assert resolution stays offline.
type countingService struct {
	calls int
}

func (s *countingService) PublicURL(bucket, path string) (string, error) {
	return base + storage.PublicPath + bucket + "/" + storage.EscapePath(path), nil
}

func (s *countingService) SignedURL(_ context.Context, bucket, path string, ttl time.Duration) (string, error) {
	s.calls++
	return base + "/storage/v1/object/sign/" + bucket + "/" + path + "?token=t" + ttl.String(), nil
}

func (s *countingService) Download(_ context.Context, _, _ string) ([]byte, error) {
	s.calls++
	return []byte("downloaded"), nil
}

type stubFetcher struct {
	urls []string
}

func (f *stubFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.urls = append(f.urls, url)
	return []byte("fetched " + url), nil
}

func newResolver(svc storage.Service) *Resolver {
	cfg := DefaultConfig()
	cfg.BaseURL = base + "/"
	return New(cfg, svc)
}

func strategies(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Strategy
	}
	return out
}

func TestResolve_AbsoluteURLSingleCandidate(t *testing.T) {
	svc := &countingService{}
	r := newResolver(svc)

	for _, raw := range []string{
		"https://cdn.example.com/hymns/hymn42.pdf",
		"http://example.com/a.pdf?x=1#frag",
		"HTTPS://Example.com/A.pdf",
	} {
		cs, err := r.Resolve(context.Background(), raw, "scores")
		require.NoError(t, err)
		require.Len(t, cs, 1)
		require.Equal(t, MethodURL, cs[0].Method)

		u, err := cs[0].URL(context.Background())
		require.NoError(t, err)
		require.Equal(t, raw, u, "absolute URLs are returned unchanged")
	}
	require.Zero(t, svc.calls)
}

func TestResolve_BareFilenameOrder(t *testing.T) {
	svc := &countingService{}
	r := newResolver(svc)

	cs, err := r.Resolve(context.Background(), "hymn42.pdf", "scores")
	require.NoError(t, err)
	require.Equal(t, []string{
		"scores:public_url:verbatim",
		"scores:public_url:prefixed",
		"hymn-files:public_url:verbatim",
		"hymn-files:public_url:prefixed",
		"direct",
		"scores:signed_url:verbatim",
		"scores:signed_url:prefixed",
		"hymn-files:signed_url:verbatim",
		"hymn-files:signed_url:prefixed",
	}, strategies(cs))

	require.Equal(t, "hymn42.pdf", cs[0].Path)
	require.Equal(t, "pdf/hymn42.pdf", cs[1].Path)
	require.Zero(t, svc.calls, "resolution makes no network call")
}

func TestResolve_SynchronousBeforeNetwork(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = base
	cfg.Download = true
	cfg.AlternateBuckets = []string{"hymn-files", "sheet-music"}
	r := New(cfg, &countingService{})

	for _, raw := range []string{"hymn42.pdf", "a.pdf", "Amazing Grace.pdf"} {
		for _, hint := range []string{"", "scores"} {
			cs, err := r.Resolve(context.Background(), raw, hint)
			require.NoError(t, err)
			require.GreaterOrEqual(t, len(cs), 2)

			network := false
			for _, c := range cs {
				if !c.Synchronous() {
					network = true
					continue
				}
				require.False(t, network, "%s: synchronous candidate after a network candidate", c.Strategy)
			}
			require.True(t, network)
		}
	}
}

// privateService refuses anonymous reads on some buckets.
type privateService struct {
	countingService
	private string
}

func (s *privateService) PublicReadable(bucket string) bool {
	return bucket != s.private
}

func TestResolve_SkipsPublicURLsForPrivateBuckets(t *testing.T) {
	r := newResolver(&privateService{private: "hymn-files"})

	cs, err := r.Resolve(context.Background(), "hymn42.pdf", "")
	require.NoError(t, err)
	require.Equal(t, []string{
		"hymn-pdf:public_url:verbatim",
		"hymn-pdf:public_url:prefixed",
		"direct",
		"hymn-pdf:signed_url:verbatim",
		"hymn-pdf:signed_url:prefixed",
		"hymn-files:signed_url:verbatim",
		"hymn-files:signed_url:prefixed",
	}, strategies(cs))
}

func TestResolve_DefaultBucketWithoutHint(t *testing.T) {
	r := newResolver(&countingService{})

	cs, err := r.Resolve(context.Background(), "hymn42.pdf", "")
	require.NoError(t, err)
	require.Equal(t, "hymn-pdf", cs[0].Bucket)
}

func TestResolve_BucketQualifiedKey(t *testing.T) {
	r := newResolver(&countingService{})

	cs, err := r.Resolve(context.Background(), "hymn-files/scores/hymn42.pdf", "ignored")
	require.NoError(t, err)
	require.Equal(t, "hymn-files", cs[0].Bucket)
	require.Equal(t, "scores/hymn42.pdf", cs[0].Path)

	// A path containing a separator gets no prefixed variant.
	require.Equal(t, []string{
		"hymn-files:public_url:verbatim",
		"direct",
		"hymn-files:signed_url:verbatim",
	}, strategies(cs))

	// An unknown first segment is part of the path.
	cs, err = r.Resolve(context.Background(), "scores/hymn42.pdf", "")
	require.NoError(t, err)
	require.Equal(t, "hymn-pdf", cs[0].Bucket)
	require.Equal(t, "scores/hymn42.pdf", cs[0].Path)
}

func directCandidate(t *testing.T, cs []Candidate) Candidate {
	t.Helper()
	for _, c := range cs {
		if c.Method == MethodDirect {
			return c
		}
	}
	t.Fatal("no direct candidate")
	return Candidate{}
}

func TestResolve_DirectCandidate(t *testing.T) {
	r := newResolver(&countingService{})

	cs, err := r.Resolve(context.Background(), "hymn42.pdf", "")
	require.NoError(t, err)

	// The direct URL is the last synchronous candidate.
	direct := directCandidate(t, cs)
	require.Equal(t, "hymn-files:public_url:prefixed", cs[3].Strategy)
	require.Equal(t, "direct", cs[4].Strategy)
	u, err := direct.URL(context.Background())
	require.NoError(t, err)
	require.Equal(t, base+"/storage/v1/object/public/hymn/pdf/hymn42.pdf", u)

	// Already prefixed keys are not prefixed twice.
	cs, err = r.Resolve(context.Background(), "pdf/hymn42.pdf", "")
	require.NoError(t, err)
	u, err = directCandidate(t, cs).URL(context.Background())
	require.NoError(t, err)
	require.Equal(t, base+"/storage/v1/object/public/hymn/pdf/hymn42.pdf", u)
}

func TestResolve_NoStorageDegradesToDirect(t *testing.T) {
	r := New(Config{BaseURL: base}, nil)

	cs, err := r.Resolve(context.Background(), "hymn42.pdf", "")
	require.NoError(t, err)
	require.Len(t, cs, 1)
	require.Equal(t, MethodDirect, cs[0].Method)

	// Without a base URL the candidate still exists but cannot produce.
	r = New(Config{}, nil)
	cs, err = r.Resolve(context.Background(), "hymn42.pdf", "")
	require.NoError(t, err)
	require.Len(t, cs, 1)
	_, err = cs[0].URL(context.Background())
	require.ErrorIs(t, err, storage.ErrNoBaseURL)
}

func TestResolve_RejectsSentinelsAndInvalid(t *testing.T) {
	svc := &countingService{}
	r := newResolver(svc)

	for _, raw := range []string{"undefined", "null", " null "} {
		cs, err := r.Resolve(context.Background(), raw, "")
		require.ErrorIs(t, err, docloader.ErrSentinelKey)
		require.Nil(t, cs)
	}
	for _, raw := range []string{"", "javascript:alert(1)", "data:text/html,x", "../secret.pdf"} {
		_, err := r.Resolve(context.Background(), raw, "")
		require.ErrorIs(t, err, docloader.ErrInvalidKey, raw)
	}
	require.Zero(t, svc.calls)
}

func TestCandidate_Retrieve(t *testing.T) {
	svc := &countingService{}
	cfg := DefaultConfig()
	cfg.BaseURL = base
	cfg.Download = true
	r := New(cfg, svc)

	cs, err := r.Resolve(context.Background(), "a/b.pdf", "")
	require.NoError(t, err)

	f := &stubFetcher{}
	byMethod := map[Method]Candidate{}
	for _, c := range cs {
		if _, ok := byMethod[c.Method]; !ok {
			byMethod[c.Method] = c
		}
	}

	data, u, err := byMethod[MethodPublic].Retrieve(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, base+"/storage/v1/object/public/hymn-pdf/a/b.pdf", u)
	require.Equal(t, "fetched "+u, string(data))
	require.Zero(t, svc.calls)

	_, u, err = byMethod[MethodSigned].Retrieve(context.Background(), f)
	require.NoError(t, err)
	require.Contains(t, u, "/object/sign/hymn-pdf/a/b.pdf")
	require.Equal(t, 1, svc.calls)

	data, u, err = byMethod[MethodDownload].Retrieve(context.Background(), f)
	require.NoError(t, err)
	require.Equal(t, "downloaded", string(data))
	require.Equal(t, base+"/storage/v1/object/public/hymn-pdf/a/b.pdf", u)
	require.Equal(t, 2, svc.calls)
	require.Len(t, f.urls, 2, "download does not use the fetcher")
}

type failingFetcher struct{}

func (failingFetcher) Fetch(context.Context, string) ([]byte, error) {
	return nil, errors.New("boom")
}

func TestCandidate_RetrieveReportsURLOnFetchError(t *testing.T) {
	r := newResolver(&countingService{})
	cs, err := r.Resolve(context.Background(), "a.pdf", "")
	require.NoError(t, err)

	_, u, err := cs[0].Retrieve(context.Background(), failingFetcher{})
	require.Error(t, err)
	require.NotEmpty(t, u)
}

func TestCanonical(t *testing.T) {
	r := newResolver(&countingService{})

	c, err := r.Canonical("hymn42.pdf", "")
	require.NoError(t, err)
	require.Equal(t, base+"/storage/v1/object/public/hymn-pdf/hymn42.pdf", c)

	// A relative key and its resolved absolute URL share an identity.
	require.Equal(t, c, r.CacheKey("hymn42.pdf"))
	require.Equal(t, c, r.CacheKey(c))
	require.Equal(t, c, r.CacheKey("HTTPS://ABC.supabase.co:443/storage/v1/object/public/hymn-pdf/hymn42.pdf#p=2"))

	c, err = r.Canonical("hymn42.pdf", "scores")
	require.NoError(t, err)
	require.Equal(t, base+"/storage/v1/object/public/scores/hymn42.pdf", c)

	_, err = r.Canonical("null", "")
	require.ErrorIs(t, err, docloader.ErrSentinelKey)

	// Keys that cannot be canonicalized pass through the cache normalizer.
	require.Equal(t, "null", r.CacheKey("null"))
}

func TestDirectURL(t *testing.T) {
	r := newResolver(&countingService{})

	u, err := r.DirectURL("hymn42.pdf", "")
	require.NoError(t, err)
	require.Equal(t, base+"/storage/v1/object/public/hymn/pdf/hymn42.pdf", u)

	u, err = r.DirectURL("https://cdn.example.com/x.pdf", "")
	require.NoError(t, err)
	require.Equal(t, "https://cdn.example.com/x.pdf", u)

	_, err = New(Config{}, nil).DirectURL("a.pdf", "")
	require.ErrorIs(t, err, storage.ErrNoBaseURL)
}

// unaddressableService has no public endpoint.
type unaddressableService struct {
	countingService
}

func (s *unaddressableService) PublicURL(string, string) (string, error) {
	return "", storage.ErrNoBaseURL
}

func TestCandidate_DownloadWithoutPublicURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Download = true
	r := New(cfg, &unaddressableService{})

	cs, err := r.Resolve(context.Background(), "a/b.pdf", "")
	require.NoError(t, err)

	var dl Candidate
	for _, c := range cs {
		if c.Method == MethodDownload {
			dl = c
			break
		}
	}
	require.Equal(t, MethodDownload, dl.Method)

	data, u, err := dl.Retrieve(context.Background(), &stubFetcher{})
	require.NoError(t, err)
	require.Equal(t, "downloaded", string(data))
	require.Empty(t, u)
}
