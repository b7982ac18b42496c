package storage

import (
	"bytes"
	"context"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"

	"github.com/wolfeidau/docloader"
	"github.com/wolfeidau/docloader/classify"
)

func newTestLocal(t *testing.T, now func() time.Time) *Local {
	t.Helper()
	l, err := OpenLocal(LocalConfig{
		Path:    filepath.Join(t.TempDir(), "storage.db"),
		BaseURL: "http://localhost:8080/",
		Secret:  []byte("test-secret"),
		NoSync:  true,
		Now:     now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })

	require.NoError(t, l.CreateBucket("hymn-pdf", true))
	require.NoError(t, l.CreateBucket("private", false))
	return l
}

func TestLocal_PutDownloadRoundTrip(t *testing.T) {
	l := newTestLocal(t, nil)
	ctx := context.Background()

	data := []byte("%PDF-1.4 small")
	info, err := l.Put(ctx, "hymn-pdf", "/pdf/hymn42.pdf", data, "application/pdf")
	require.NoError(t, err)
	require.Equal(t, "pdf/hymn42.pdf", info.Path)
	require.EqualValues(t, len(data), info.Size)
	require.Equal(t, docloader.HashBytes(data), info.Hash)

	got, err := l.Download(ctx, "hymn-pdf", "pdf/hymn42.pdf")
	require.NoError(t, err)
	require.Equal(t, data, got)

	stat, err := l.Stat(ctx, "hymn-pdf", "pdf/hymn42.pdf")
	require.NoError(t, err)
	require.Equal(t, "application/pdf", stat.ContentType)
}

func TestLocal_CompressesLargeObjects(t *testing.T) {
	l := newTestLocal(t, nil)
	ctx := context.Background()

	data := bytes.Repeat([]byte("stream of repetitive page content "), 500)
	_, err := l.Put(ctx, "hymn-pdf", "big.pdf", data, "")
	require.NoError(t, err)

	var stored []byte
	require.NoError(t, l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketObjects).Bucket([]byte("hymn-pdf")).Bucket(subData).Get([]byte("big.pdf"))
		stored = append([]byte(nil), raw...)
		return nil
	}))
	require.Equal(t, encodingZstd, stored[0])
	require.Less(t, len(stored), len(data))

	got, err := l.Download(ctx, "hymn-pdf", "big.pdf")
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestLocal_NotFound(t *testing.T) {
	l := newTestLocal(t, nil)
	ctx := context.Background()

	_, err := l.Download(ctx, "hymn-pdf", "missing.pdf")
	require.ErrorIs(t, err, ErrObjectNotFound)
	require.Equal(t, classify.KindNotFound, classify.Classify(err).Kind)

	_, err = l.Download(ctx, "no-such-bucket", "a.pdf")
	require.ErrorIs(t, err, ErrBucketNotFound)

	_, err = l.Put(ctx, "no-such-bucket", "a.pdf", []byte("x"), "")
	require.ErrorIs(t, err, ErrBucketNotFound)
}

func TestLocal_RejectsBadPaths(t *testing.T) {
	l := newTestLocal(t, nil)
	ctx := context.Background()

	for _, p := range []string{"", "../etc/passwd", "https://example.com/a.pdf", "null"} {
		_, err := l.Put(ctx, "hymn-pdf", p, []byte("x"), "")
		require.ErrorIs(t, err, docloader.ErrInvalidKey, p)
	}
}

func TestLocal_PublicAccess(t *testing.T) {
	l := newTestLocal(t, nil)
	ctx := context.Background()

	_, err := l.Put(ctx, "hymn-pdf", "a.pdf", []byte("public"), "")
	require.NoError(t, err)
	_, err = l.Put(ctx, "private", "a.pdf", []byte("private"), "")
	require.NoError(t, err)

	data, _, err := l.ReadPublic(ctx, "hymn-pdf", "a.pdf")
	require.NoError(t, err)
	require.Equal(t, []byte("public"), data)

	_, _, err = l.ReadPublic(ctx, "private", "a.pdf")
	require.ErrorIs(t, err, ErrBucketNotPublic)
	require.Equal(t, classify.KindPermissionDenied, classify.Classify(err).Kind)

	// Flipping the flag keeps the objects.
	require.NoError(t, l.CreateBucket("private", true))
	data, _, err = l.ReadPublic(ctx, "private", "a.pdf")
	require.NoError(t, err)
	require.Equal(t, []byte("private"), data)
}

func TestLocal_PublicURL(t *testing.T) {
	l := newTestLocal(t, nil)

	u, err := l.PublicURL("hymn-pdf", "pdf/Amazing Grace.pdf")
	require.NoError(t, err)
	require.Equal(t, "http://localhost:8080/storage/v1/object/public/hymn-pdf/pdf/Amazing%20Grace.pdf", u)

	l.SetBaseURL("")
	_, err = l.PublicURL("hymn-pdf", "a.pdf")
	require.ErrorIs(t, err, ErrNoBaseURL)
}

func TestLocal_SignedURL(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	l := newTestLocal(t, clock)
	ctx := context.Background()

	_, err := l.Put(ctx, "private", "scores/hymn7.pdf", []byte("signed"), "")
	require.NoError(t, err)

	signed, err := l.SignedURL(ctx, "private", "scores/hymn7.pdf", time.Hour)
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(signed, "http://localhost:8080/storage/v1/object/sign/private/scores/hymn7.pdf?token="))

	u, err := url.Parse(signed)
	require.NoError(t, err)
	token := u.Query().Get("token")

	data, _, err := l.ReadSigned(ctx, "private", "scores/hymn7.pdf", token)
	require.NoError(t, err)
	require.Equal(t, []byte("signed"), data)

	// Token is bound to the object.
	_, _, err = l.ReadSigned(ctx, "private", "scores/other.pdf", token)
	require.ErrorIs(t, err, ErrInvalidSignature)

	_, _, err = l.ReadSigned(ctx, "private", "scores/hymn7.pdf", "garbage")
	require.ErrorIs(t, err, ErrInvalidSignature)

	// Expired.
	now = now.Add(2 * time.Hour)
	_, _, err = l.ReadSigned(ctx, "private", "scores/hymn7.pdf", token)
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Equal(t, classify.KindPermissionDenied, classify.Classify(err).Kind)
}

func TestLocal_SignMissingObject(t *testing.T) {
	l := newTestLocal(t, nil)
	_, err := l.SignedURL(context.Background(), "private", "missing.pdf", time.Hour)
	require.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocal_Delete(t *testing.T) {
	l := newTestLocal(t, nil)
	ctx := context.Background()

	_, err := l.Put(ctx, "hymn-pdf", "a.pdf", []byte("x"), "")
	require.NoError(t, err)
	require.NoError(t, l.Delete(ctx, "hymn-pdf", "a.pdf"))
	require.NoError(t, l.Delete(ctx, "hymn-pdf", "a.pdf"))

	_, err = l.Stat(ctx, "hymn-pdf", "a.pdf")
	require.ErrorIs(t, err, ErrObjectNotFound)
}

func TestLocal_Buckets(t *testing.T) {
	l := newTestLocal(t, nil)

	buckets, err := l.Buckets()
	require.NoError(t, err)
	require.Len(t, buckets, 2)
	require.Equal(t, "hymn-pdf", buckets[0].Name)
	require.True(t, buckets[0].Public)
	require.Equal(t, "private", buckets[1].Name)
	require.False(t, buckets[1].Public)

	require.Error(t, l.CreateBucket("a/b", true))
}

func TestLocal_CanceledContext(t *testing.T) {
	l := newTestLocal(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := l.Download(ctx, "hymn-pdf", "a.pdf")
	require.ErrorIs(t, err, context.Canceled)
}

func TestHTTPStatus(t *testing.T) {
	require.Equal(t, 200, HTTPStatus(nil))
	require.Equal(t, 404, HTTPStatus(ErrObjectNotFound))
	require.Equal(t, 404, HTTPStatus(ErrBucketNotFound))
	require.Equal(t, 403, HTTPStatus(ErrBucketNotPublic))
	require.Equal(t, 403, HTTPStatus(ErrInvalidSignature))
	require.Equal(t, 500, HTTPStatus(ErrCorrupted))
}
