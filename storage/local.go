package storage

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/wolfeidau/docloader"
	"github.com/wolfeidau/docloader/fetch"
)

var (
	bucketBuckets = []byte("buckets")
	bucketObjects = []byte("objects")
	subData       = []byte("data")
	subMeta       = []byte("meta")
)

// LocalConfig configures the local storage emulator.
type LocalConfig struct {
	// Path is the bbolt database file.
	Path string

	// BaseURL is where the emulator routes are served, e.g.
	// http://localhost:8080. URLs cannot be composed without it.
	BaseURL string

	// Secret is the HMAC key for signed URLs. A random key is generated when
	// empty, so signed URLs do not survive a restart.
	Secret []byte

	// MaxSize caps stored objects. Defaults to fetch.DefaultMaxSize.
	MaxSize int64

	// NoSync disables fsync per transaction. Use only for tests.
	NoSync bool

	Now    func() time.Time
	Logger *slog.Logger
}

// BucketInfo describes an emulator bucket.
type BucketInfo struct {
	Name      string    `json:"name"`
	Public    bool      `json:"public"`
	CreatedAt time.Time `json:"created_at"`
}

// Local is a Service backed by a bbolt file, for development and tests. It
// mimics Supabase Storage: buckets are public or private, private objects
// are reachable through HMAC-signed URLs, and objects are stored
// zstd-compressed when that is smaller.
type Local struct {
	db      *bbolt.DB
	codec   *codec
	baseURL string
	secret  []byte
	maxSize int64
	now     func() time.Time
	logger  *slog.Logger
}

// OpenLocal opens or creates the emulator database.
func OpenLocal(cfg LocalConfig) (*Local, error) {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = fetch.DefaultMaxSize
	}
	if len(cfg.Secret) == 0 {
		cfg.Secret = make([]byte, 32)
		if _, err := rand.Read(cfg.Secret); err != nil {
			return nil, fmt.Errorf("generating signing secret: %w", err)
		}
	}

	db, err := bbolt.Open(cfg.Path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBuckets, bucketObjects} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	c, err := newCodec()
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	l := &Local{
		db:      db,
		codec:   c,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		secret:  cfg.Secret,
		maxSize: cfg.MaxSize,
		now:     cfg.Now,
		logger:  cfg.Logger.With("component", "local_storage"),
	}
	l.logger.Debug("opened local storage", "path", cfg.Path)
	return l, nil
}

// Close closes the database and releases resources.
func (l *Local) Close() error {
	l.codec.close()
	return l.db.Close()
}

// SetBaseURL sets the emulator address once the listener is known.
func (l *Local) SetBaseURL(base string) {
	l.baseURL = strings.TrimRight(base, "/")
}

// CreateBucket creates a bucket, or updates its public flag if it exists.
func (l *Local) CreateBucket(name string, public bool) error {
	if name == "" || strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid bucket name %q", name)
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		buckets := tx.Bucket(bucketBuckets)

		info := BucketInfo{Name: name, Public: public, CreatedAt: l.now().UTC()}
		if raw := buckets.Get([]byte(name)); raw != nil {
			var existing BucketInfo
			if err := json.Unmarshal(raw, &existing); err == nil {
				info.CreatedAt = existing.CreatedAt
			}
		}
		raw, err := json.Marshal(info)
		if err != nil {
			return err
		}
		if err := buckets.Put([]byte(name), raw); err != nil {
			return err
		}

		objects, err := tx.Bucket(bucketObjects).CreateBucketIfNotExists([]byte(name))
		if err != nil {
			return err
		}
		if _, err := objects.CreateBucketIfNotExists(subData); err != nil {
			return err
		}
		_, err = objects.CreateBucketIfNotExists(subMeta)
		return err
	})
}

// Buckets lists all buckets in name order.
func (l *Local) Buckets() ([]BucketInfo, error) {
	var out []BucketInfo
	err := l.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBuckets).ForEach(func(_, v []byte) error {
			var info BucketInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			out = append(out, info)
			return nil
		})
	})
	return out, err
}

// Put stores an object, replacing any existing one.
func (l *Local) Put(ctx context.Context, bucket, path string, data []byte, contentType string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	p, err := objectPath(path)
	if err != nil {
		return ObjectInfo{}, err
	}
	if int64(len(data)) > l.maxSize {
		return ObjectInfo{}, &ObjectError{Bucket: bucket, Path: p, Err: fetch.ErrTooLarge}
	}

	info := ObjectInfo{
		Bucket:      bucket,
		Path:        p,
		Size:        int64(len(data)),
		Hash:        docloader.HashBytes(data),
		ContentType: contentType,
		UpdatedAt:   l.now().UTC(),
	}
	meta, err := json.Marshal(info)
	if err != nil {
		return ObjectInfo{}, err
	}
	stored := l.codec.encode(data)

	err = l.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketObjects).Bucket([]byte(bucket))
		if b == nil {
			return &ObjectError{Bucket: bucket, Err: ErrBucketNotFound}
		}
		if err := b.Bucket(subData).Put([]byte(p), stored); err != nil {
			return err
		}
		return b.Bucket(subMeta).Put([]byte(p), meta)
	})
	if err != nil {
		return ObjectInfo{}, err
	}

	l.logger.Debug("stored object",
		"bucket", bucket,
		"path", p,
		"size", info.Size,
		"stored", len(stored)-1,
		"hash", info.Hash.ShortString(),
	)
	return info, nil
}

// Stat returns an object's metadata.
func (l *Local) Stat(ctx context.Context, bucket, path string) (ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}
	var info ObjectInfo
	err := l.db.View(func(tx *bbolt.Tx) error {
		b, p, err := l.objectBucket(tx, bucket, path)
		if err != nil {
			return err
		}
		raw := b.Bucket(subMeta).Get([]byte(p))
		if raw == nil {
			return &ObjectError{Bucket: bucket, Path: p, Err: ErrObjectNotFound}
		}
		return json.Unmarshal(raw, &info)
	})
	return info, err
}

// Delete removes an object. Deleting a missing object is not an error.
func (l *Local) Delete(ctx context.Context, bucket, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return l.db.Update(func(tx *bbolt.Tx) error {
		b, p, err := l.objectBucket(tx, bucket, path)
		if err != nil {
			return err
		}
		if err := b.Bucket(subData).Delete([]byte(p)); err != nil {
			return err
		}
		return b.Bucket(subMeta).Delete([]byte(p))
	})
}

// PublicURL returns {base}/storage/v1/object/public/{bucket}/{path}.
func (l *Local) PublicURL(bucket, path string) (string, error) {
	return joinURL(l.baseURL, PublicPath, bucket, path)
}

// SignedURL returns a URL for the sign route carrying an HMAC token. Like
// Supabase, signing a missing object fails.
func (l *Local) SignedURL(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	if l.baseURL == "" {
		return "", ErrNoBaseURL
	}
	rel, err := l.Sign(ctx, bucket, path, ttl)
	if err != nil {
		return "", err
	}
	return l.baseURL + "/storage/v1" + rel, nil
}

// Sign returns the signed object path relative to /storage/v1, the shape the
// sign endpoint answers with.
func (l *Local) Sign(ctx context.Context, bucket, path string, ttl time.Duration) (string, error) {
	info, err := l.Stat(ctx, bucket, path)
	if err != nil {
		return "", err
	}
	expires := l.now().Add(ttl).Unix()
	token := strconv.FormatInt(expires, 10) + "." + l.signature(bucket, info.Path, expires)
	return "/object/sign/" + url.PathEscape(bucket) + "/" + EscapePath(info.Path) + "?token=" + token, nil
}

// Download returns an object's bytes regardless of bucket visibility.
func (l *Local) Download(ctx context.Context, bucket, path string) ([]byte, error) {
	data, _, err := l.read(ctx, bucket, path)
	return data, err
}

// ReadPublic returns an object from a public bucket.
func (l *Local) ReadPublic(ctx context.Context, bucket, path string) ([]byte, ObjectInfo, error) {
	public, err := l.isPublic(bucket)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	if !public {
		return nil, ObjectInfo{}, &ObjectError{Bucket: bucket, Err: ErrBucketNotPublic}
	}
	return l.read(ctx, bucket, path)
}

// ReadSigned returns an object after verifying a token minted by Sign.
func (l *Local) ReadSigned(ctx context.Context, bucket, path, token string) ([]byte, ObjectInfo, error) {
	p, err := objectPath(path)
	if err != nil {
		return nil, ObjectInfo{}, err
	}
	if err := l.verify(bucket, p, token); err != nil {
		return nil, ObjectInfo{}, err
	}
	return l.read(ctx, bucket, p)
}

func (l *Local) read(ctx context.Context, bucket, path string) ([]byte, ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, ObjectInfo{}, err
	}

	var (
		info   ObjectInfo
		stored []byte
	)
	err := l.db.View(func(tx *bbolt.Tx) error {
		b, p, err := l.objectBucket(tx, bucket, path)
		if err != nil {
			return err
		}
		raw := b.Bucket(subMeta).Get([]byte(p))
		if raw == nil {
			return &ObjectError{Bucket: bucket, Path: p, Err: ErrObjectNotFound}
		}
		if err := json.Unmarshal(raw, &info); err != nil {
			return err
		}
		// Values are only valid for the life of the transaction.
		stored = append([]byte(nil), b.Bucket(subData).Get([]byte(p))...)
		return nil
	})
	if err != nil {
		return nil, ObjectInfo{}, err
	}

	data, err := l.codec.decode(stored, info.Size)
	if err != nil {
		return nil, ObjectInfo{}, &ObjectError{Bucket: bucket, Path: info.Path, Err: err}
	}
	if docloader.HashBytes(data) != info.Hash {
		return nil, ObjectInfo{}, &ObjectError{Bucket: bucket, Path: info.Path, Err: ErrCorrupted}
	}
	return data, info, nil
}

func (l *Local) objectBucket(tx *bbolt.Tx, bucket, path string) (*bbolt.Bucket, string, error) {
	p, err := objectPath(path)
	if err != nil {
		return nil, "", err
	}
	b := tx.Bucket(bucketObjects).Bucket([]byte(bucket))
	if b == nil {
		return nil, "", &ObjectError{Bucket: bucket, Err: ErrBucketNotFound}
	}
	return b, p, nil
}

func (l *Local) isPublic(bucket string) (bool, error) {
	var info BucketInfo
	err := l.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketBuckets).Get([]byte(bucket))
		if raw == nil {
			return &ObjectError{Bucket: bucket, Err: ErrBucketNotFound}
		}
		return json.Unmarshal(raw, &info)
	})
	return info.Public, err
}

func (l *Local) signature(bucket, path string, expires int64) string {
	mac := hmac.New(sha256.New, l.secret)
	_, _ = fmt.Fprintf(mac, "%s\n%s\n%d", bucket, path, expires)
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (l *Local) verify(bucket, path, token string) error {
	expStr, sig, ok := strings.Cut(token, ".")
	if !ok {
		return fmt.Errorf("%w: malformed token", ErrInvalidSignature)
	}
	expires, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed expiry", ErrInvalidSignature)
	}
	want := l.signature(bucket, path, expires)
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return ErrInvalidSignature
	}
	if l.now().Unix() > expires {
		return fmt.Errorf("%w: token expired", ErrInvalidSignature)
	}
	return nil
}

// objectPath validates and cleans an object path with the same rules as
// storage keys.
func objectPath(p string) (string, error) {
	k, err := docloader.ParseKey(p)
	if err != nil {
		return "", err
	}
	if k.IsURL() {
		return "", fmt.Errorf("%w: object path must not be a url", docloader.ErrInvalidKey)
	}
	return k.Path, nil
}

var _ Service = (*Local)(nil)
