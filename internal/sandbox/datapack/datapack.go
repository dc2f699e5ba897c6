// Package datapack resolves submission sources and input packs held in object
// storage. An input pack is a tar archive, optionally zstd or gzip compressed,
// whose regular files become the submission's ordered inputs.
package datapack

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"codesandbox/internal/common/storage"
	appErr "codesandbox/pkg/errors"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

const (
	defaultTimeout          = 10 * time.Second
	defaultMaxSourceBytes   = 64 * 1024
	defaultMaxPackBytes     = 16 << 20
	defaultMaxUnpackedBytes = 64 << 20
	defaultCacheEntries     = 64
	defaultCacheTTL         = 10 * time.Minute

	inputSuffix = ".in"
)

// Config holds fetch limits and the input pack cache settings.
type Config struct {
	Bucket           string        `yaml:"bucket"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxSourceBytes   int64         `yaml:"maxSourceBytes"`
	MaxPackBytes     int64         `yaml:"maxPackBytes"`
	MaxUnpackedBytes int64         `yaml:"maxUnpackedBytes"`
	// Packs are cached only when the caller pins them by hash.
	CacheEntries int           `yaml:"cacheEntries"`
	CacheBytes   int64         `yaml:"cacheBytes"`
	CacheTTL     time.Duration `yaml:"cacheTTL"`
}

func (c *Config) setDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.MaxSourceBytes <= 0 {
		c.MaxSourceBytes = defaultMaxSourceBytes
	}
	if c.MaxPackBytes <= 0 {
		c.MaxPackBytes = defaultMaxPackBytes
	}
	if c.MaxUnpackedBytes <= 0 {
		c.MaxUnpackedBytes = defaultMaxUnpackedBytes
	}
	if c.CacheEntries <= 0 {
		c.CacheEntries = defaultCacheEntries
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaultCacheTTL
	}
}

type cacheEntry struct {
	inputs    []string
	sizeBytes int64
	expiresAt time.Time
}

// Fetcher downloads sources and input packs.
type Fetcher struct {
	store storage.ObjectStorage
	cfg   Config
	now   func() time.Time

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	lruKeys   []string
	totalSize int64
}

// NewFetcher creates a fetcher reading from cfg.Bucket.
func NewFetcher(store storage.ObjectStorage, cfg Config) (*Fetcher, error) {
	if store == nil {
		return nil, errors.New("object storage is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	cfg.setDefaults()
	return &Fetcher{
		store:   store,
		cfg:     cfg,
		now:     time.Now,
		entries: make(map[string]*cacheEntry),
	}, nil
}

// FetchSource returns the object at key as source text. A non-empty hash is
// the expected hex sha256 of the object.
func (f *Fetcher) FetchSource(ctx context.Context, key, hash string) (string, error) {
	data, err := f.download(ctx, key, hash, f.cfg.MaxSourceBytes, appErr.CodeTooLarge)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// FetchInputs returns the inputs packed in the archive at key, ordered by file
// name. When the archive holds *.in files only those are used.
func (f *Fetcher) FetchInputs(ctx context.Context, key, hash string) ([]string, error) {
	ck := cacheKey(key, hash)
	if hash != "" {
		if inputs, ok := f.hit(ck); ok {
			return inputs, nil
		}
	}
	data, err := f.download(ctx, key, hash, f.cfg.MaxPackBytes, appErr.InputTooLarge)
	if err != nil {
		return nil, err
	}
	inputs, size, err := unpack(key, data, f.cfg.MaxUnpackedBytes)
	if err != nil {
		return nil, err
	}
	if hash != "" {
		f.add(ck, inputs, size)
	}
	return append([]string(nil), inputs...), nil
}

func (f *Fetcher) download(ctx context.Context, key, hash string, limit int64, tooLarge appErr.ErrorCode) ([]byte, error) {
	if key == "" {
		return nil, appErr.ValidationError("object_key", "required")
	}
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	stat, err := f.store.StatObject(ctx, f.cfg.Bucket, key)
	if err != nil {
		return nil, storageError(err, key)
	}
	if stat.SizeBytes > limit {
		return nil, appErr.Newf(tooLarge, "object %s exceeds %d bytes", key, limit)
	}

	reader, err := f.store.GetObject(ctx, f.cfg.Bucket, key)
	if err != nil {
		return nil, storageError(err, key)
	}
	defer reader.Close()

	hasher := sha256.New()
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.TeeReader(io.LimitReader(reader, limit+1), hasher))
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.StorageError, "download %s failed", key)
	}
	if n > limit {
		return nil, appErr.Newf(tooLarge, "object %s exceeds %d bytes", key, limit)
	}
	if hash != "" {
		actual := hex.EncodeToString(hasher.Sum(nil))
		if !strings.EqualFold(actual, hash) {
			return nil, appErr.Newf(appErr.ObjectHashMismatch, "object %s hash mismatch", key)
		}
	}
	return buf.Bytes(), nil
}

func storageError(err error, key string) error {
	if errors.Is(err, storage.ErrObjectNotFound) {
		return appErr.Wrapf(err, appErr.ObjectNotFound, "object %s not found", key)
	}
	return appErr.Wrapf(err, appErr.StorageError, "read object %s failed", key)
}

func unpack(key string, data []byte, limit int64) ([]string, int64, error) {
	var r io.Reader = bytes.NewReader(data)
	switch {
	case strings.HasSuffix(key, ".tar.zst"), strings.HasSuffix(key, ".tzst"):
		zr, err := zstd.NewReader(r, zstd.WithDecoderMaxMemory(uint64(limit)))
		if err != nil {
			return nil, 0, appErr.Wrapf(err, appErr.InputPackInvalid, "create zstd reader failed")
		}
		defer zr.Close()
		r = zr
	case strings.HasSuffix(key, ".tar.gz"), strings.HasSuffix(key, ".tgz"):
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, 0, appErr.Wrapf(err, appErr.InputPackInvalid, "create gzip reader failed")
		}
		defer gz.Close()
		r = gz
	case strings.HasSuffix(key, ".tar"):
	default:
		return nil, 0, appErr.Newf(appErr.InputPackInvalid, "unsupported input pack format: %s", key)
	}

	files := make(map[string]string)
	var total int64
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, appErr.Wrapf(err, appErr.InputPackInvalid, "read tar entry failed")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		if path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return nil, 0, appErr.Newf(appErr.InputPackInvalid, "invalid tar entry path %q", hdr.Name)
		}
		var buf bytes.Buffer
		n, err := io.Copy(&buf, io.LimitReader(tr, limit-total+1))
		if err != nil {
			return nil, 0, appErr.Wrapf(err, appErr.InputPackInvalid, "read %s failed", name)
		}
		total += n
		if total > limit {
			return nil, 0, appErr.Newf(appErr.InputTooLarge, "input pack expands beyond %d bytes", limit)
		}
		files[name] = buf.String()
	}

	names := make([]string, 0, len(files))
	for name := range files {
		if strings.HasSuffix(name, inputSuffix) {
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		for name := range files {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool { return naturalLess(names[i], names[j]) })

	inputs := make([]string, len(names))
	for i, name := range names {
		inputs[i] = files[name]
	}
	return inputs, total, nil
}

// naturalLess orders digit runs by value so that 2.in sorts before 10.in.
func naturalLess(a, b string) bool {
	for a != "" && b != "" {
		ca, ra := chunk(a)
		cb, rb := chunk(b)
		if ca != cb {
			da, db := isDigit(ca[0]), isDigit(cb[0])
			if da && db {
				ta, tb := strings.TrimLeft(ca, "0"), strings.TrimLeft(cb, "0")
				if len(ta) != len(tb) {
					return len(ta) < len(tb)
				}
				if ta != tb {
					return ta < tb
				}
			} else {
				return ca < cb
			}
		}
		a, b = ra, rb
	}
	return len(a) < len(b)
}

func chunk(s string) (string, string) {
	digit := isDigit(s[0])
	i := 1
	for i < len(s) && isDigit(s[i]) == digit {
		i++
	}
	return s[:i], s[i:]
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func cacheKey(key, hash string) string {
	return key + "@" + strings.ToLower(hash)
}

func (f *Fetcher) hit(key string) ([]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[key]
	if !ok {
		return nil, false
	}
	now := f.now()
	if now.After(entry.expiresAt) {
		f.removeEntryLocked(key)
		return nil, false
	}
	entry.expiresAt = now.Add(f.cfg.CacheTTL)
	f.touchLocked(key)
	return append([]string(nil), entry.inputs...), true
}

func (f *Fetcher) add(key string, inputs []string, size int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.entries[key]; ok {
		f.totalSize -= existing.sizeBytes
	}
	f.entries[key] = &cacheEntry{
		inputs:    append([]string(nil), inputs...),
		sizeBytes: size,
		expiresAt: f.now().Add(f.cfg.CacheTTL),
	}
	f.totalSize += size
	f.touchLocked(key)
	f.evictLocked()
}

func (f *Fetcher) touchLocked(key string) {
	for i, k := range f.lruKeys {
		if k == key {
			f.lruKeys = append(f.lruKeys[:i], f.lruKeys[i+1:]...)
			break
		}
	}
	f.lruKeys = append(f.lruKeys, key)
}

func (f *Fetcher) evictLocked() {
	for len(f.lruKeys) > 0 {
		overCount := len(f.entries) > f.cfg.CacheEntries
		overBytes := f.cfg.CacheBytes > 0 && f.totalSize > f.cfg.CacheBytes
		if !overCount && !overBytes {
			return
		}
		f.removeEntryLocked(f.lruKeys[0])
	}
}

func (f *Fetcher) removeEntryLocked(key string) {
	if entry, ok := f.entries[key]; ok {
		f.totalSize -= entry.sizeBytes
		delete(f.entries, key)
	}
	for i, k := range f.lruKeys {
		if k == key {
			f.lruKeys = append(f.lruKeys[:i], f.lruKeys[i+1:]...)
			break
		}
	}
}
