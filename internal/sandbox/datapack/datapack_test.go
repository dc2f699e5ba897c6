package datapack

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"codesandbox/internal/common/storage"
	appErr "codesandbox/pkg/errors"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

type memStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

func (m *memStorage) GetObject(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("get: %w", storage.ErrObjectNotFound)
	}
	m.gets++
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) StatObject(ctx context.Context, bucket, key string) (storage.ObjectStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[bucket+"/"+key]
	if !ok {
		return storage.ObjectStat{}, fmt.Errorf("stat: %w", storage.ErrObjectNotFound)
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (m *memStorage) put(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects["packs/"+key] = data
}

type entry struct {
	name string
	body string
}

func tarOf(t *testing.T, entries ...entry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		if err := tw.WriteHeader(&tar.Header{Name: e.name, Mode: 0o644, Size: int64(len(e.body)), Typeflag: tar.TypeReg}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(e.body)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func zstdOf(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	if _, err := zw.Write(data); err != nil {
		t.Fatalf("zstd write: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zstd close: %v", err)
	}
	return buf.Bytes()
}

func gzipOf(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(data); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

func newFetcher(t *testing.T, cfg Config) (*Fetcher, *memStorage) {
	t.Helper()
	store := &memStorage{objects: make(map[string][]byte)}
	cfg.Bucket = "packs"
	f, err := NewFetcher(store, cfg)
	if err != nil {
		t.Fatalf("new fetcher: %v", err)
	}
	return f, store
}

func TestFetchSource(t *testing.T) {
	f, store := newFetcher(t, Config{MaxSourceBytes: 32})
	src := []byte("int main(){return 0;}")
	store.put("src/main.cpp", src)

	got, err := f.FetchSource(context.Background(), "src/main.cpp", sum(src))
	if err != nil || got != string(src) {
		t.Fatalf("expected source, got %q %v", got, err)
	}
	if _, err := f.FetchSource(context.Background(), "src/main.cpp", sum([]byte("other"))); !appErr.Is(err, appErr.ObjectHashMismatch) {
		t.Fatalf("expected hash mismatch, got %v", err)
	}
	if _, err := f.FetchSource(context.Background(), "src/missing.cpp", ""); !appErr.Is(err, appErr.ObjectNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	store.put("src/big.cpp", bytes.Repeat([]byte("x"), 33))
	if _, err := f.FetchSource(context.Background(), "src/big.cpp", ""); !appErr.Is(err, appErr.CodeTooLarge) {
		t.Fatalf("expected too large, got %v", err)
	}
	if _, err := f.FetchSource(context.Background(), "", ""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestFetchInputsFormats(t *testing.T) {
	f, store := newFetcher(t, Config{})
	pack := tarOf(t,
		entry{"cases/10.in", "ten"},
		entry{"cases/2.in", "two"},
		entry{"cases/1.in", "one"},
		entry{"cases/1.out", "ignored"},
		entry{"README", "ignored"},
	)
	store.put("p.tar.zst", zstdOf(t, pack))
	store.put("p.tgz", gzipOf(t, pack))
	store.put("p.tar", pack)

	for _, key := range []string{"p.tar.zst", "p.tgz", "p.tar"} {
		got, err := f.FetchInputs(context.Background(), key, "")
		if err != nil {
			t.Fatalf("%s: %v", key, err)
		}
		if len(got) != 3 || got[0] != "one" || got[1] != "two" || got[2] != "ten" {
			t.Fatalf("%s: unexpected inputs %q", key, got)
		}
	}
}

func TestFetchInputsWithoutInSuffixUsesAllFiles(t *testing.T) {
	f, store := newFetcher(t, Config{})
	store.put("plain.tar", tarOf(t, entry{"b", "2"}, entry{"a", "1"}))
	got, err := f.FetchInputs(context.Background(), "plain.tar", "")
	if err != nil || len(got) != 2 || got[0] != "1" || got[1] != "2" {
		t.Fatalf("unexpected inputs %q %v", got, err)
	}
}

func TestFetchInputsRejectsBadPacks(t *testing.T) {
	f, store := newFetcher(t, Config{MaxUnpackedBytes: 8})
	store.put("escape.tar", tarOf(t, entry{"../evil.in", "x"}))
	store.put("bomb.tar", tarOf(t, entry{"1.in", "0123456789"}))
	store.put("pack.zip", []byte("PK"))
	store.put("broken.tar.zst", []byte("not zstd"))

	cases := map[string]appErr.ErrorCode{
		"escape.tar":     appErr.InputPackInvalid,
		"bomb.tar":       appErr.InputTooLarge,
		"pack.zip":       appErr.InputPackInvalid,
		"broken.tar.zst": appErr.InputPackInvalid,
	}
	for key, code := range cases {
		if _, err := f.FetchInputs(context.Background(), key, ""); !appErr.Is(err, code) {
			t.Fatalf("%s: expected code %d, got %v", key, code, err)
		}
	}
}

func TestFetchInputsCachesPinnedPacks(t *testing.T) {
	f, store := newFetcher(t, Config{CacheEntries: 1, CacheTTL: time.Minute})
	now := time.Unix(1000, 0)
	f.now = func() time.Time { return now }

	a := zstdOf(t, tarOf(t, entry{"1.in", "a"}))
	b := zstdOf(t, tarOf(t, entry{"1.in", "b"}))
	store.put("a.tar.zst", a)
	store.put("b.tar.zst", b)

	for i := 0; i < 3; i++ {
		got, err := f.FetchInputs(context.Background(), "a.tar.zst", sum(a))
		if err != nil || got[0] != "a" {
			t.Fatalf("fetch a: %q %v", got, err)
		}
		got[0] = "mutated"
	}
	if store.gets != 1 {
		t.Fatalf("expected one download for a pinned pack, got %d", store.gets)
	}

	if _, err := f.FetchInputs(context.Background(), "b.tar.zst", sum(b)); err != nil {
		t.Fatalf("fetch b: %v", err)
	}
	if _, err := f.FetchInputs(context.Background(), "a.tar.zst", sum(a)); err != nil {
		t.Fatalf("refetch a: %v", err)
	}
	if store.gets != 3 {
		t.Fatalf("expected eviction to force a download, got %d gets", store.gets)
	}

	now = now.Add(2 * time.Minute)
	if _, err := f.FetchInputs(context.Background(), "a.tar.zst", sum(a)); err != nil {
		t.Fatalf("fetch after ttl: %v", err)
	}
	if store.gets != 4 {
		t.Fatalf("expected expired entry to be refetched, got %d gets", store.gets)
	}

	if _, err := f.FetchInputs(context.Background(), "b.tar.zst", ""); err != nil {
		t.Fatalf("unpinned fetch: %v", err)
	}
	if _, err := f.FetchInputs(context.Background(), "b.tar.zst", ""); err != nil {
		t.Fatalf("unpinned fetch: %v", err)
	}
	if store.gets != 6 {
		t.Fatalf("unpinned packs must not be cached, got %d gets", store.gets)
	}
}

func TestNaturalLess(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"2.in", "10.in", true},
		{"10.in", "2.in", false},
		{"a/1.in", "b/0.in", true},
		{"case1", "case1.in", true},
		{"x", "x", false},
	}
	for _, tc := range cases {
		if got := naturalLess(tc.a, tc.b); got != tc.want {
			t.Fatalf("naturalLess(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestNewFetcherValidates(t *testing.T) {
	if _, err := NewFetcher(nil, Config{Bucket: "b"}); err == nil {
		t.Fatalf("expected store error")
	}
	if _, err := NewFetcher(&memStorage{}, Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
}
