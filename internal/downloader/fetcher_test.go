package downloader

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astroair/vidtanium/internal/httpclient"
	"github.com/astroair/vidtanium/internal/models"
)

func fetchClient() *httpclient.Client {
	return httpclient.New(httpclient.Options{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    5 * time.Second,
		RetryDelay:     time.Millisecond,
		RetryMaxDelay:  time.Millisecond,
	})
}

func TestFetch_PlainSegment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("AAA"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := &models.Segment{Index: 0, URI: srv.URL + "/a.ts"}
	f := NewFetcher(fetchClient(), nil)

	res := f.Fetch(context.Background(), seg, dir, nil, models.EncryptionSpec{Method: models.EncryptionNone}, &pauseFlag{})
	require.Equal(t, FetchOk, res.Kind)
	assert.Equal(t, int64(3), res.Bytes)

	data, err := os.ReadFile(filepath.Join(dir, "seg_000000.ts"))
	require.NoError(t, err)
	assert.Equal(t, "AAA", string(data))

	// No part file left behind.
	_, err = os.Stat(filepath.Join(dir, "seg_000000.part"))
	assert.True(t, os.IsNotExist(err))
}

func TestFetch_EncryptedSegment(t *testing.T) {
	key := []byte("0123456789abcdef")
	iv := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	plaintext := []byte("HelloHelloHelloH")

	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	ciphertext := make([]byte, 16)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ciphertext)
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := &models.Segment{Index: 0, URI: srv.URL + "/enc.ts"}
	enc := models.EncryptionSpec{Method: models.EncryptionAES128, IV: iv}

	f := NewFetcher(fetchClient(), nil)
	res := f.Fetch(context.Background(), seg, dir, key, enc, &pauseFlag{})
	require.Equal(t, FetchOk, res.Kind)

	data, err := os.ReadFile(filepath.Join(dir, "seg_000000.ts"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, data)
}

func TestFetch_EncryptedDerivedIVUsesMediaSequence(t *testing.T) {
	key := []byte("0123456789abcdef")
	plaintext := []byte("HelloHelloHelloH")

	// Ciphertext encrypted under the IV derived from media sequence
	// index 7, not from the plan position 0.
	iv := make([]byte, 16)
	iv[15] = 7
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	ciphertext := make([]byte, 16)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(ciphertext)
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := &models.Segment{Index: 0, Sequence: 7, URI: srv.URL + "/enc.ts"}
	enc := models.EncryptionSpec{Method: models.EncryptionAES128}

	f := NewFetcher(fetchClient(), nil)
	res := f.Fetch(context.Background(), seg, dir, key, enc, &pauseFlag{})
	require.Equal(t, FetchOk, res.Kind)

	data, err := os.ReadFile(filepath.Join(dir, "seg_000000.ts"))
	require.NoError(t, err)
	assert.Equal(t, plaintext, data)
}

func TestFetch_PausedBeforeStart(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("paused fetch must not hit the network")
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := &models.Segment{Index: 0, URI: srv.URL + "/a.ts"}
	pause := &pauseFlag{}
	pause.Set(true)

	f := NewFetcher(fetchClient(), nil)
	res := f.Fetch(context.Background(), seg, dir, nil, models.EncryptionSpec{}, pause)
	assert.Equal(t, FetchPaused, res.Kind)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "paused fetch must not write files")
}

func TestFetch_RetryableStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := &models.Segment{Index: 0, URI: srv.URL + "/a.ts"}

	f := NewFetcher(fetchClient(), nil)
	res := f.Fetch(context.Background(), seg, dir, nil, models.EncryptionSpec{}, &pauseFlag{})
	assert.Equal(t, FetchRetryable, res.Kind)
}

func TestFetch_PermanentStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := &models.Segment{Index: 0, URI: srv.URL + "/a.ts"}

	f := NewFetcher(fetchClient(), nil)
	res := f.Fetch(context.Background(), seg, dir, nil, models.EncryptionSpec{}, &pauseFlag{})
	assert.Equal(t, FetchTerminal, res.Kind)
	assert.Equal(t, models.ErrorKindPermanentNetwork, res.ErrorKind)
}

func TestFetch_ByteRangeHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=100-199", r.Header.Get("Range"))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(make([]byte, 100))
	}))
	defer srv.Close()

	dir := t.TempDir()
	seg := &models.Segment{
		Index:     1,
		URI:       srv.URL + "/all.ts",
		ByteRange: &models.ByteRange{Start: 100, End: 199},
	}

	f := NewFetcher(fetchClient(), nil)
	res := f.Fetch(context.Background(), seg, dir, nil, models.EncryptionSpec{}, &pauseFlag{})
	require.Equal(t, FetchOk, res.Kind)
	assert.Equal(t, int64(100), res.Bytes)
}

func TestFetch_CanceledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("AAA"))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	dir := t.TempDir()
	seg := &models.Segment{Index: 0, URI: srv.URL + "/a.ts"}

	f := NewFetcher(fetchClient(), nil)
	res := f.Fetch(ctx, seg, dir, nil, models.EncryptionSpec{}, &pauseFlag{})
	assert.Equal(t, FetchRetryable, res.Kind)
}
