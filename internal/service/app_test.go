package service

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astroair/vidtanium/internal/config"
	"github.com/astroair/vidtanium/internal/models"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.Storage.OutputDir = t.TempDir()
	cfg.Download.MaxRetries = 2
	cfg.Download.RetryBaseDelay = time.Millisecond
	cfg.Download.MaxBackoff = 5 * time.Millisecond
	cfg.Merge.FFmpegPath = "/nonexistent/ffmpeg"
	return cfg
}

func newTestApp(t *testing.T, opts Options) *App {
	t.Helper()
	app, err := NewApp(testConfig(t), nil, opts)
	require.NoError(t, err)
	t.Cleanup(app.Close)
	return app
}

func TestSubmitURL_DownloadsAndMerges(t *testing.T) {
	var mux http.ServeMux
	srv := httptest.NewServer(&mux)
	defer srv.Close()

	mux.HandleFunc("/show/index.m3u8", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "#EXTM3U\n#EXTINF:10.0,\na.ts\n#EXTINF:8.0,\nb.ts\n#EXT-X-ENDLIST\n")
	})
	mux.HandleFunc("/show/a.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("AAA")) })
	mux.HandleFunc("/show/b.ts", func(w http.ResponseWriter, r *http.Request) { w.Write([]byte("BBB")) })

	app := newTestApp(t, Options{WithHistory: true})

	id, err := app.SubmitURL(context.Background(), srv.URL+"/show/index.m3u8", models.SubmitOptions{})
	require.NoError(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := app.Manager.Get(id)
		require.NoError(t, err)
		if snap.Status == models.TaskCompleted {
			break
		}
		require.NotEqual(t, models.TaskFailed, snap.Status, "task failed: %+v", snap.Error)
		time.Sleep(5 * time.Millisecond)
	}

	snap, err := app.Manager.Get(id)
	require.NoError(t, err)
	require.Equal(t, models.TaskCompleted, snap.Status)

	// Name derived from the playlist directory ("index" is skipped).
	data, err := os.ReadFile(filepath.Join(app.Config.Storage.OutputDir, "show.mp4"))
	require.NoError(t, err)
	assert.Equal(t, "AAABBB", string(data))

	// Terminal outcome recorded in history.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		records, err := app.RecentHistory(context.Background(), 0)
		require.NoError(t, err)
		if len(records) == 1 {
			assert.Equal(t, models.TaskCompleted, records[0].Status)
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("history record not written")
}

func TestSubmitURL_RejectsLive(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No ENDLIST: live playlist.
		fmt.Fprintf(w, "#EXTM3U\n#EXTINF:6.0,\nseg.ts\n")
	}))
	defer srv.Close()

	app := newTestApp(t, Options{})
	_, err := app.SubmitURL(context.Background(), srv.URL+"/live.m3u8", models.SubmitOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "live")
}

func TestFirePayload_PlanKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("X"))
	}))
	defer srv.Close()

	app := newTestApp(t, Options{})

	plan := models.Plan{
		Name:       "scheduled",
		OutputPath: filepath.Join(app.Config.Storage.OutputDir, "scheduled.ts"),
		Segments: []models.Segment{
			{Index: 0, URI: srv.URL + "/s0.ts", State: models.SegmentPending},
		},
	}
	err := app.firePayload(context.Background(), models.Payload{
		Kind: models.PayloadPlan,
		Plan: &plan,
	})
	require.NoError(t, err)
	assert.Len(t, app.Manager.List(), 1)
}

func TestFirePayload_UnknownKind(t *testing.T) {
	app := newTestApp(t, Options{})
	err := app.firePayload(context.Background(), models.Payload{Kind: "mystery"})
	assert.Error(t, err)
}

func TestDeriveName(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"http://cdn.example.com/media/episode-01.m3u8", "episode-01"},
		{"http://cdn.example.com/show/index.m3u8", "show"},
		{"http://cdn.example.com/a/playlist.m3u8?tok=1", "a"},
		{"http://cdn.example.com/", "download"},
	}
	for _, tc := range cases {
		u, err := url.Parse(tc.raw)
		require.NoError(t, err)
		assert.Equal(t, tc.want, deriveName(u), tc.raw)
	}
}
