package merger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astroair/vidtanium/internal/config"
)

func testMergeConfig() config.MergeConfig {
	return config.MergeConfig{
		// Point the detector at a nonexistent binary so tests always take
		// the binary concatenation path.
		PreferTranscoder: true,
		FFmpegPath:       "/nonexistent/ffmpeg",
		TimeoutFloor:     5 * time.Second,
		TimeoutCeiling:   time.Minute,
		BytesPerSecond:   1024 * 1024,
	}
}

func writeSegments(t *testing.T, dir string, bodies ...string) []string {
	t.Helper()
	paths := make([]string, len(bodies))
	for i, body := range bodies {
		p := filepath.Join(dir, "seg_"+string(rune('a'+i))+".ts")
		require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
		paths[i] = p
	}
	return paths
}

func TestMerge_BinaryConcat(t *testing.T) {
	dir := t.TempDir()
	paths := writeSegments(t, dir, "AAA", "BBB", "CCC")
	output := filepath.Join(dir, "out.ts")

	m := New(testMergeConfig(), nil)
	require.NoError(t, m.Merge(context.Background(), paths, output))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "AAABBBCCC", string(data))

	// Output size equals the sum of the segment sizes.
	info, err := os.Stat(output)
	require.NoError(t, err)
	assert.Equal(t, int64(9), info.Size())
}

func TestMerge_SingleSegment(t *testing.T) {
	dir := t.TempDir()
	paths := writeSegments(t, dir, "ONLY")
	output := filepath.Join(dir, "out.ts")

	m := New(testMergeConfig(), nil)
	require.NoError(t, m.Merge(context.Background(), paths, output))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "ONLY", string(data))
}

func TestMerge_MP4WithoutTranscoderKeepsBytes(t *testing.T) {
	dir := t.TempDir()
	paths := writeSegments(t, dir, "AAA", "BBB")
	output := filepath.Join(dir, "out.mp4")

	m := New(testMergeConfig(), nil)
	require.NoError(t, m.Merge(context.Background(), paths, output))

	// Without a transcoder the concatenated stream is delivered under
	// the requested name.
	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, "AAABBB", string(data))

	// The intermediate .merge.ts is gone.
	_, err = os.Stat(filepath.Join(dir, "out.merge.ts"))
	assert.True(t, os.IsNotExist(err))
}

func TestMerge_MissingWithinTolerance(t *testing.T) {
	dir := t.TempDir()

	// 200 planned segments, 1 missing: 0.5% is within the 1% tolerance.
	var paths []string
	for i := 0; i < 200; i++ {
		p := filepath.Join(dir, "seg_"+string(rune('0'+i%10))+string(rune('a'+i/10))+".ts")
		if i != 57 {
			require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
		}
		paths = append(paths, p)
	}

	output := filepath.Join(dir, "out.ts")
	m := New(testMergeConfig(), nil)
	require.NoError(t, m.Merge(context.Background(), paths, output))

	info, err := os.Stat(output)
	require.NoError(t, err)
	assert.Equal(t, int64(199), info.Size())
}

func TestMerge_TooManyMissingFails(t *testing.T) {
	dir := t.TempDir()
	paths := writeSegments(t, dir, "AAA", "BBB")
	paths = append(paths, filepath.Join(dir, "gone1.ts"), filepath.Join(dir, "gone2.ts"))

	m := New(testMergeConfig(), nil)
	err := m.Merge(context.Background(), paths, filepath.Join(dir, "out.ts"))
	assert.Error(t, err)
}

func TestMerge_EmptyPlanProducesEmptyOutput(t *testing.T) {
	dir := t.TempDir()
	output := filepath.Join(dir, "out.ts")

	m := New(testMergeConfig(), nil)
	require.NoError(t, m.Merge(context.Background(), nil, output))

	info, err := os.Stat(output)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestMerge_EmptyPlanFailsWhenConfigured(t *testing.T) {
	cfg := testMergeConfig()
	cfg.FailOnEmpty = true

	m := New(cfg, nil)
	err := m.Merge(context.Background(), nil, filepath.Join(t.TempDir(), "out.ts"))
	assert.Error(t, err)
}

func TestMerge_CreatesOutputDirectory(t *testing.T) {
	dir := t.TempDir()
	paths := writeSegments(t, dir, "AAA")
	output := filepath.Join(dir, "nested", "deep", "out.ts")

	m := New(testMergeConfig(), nil)
	require.NoError(t, m.Merge(context.Background(), paths, output))

	_, err := os.Stat(output)
	assert.NoError(t, err)
}

func TestWriteConcatManifest(t *testing.T) {
	paths := []string{"/tmp/a.ts", "/tmp/it's.ts"}
	manifest, err := writeConcatManifest(paths)
	require.NoError(t, err)
	defer os.Remove(manifest)

	data, err := os.ReadFile(manifest)
	require.NoError(t, err)
	assert.Contains(t, string(data), "file '/tmp/a.ts'")
	assert.Contains(t, string(data), `it'\''s.ts`)
}
