package ffmpeg

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDetect_MissingBinary(t *testing.T) {
	d := NewDetector("/nonexistent/ffmpeg")
	_, err := d.Detect(context.Background())
	assert.Error(t, err)
	assert.False(t, d.Available(context.Background()))
}

func TestDetect_FailureCached(t *testing.T) {
	d := NewDetector("/nonexistent/ffmpeg").WithCacheTTL(time.Hour)

	_, err1 := d.Detect(context.Background())
	assert.Error(t, err1)

	// Second call hits the cache, not the filesystem.
	_, err2 := d.Detect(context.Background())
	assert.Equal(t, err1, err2)
}

func TestVersionPattern(t *testing.T) {
	banner := []byte("ffmpeg version 6.1.1-3ubuntu5 Copyright (c) 2000-2023 the FFmpeg developers")
	m := versionPattern.FindSubmatch(banner)
	if assert.NotNil(t, m) {
		assert.Equal(t, "6.1.1-3ubuntu5", string(m[1]))
	}
}
