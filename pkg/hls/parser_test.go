package hls

import (
	"bytes"
	"compress/gzip"
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/dsnet/compress/bzip2"
	"github.com/ulikunitz/xz"
)

func mustBase(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	if err != nil {
		t.Fatalf("parsing base URL: %v", err)
	}
	return u
}

func TestParse_MediaPlaylist(t *testing.T) {
	content := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:10
#EXTINF:10.0,
a.ts
#EXTINF:10.0,
b.ts
#EXTINF:8.0,
c.ts
#EXT-X-ENDLIST
`
	p, err := ParseString(content, mustBase(t, "http://example.com/video/index.m3u8"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if p.Type != TypeMedia {
		t.Fatalf("expected media playlist, got %v", p.Type)
	}
	if len(p.Segments) != 3 {
		t.Fatalf("expected 3 segments, got %d", len(p.Segments))
	}
	if p.Segments[0].URI != "http://example.com/video/a.ts" {
		t.Errorf("segment URI not resolved: %s", p.Segments[0].URI)
	}
	if p.TotalDuration != 28.0 {
		t.Errorf("expected total duration 28.0, got %f", p.TotalDuration)
	}
	if p.Live {
		t.Error("ENDLIST playlist must not be live")
	}
	if p.Key != nil {
		t.Error("unexpected encryption key")
	}
}

func TestParse_LiveWithoutEndlist(t *testing.T) {
	content := "#EXTM3U\n#EXTINF:6.0,\nseg0.ts\n"
	p, err := ParseString(content, nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !p.Live {
		t.Error("playlist without ENDLIST must be live")
	}
}

func TestParse_VODTypeEndsLive(t *testing.T) {
	content := "#EXTM3U\n#EXT-X-PLAYLIST-TYPE:VOD\n#EXTINF:6.0,\nseg0.ts\n"
	p, err := ParseString(content, nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.Live {
		t.Error("PLAYLIST-TYPE:VOD must not be live")
	}
}

func TestParse_MasterPlaylistSortedByBandwidth(t *testing.T) {
	content := `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=2560000,RESOLUTION=1920x1080,CODECS="avc1.64001f,mp4a.40.2"
high.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1280000,RESOLUTION=1280x720
low.m3u8
`
	p, err := ParseString(content, mustBase(t, "http://cdn.example.com/hls/master.m3u8"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.Type != TypeMaster {
		t.Fatalf("expected master playlist")
	}
	if len(p.Variants) != 2 {
		t.Fatalf("expected 2 variants, got %d", len(p.Variants))
	}
	if p.Variants[0].Bandwidth != 1280000 || p.Variants[1].Bandwidth != 2560000 {
		t.Errorf("variants not sorted ascending: %+v", p.Variants)
	}
	best := p.BestVariant()
	if best == nil || best.URI != "http://cdn.example.com/hls/high.m3u8" {
		t.Errorf("BestVariant = %+v", best)
	}
	if p.Variants[1].Codecs != "avc1.64001f,mp4a.40.2" {
		t.Errorf("codecs not parsed: %q", p.Variants[1].Codecs)
	}
}

func TestParse_KeyWithExplicitIV(t *testing.T) {
	content := `#EXTM3U
#EXT-X-KEY:METHOD=AES-128,URI="k.bin",IV=0x00112233445566778899AABBCCDDEEFF
#EXTINF:10.0,
enc0.ts
#EXT-X-ENDLIST
`
	p, err := ParseString(content, mustBase(t, "https://example.com/s/media.m3u8"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.Key == nil {
		t.Fatal("expected key")
	}
	if p.Key.Method != MethodAES128 {
		t.Errorf("method = %s", p.Key.Method)
	}
	if p.Key.URI != "https://example.com/s/k.bin" {
		t.Errorf("key URI not resolved: %s", p.Key.URI)
	}
	want := []byte{0x00, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, 0x77, 0x88, 0x99, 0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF}
	if !bytes.Equal(p.Key.IV, want) {
		t.Errorf("IV = %x", p.Key.IV)
	}
}

func TestParse_LaterKeyOverrides(t *testing.T) {
	content := `#EXTM3U
#EXT-X-KEY:METHOD=AES-128,URI="old.bin"
#EXTINF:10.0,
a.ts
#EXT-X-KEY:METHOD=AES-128,URI="new.bin"
#EXTINF:10.0,
b.ts
#EXT-X-ENDLIST
`
	p, err := ParseString(content, nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.Key == nil || p.Key.URI != "new.bin" {
		t.Errorf("expected last key to win, got %+v", p.Key)
	}
}

func TestParse_KeyMethodNoneClears(t *testing.T) {
	content := `#EXTM3U
#EXT-X-KEY:METHOD=AES-128,URI="k.bin"
#EXTINF:10.0,
a.ts
#EXT-X-KEY:METHOD=NONE
#EXTINF:10.0,
b.ts
#EXT-X-ENDLIST
`
	p, err := ParseString(content, nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.Key != nil {
		t.Errorf("METHOD=NONE must clear the key, got %+v", p.Key)
	}
}

func TestParse_ByteRange(t *testing.T) {
	content := `#EXTM3U
#EXT-X-BYTERANGE:1000@0
#EXTINF:4.0,
all.ts
#EXT-X-BYTERANGE:500
#EXTINF:4.0,
all.ts
#EXT-X-ENDLIST
`
	p, err := ParseString(content, nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if !p.Segments[0].HasByteRange() || p.Segments[0].ByteRangeLength != 1000 {
		t.Errorf("segment 0 range = %+v", p.Segments[0])
	}
	// No offset: continues after the previous range.
	if p.Segments[1].ByteRangeOffset != 1000 || p.Segments[1].ByteRangeLength != 500 {
		t.Errorf("segment 1 range = %+v", p.Segments[1])
	}
}

func TestParse_NotAPlaylist(t *testing.T) {
	cases := []string{
		"<html><body>nope</body></html>",
		"EXTM3U without hash",
		"",
	}
	for _, c := range cases {
		_, err := ParseString(c, nil)
		if !errors.Is(err, ErrNotPlaylist) {
			t.Errorf("input %q: expected ErrNotPlaylist, got %v", c, err)
		}
	}
}

func TestParse_HeaderAfterBlankLines(t *testing.T) {
	content := "\n\n#EXTM3U\n#EXTINF:2.0,\nx.ts\n#EXT-X-ENDLIST\n"
	p, err := ParseString(content, nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(p.Segments) != 1 {
		t.Fatalf("expected 1 segment, got %d", len(p.Segments))
	}
}

func TestParse_MediaSequence(t *testing.T) {
	content := "#EXTM3U\n#EXT-X-MEDIA-SEQUENCE:42\n#EXTINF:2.0,\nx.ts\n#EXT-X-ENDLIST\n"
	p, err := ParseString(content, nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if p.MediaSequence != 42 {
		t.Errorf("media sequence = %d", p.MediaSequence)
	}
}

func TestParseCompressed_Gzip(t *testing.T) {
	content := "#EXTM3U\n#EXTINF:2.0,\nx.ts\n#EXT-X-ENDLIST\n"

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(content)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	gw.Close()

	p, err := ParseCompressed(&buf, nil)
	if err != nil {
		t.Fatalf("ParseCompressed failed: %v", err)
	}
	if len(p.Segments) != 1 {
		t.Errorf("expected 1 segment, got %d", len(p.Segments))
	}
}

func TestParseCompressed_XZ(t *testing.T) {
	content := "#EXTM3U\n#EXTINF:2.0,\nx.ts\n#EXT-X-ENDLIST\n"

	var buf bytes.Buffer
	xw, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("xz writer: %v", err)
	}
	if _, err := xw.Write([]byte(content)); err != nil {
		t.Fatalf("xz write: %v", err)
	}
	xw.Close()

	p, err := ParseCompressed(&buf, nil)
	if err != nil {
		t.Fatalf("ParseCompressed failed: %v", err)
	}
	if len(p.Segments) != 1 {
		t.Errorf("expected 1 segment, got %d", len(p.Segments))
	}
}

func TestParseCompressed_Bzip2(t *testing.T) {
	content := "#EXTM3U\n#EXTINF:2.0,\nx.ts\n#EXT-X-ENDLIST\n"

	var buf bytes.Buffer
	bw, err := bzip2.NewWriter(&buf, &bzip2.WriterConfig{Level: bzip2.BestSpeed})
	if err != nil {
		t.Fatalf("bzip2 writer: %v", err)
	}
	if _, err := bw.Write([]byte(content)); err != nil {
		t.Fatalf("bzip2 write: %v", err)
	}
	bw.Close()

	p, err := ParseCompressed(&buf, nil)
	if err != nil {
		t.Fatalf("ParseCompressed failed: %v", err)
	}
	if len(p.Segments) != 1 {
		t.Errorf("expected 1 segment, got %d", len(p.Segments))
	}
}

func TestParseCompressed_Plain(t *testing.T) {
	content := "#EXTM3U\n#EXTINF:2.0,\nx.ts\n#EXT-X-ENDLIST\n"
	p, err := ParseCompressed(strings.NewReader(content), nil)
	if err != nil {
		t.Fatalf("ParseCompressed failed: %v", err)
	}
	if len(p.Segments) != 1 {
		t.Errorf("expected 1 segment, got %d", len(p.Segments))
	}
}
