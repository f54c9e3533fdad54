package hls

import (
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
)

// Render writes the canonical textual form of a playlist. Rendering a
// parsed playlist and parsing it back yields an equal playlist for the
// directive subset this package understands.
func Render(p *Playlist, w io.Writer) error {
	if _, err := fmt.Fprintln(w, "#EXTM3U"); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	if p.Version > 0 {
		if _, err := fmt.Fprintf(w, "#EXT-X-VERSION:%d\n", p.Version); err != nil {
			return fmt.Errorf("writing version: %w", err)
		}
	}

	if p.Type == TypeMaster {
		return renderMaster(p, w)
	}
	return renderMedia(p, w)
}

func renderMaster(p *Playlist, w io.Writer) error {
	for _, v := range p.Variants {
		line := "#EXT-X-STREAM-INF:BANDWIDTH=" + strconv.Itoa(v.Bandwidth)
		if v.Resolution != "" {
			line += ",RESOLUTION=" + v.Resolution
		}
		if v.Codecs != "" {
			line += `,CODECS="` + v.Codecs + `"`
		}
		if _, err := fmt.Fprintf(w, "%s\n%s\n", line, v.URI); err != nil {
			return fmt.Errorf("writing variant: %w", err)
		}
	}
	return nil
}

func renderMedia(p *Playlist, w io.Writer) error {
	if p.TargetDuration > 0 {
		if _, err := fmt.Fprintf(w, "#EXT-X-TARGETDURATION:%d\n", p.TargetDuration); err != nil {
			return fmt.Errorf("writing target duration: %w", err)
		}
	}
	if p.MediaSequence > 0 {
		if _, err := fmt.Fprintf(w, "#EXT-X-MEDIA-SEQUENCE:%d\n", p.MediaSequence); err != nil {
			return fmt.Errorf("writing media sequence: %w", err)
		}
	}
	if p.PlaylistType != "" {
		if _, err := fmt.Fprintf(w, "#EXT-X-PLAYLIST-TYPE:%s\n", p.PlaylistType); err != nil {
			return fmt.Errorf("writing playlist type: %w", err)
		}
	}
	if p.Key != nil {
		line := fmt.Sprintf(`#EXT-X-KEY:METHOD=%s,URI="%s"`, p.Key.Method, p.Key.URI)
		if len(p.Key.IV) == 16 {
			line += ",IV=0x" + hex.EncodeToString(p.Key.IV)
		}
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("writing key: %w", err)
		}
	}

	for _, s := range p.Segments {
		if s.HasByteRange() {
			if _, err := fmt.Fprintf(w, "#EXT-X-BYTERANGE:%d@%d\n", s.ByteRangeLength, s.ByteRangeOffset); err != nil {
				return fmt.Errorf("writing byte range: %w", err)
			}
		}
		title := s.Title
		if _, err := fmt.Fprintf(w, "#EXTINF:%s,%s\n%s\n", formatDuration(s.Duration), title, s.URI); err != nil {
			return fmt.Errorf("writing segment: %w", err)
		}
	}

	if !p.Live {
		if _, err := fmt.Fprintln(w, "#EXT-X-ENDLIST"); err != nil {
			return fmt.Errorf("writing endlist: %w", err)
		}
	}
	return nil
}

// formatDuration renders an EXTINF duration with at most three decimals,
// keeping at least one so the value round-trips as a float.
func formatDuration(d float64) string {
	s := strconv.FormatFloat(d, 'f', 3, 64)
	// Trim trailing zeros but keep one decimal digit.
	for len(s) > 0 && s[len(s)-1] == '0' && s[len(s)-2] != '.' {
		s = s[:len(s)-1]
	}
	return s
}
