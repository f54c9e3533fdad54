package hls

import (
	"bufio"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ulikunitz/xz"
)

// Maximum accepted line length. Some playlists carry very long signed URLs.
const maxLineSize = 1024 * 1024

// Matches duration and optional title: #EXTINF:10.0,Some Title
var extinfRegex = regexp.MustCompile(`^#EXTINF:\s*(-?[\d.]+)\s*,?(.*)$`)

// Matches KEY="value" or KEY=value attribute pairs in directive payloads.
var attrRegex = regexp.MustCompile(`([A-Z0-9-]+)=(?:"([^"]*)"|([^",]+))`)

// Parse reads an M3U8 playlist and returns its parsed form. Relative URIs
// are resolved against base (which may be nil). The first non-empty line
// must be #EXTM3U; anything else is ErrNotPlaylist.
func Parse(r io.Reader, base *url.URL) (*Playlist, error) {
	scanner := bufio.NewScanner(r)
	buf := make([]byte, maxLineSize)
	scanner.Buffer(buf, maxLineSize)

	p := &Playlist{Live: true}

	sawHeader := false
	var pending *Segment   // EXTINF seen, waiting for the URI line
	var pendingRange *byteRange
	var rangeCursor int64  // running offset for BYTERANGE without @offset

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !sawHeader {
			if !strings.HasPrefix(line, "#EXTM3U") {
				return nil, ErrNotPlaylist
			}
			sawHeader = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			p.Version, _ = strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:"))

		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			p.TargetDuration, _ = strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))

		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			p.MediaSequence, _ = strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"))

		case strings.HasPrefix(line, "#EXT-X-PLAYLIST-TYPE:"):
			p.PlaylistType = strings.TrimPrefix(line, "#EXT-X-PLAYLIST-TYPE:")
			if p.PlaylistType == "VOD" {
				p.Live = false
			}

		case strings.HasPrefix(line, "#EXT-X-ENDLIST"):
			p.Live = false

		case strings.HasPrefix(line, "#EXT-X-KEY:"):
			key, err := parseKey(strings.TrimPrefix(line, "#EXT-X-KEY:"), base)
			if err != nil {
				return nil, fmt.Errorf("parsing EXT-X-KEY: %w", err)
			}
			// Later directives override earlier ones for subsequent
			// segments; METHOD=NONE switches encryption back off.
			if key.Method == MethodNone {
				p.Key = nil
			} else {
				p.Key = key
			}

		case strings.HasPrefix(line, "#EXT-X-BYTERANGE:"):
			br, err := parseByteRange(strings.TrimPrefix(line, "#EXT-X-BYTERANGE:"), rangeCursor)
			if err != nil {
				return nil, fmt.Errorf("parsing EXT-X-BYTERANGE: %w", err)
			}
			pendingRange = br
			rangeCursor = br.offset + br.length

		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			variant, err := parseStreamInf(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			if err != nil {
				return nil, fmt.Errorf("parsing EXT-X-STREAM-INF: %w", err)
			}
			// The variant URI is the next non-comment line.
			uri, ok := nextURILine(scanner)
			if !ok {
				return nil, fmt.Errorf("EXT-X-STREAM-INF without a URI line")
			}
			variant.URI = resolveURI(base, uri)
			p.Variants = append(p.Variants, *variant)

		case strings.HasPrefix(line, "#EXTINF:"):
			seg, err := parseExtinf(line)
			if err != nil {
				return nil, err
			}
			pending = seg

		case strings.HasPrefix(line, "#"):
			// Unrecognized directive; tolerated.

		default:
			// URI line for the pending EXTINF.
			if pending == nil {
				continue
			}
			pending.URI = resolveURI(base, line)
			pending.ByteRangeLength = -1
			if pendingRange != nil {
				pending.ByteRangeLength = pendingRange.length
				pending.ByteRangeOffset = pendingRange.offset
				pendingRange = nil
			}
			p.TotalDuration += pending.Duration
			p.Segments = append(p.Segments, *pending)
			pending = nil
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning playlist: %w", err)
	}
	if !sawHeader {
		return nil, ErrNotPlaylist
	}

	if len(p.Variants) > 0 {
		p.Type = TypeMaster
		p.Live = false
		sort.SliceStable(p.Variants, func(i, j int) bool {
			return p.Variants[i].Bandwidth < p.Variants[j].Bandwidth
		})
	} else {
		p.Type = TypeMedia
	}

	return p, nil
}

// ParseString parses a playlist held in memory.
func ParseString(text string, base *url.URL) (*Playlist, error) {
	return Parse(strings.NewReader(text), base)
}

// ParseCompressed parses a playlist body that may be gzip, bzip2, or xz
// compressed, auto-detecting the format from magic bytes.
func ParseCompressed(r io.Reader, base *url.URL) (*Playlist, error) {
	br := bufio.NewReader(r)

	header, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("peeking header: %w", err)
	}

	var reader io.Reader = br
	switch {
	case len(header) >= 2 && header[0] == 0x1f && header[1] == 0x8b:
		gzr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating gzip reader: %w", err)
		}
		defer gzr.Close()
		reader = gzr

	case len(header) >= 3 && header[0] == 'B' && header[1] == 'Z' && header[2] == 'h':
		reader = bzip2.NewReader(br)

	case len(header) >= 6 && header[0] == 0xfd && header[1] == '7' && header[2] == 'z' &&
		header[3] == 'X' && header[4] == 'Z' && header[5] == 0x00:
		xzr, err := xz.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("creating xz reader: %w", err)
		}
		reader = xzr
	}

	return Parse(reader, base)
}

type byteRange struct {
	length int64
	offset int64
}

// parseByteRange parses "<n>[@<o>]". Without an offset the range starts
// at the cursor: the byte after the previous range.
func parseByteRange(s string, cursor int64) (*byteRange, error) {
	parts := strings.SplitN(s, "@", 2)
	length, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid length %q", parts[0])
	}
	offset := cursor
	if len(parts) == 2 {
		offset, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid offset %q", parts[1])
		}
	}
	return &byteRange{length: length, offset: offset}, nil
}

// parseExtinf parses an EXTINF line into a pending segment.
func parseExtinf(line string) (*Segment, error) {
	matches := extinfRegex.FindStringSubmatch(line)
	if matches == nil {
		return nil, fmt.Errorf("invalid EXTINF line %q", line)
	}
	duration, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid EXTINF duration %q", matches[1])
	}
	return &Segment{
		Duration:        duration,
		Title:           strings.TrimSpace(matches[2]),
		ByteRangeLength: -1,
	}, nil
}

// parseKey parses the attribute list of an EXT-X-KEY directive.
func parseKey(payload string, base *url.URL) (*Key, error) {
	key := &Key{}
	for _, m := range attrRegex.FindAllStringSubmatch(payload, -1) {
		value := m[2]
		if value == "" {
			value = m[3]
		}
		switch m[1] {
		case "METHOD":
			key.Method = KeyMethod(value)
		case "URI":
			key.URI = resolveURI(base, value)
		case "IV":
			iv, err := parseHexIV(value)
			if err != nil {
				return nil, err
			}
			key.IV = iv
		}
	}
	if key.Method == "" {
		return nil, fmt.Errorf("EXT-X-KEY without METHOD")
	}
	if key.Method != MethodNone && key.URI == "" {
		return nil, fmt.Errorf("EXT-X-KEY method %s without URI", key.Method)
	}
	return key, nil
}

// parseStreamInf parses the attribute list of an EXT-X-STREAM-INF directive.
func parseStreamInf(payload string) (*Variant, error) {
	v := &Variant{}
	for _, m := range attrRegex.FindAllStringSubmatch(payload, -1) {
		value := m[2]
		if value == "" {
			value = m[3]
		}
		switch m[1] {
		case "BANDWIDTH":
			bw, err := strconv.Atoi(value)
			if err != nil {
				return nil, fmt.Errorf("invalid BANDWIDTH %q", value)
			}
			v.Bandwidth = bw
		case "RESOLUTION":
			v.Resolution = value
		case "CODECS":
			v.Codecs = value
		}
	}
	if v.Bandwidth == 0 {
		return nil, fmt.Errorf("EXT-X-STREAM-INF without BANDWIDTH")
	}
	return v, nil
}

// nextURILine advances the scanner to the next non-empty, non-comment
// line, which by the grammar is the URI belonging to the preceding
// directive.
func nextURILine(scanner *bufio.Scanner) (string, bool) {
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return line, true
	}
	return "", false
}
