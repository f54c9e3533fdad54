// Package analyzer resolves user-supplied URLs into download plans. A
// direct M3U8 URL is fetched and parsed; an arbitrary web page is
// scanned for playlist candidates in script bodies, player-config JSON
// and API endpoints.
package analyzer

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"regexp"
	"strings"

	"golang.org/x/net/html"

	"github.com/astroair/vidtanium/internal/httpclient"
	"github.com/astroair/vidtanium/internal/models"
	"github.com/astroair/vidtanium/pkg/hls"
)

// maxRecursion bounds master-playlist indirection to avoid loops.
const maxRecursion = 2

// m3u8URLPattern matches playlist URLs embedded in script text or JSON.
var m3u8URLPattern = regexp.MustCompile(`https?://[^"'\s\\]+?\.m3u8[^"'\s\\]*`)

// sourcesSrcPattern matches the src values of common JSON player configs:
// {"sources": [{"src": "https://…/index.m3u8"}]}.
var sourcesSrcPattern = regexp.MustCompile(`"(?:src|file|url)"\s*:\s*"([^"]+?\.m3u8[^"]*)"`)

// NoMediaFoundError reports that no candidate on the page parsed as a
// playlist, listing everything that was tried.
type NoMediaFoundError struct {
	URL        string
	Candidates []string
}

// Error implements the error interface.
func (e *NoMediaFoundError) Error() string {
	return fmt.Sprintf("no media playlist found at %s (%d candidates tried)", e.URL, len(e.Candidates))
}

// Result is a fully resolved media playlist plus its base URL.
type Result struct {
	Playlist *hls.Playlist
	Base     *url.URL
}

// Analyzer discovers and parses playlists behind user URLs.
type Analyzer struct {
	client *httpclient.Client
	logger *slog.Logger

	// selectLowest picks the lowest-bandwidth master variant instead of
	// the default highest.
	selectLowest bool
}

// New creates an analyzer using the shared HTTP client.
func New(client *httpclient.Client, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{client: client, logger: logger}
}

// WithLowestBandwidth selects the lowest-bandwidth variant of master
// playlists.
func (a *Analyzer) WithLowestBandwidth(lowest bool) *Analyzer {
	a.selectLowest = lowest
	return a
}

// Analyze resolves a user URL to a media playlist. Master playlists are
// followed to the selected variant; non-playlist URLs are treated as web
// pages and scanned for candidates.
func (a *Analyzer) Analyze(ctx context.Context, rawURL string) (*Result, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("malformed URL %q", rawURL)
	}

	if isPlaylistURL(u) {
		return a.fetchPlaylist(ctx, u, 0)
	}
	return a.scanPage(ctx, u)
}

// isPlaylistURL reports whether the URL path names an M3U8 resource.
// The query string is ignored; the extension match is case-insensitive.
func isPlaylistURL(u *url.URL) bool {
	return strings.EqualFold(path.Ext(u.Path), ".m3u8")
}

// fetchPlaylist fetches and parses a playlist URL, following master
// indirection up to maxRecursion levels.
func (a *Analyzer) fetchPlaylist(ctx context.Context, u *url.URL, depth int) (*Result, error) {
	if depth > maxRecursion {
		return nil, fmt.Errorf("playlist recursion limit exceeded at %s", u)
	}

	body, err := a.client.Fetch(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("fetching playlist: %w", err)
	}

	p, err := hls.ParseCompressed(bytes.NewReader(body), u)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist at %s: %w", u, err)
	}

	if p.Type == hls.TypeMaster {
		variant := p.BestVariant()
		if a.selectLowest {
			variant = p.WorstVariant()
		}
		if variant == nil {
			return nil, fmt.Errorf("master playlist at %s has no variants", u)
		}
		vu, err := url.Parse(variant.URI)
		if err != nil {
			return nil, fmt.Errorf("invalid variant URI %q: %w", variant.URI, err)
		}
		a.logger.Debug("selected variant",
			slog.String("uri", variant.URI),
			slog.Int("bandwidth", variant.Bandwidth))
		return a.fetchPlaylist(ctx, vu, depth+1)
	}

	return &Result{Playlist: p, Base: u}, nil
}

// scanPage fetches a web page and tries every playlist candidate found
// in it, returning the first that parses.
func (a *Analyzer) scanPage(ctx context.Context, pageURL *url.URL) (*Result, error) {
	body, err := a.client.Fetch(ctx, pageURL.String())
	if err != nil {
		return nil, fmt.Errorf("fetching page: %w", err)
	}

	candidates := a.collectCandidates(ctx, pageURL, body)

	tried := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		cu, err := url.Parse(candidate)
		if err != nil {
			continue
		}
		tried = append(tried, candidate)

		res, err := a.fetchPlaylist(ctx, pageURL.ResolveReference(cu), 0)
		if err != nil {
			a.logger.Debug("candidate rejected",
				slog.String("candidate", candidate),
				slog.String("error", err.Error()))
			continue
		}
		return res, nil
	}

	return nil, &NoMediaFoundError{URL: pageURL.String(), Candidates: tried}
}

// collectCandidates extracts deduplicated playlist candidates from an
// HTML document: URLs in script text, player-config JSON sources, and
// the bodies of /api/ links (each fetched once).
func (a *Analyzer) collectCandidates(ctx context.Context, pageURL *url.URL, body []byte) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(c string) {
		if c != "" && !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		// Malformed HTML still gets a raw text scan.
		for _, m := range m3u8URLPattern.FindAllString(string(body), -1) {
			add(m)
		}
		return out
	}

	var apiLinks []string
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script":
				if n.FirstChild != nil && n.FirstChild.Type == html.TextNode {
					text := n.FirstChild.Data
					for _, m := range sourcesSrcPattern.FindAllStringSubmatch(text, -1) {
						add(unescapeJSON(m[1]))
					}
					for _, m := range m3u8URLPattern.FindAllString(text, -1) {
						add(unescapeJSON(m))
					}
				}
			case "a":
				for _, attr := range n.Attr {
					if attr.Key == "href" && strings.Contains(attr.Val, "/api/") {
						apiLinks = append(apiLinks, attr.Val)
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	// API links are fetched once each; their response bodies are scanned
	// for a playlist URL.
	fetched := make(map[string]bool)
	for _, link := range apiLinks {
		lu, err := url.Parse(link)
		if err != nil {
			continue
		}
		resolved := pageURL.ResolveReference(lu).String()
		if fetched[resolved] {
			continue
		}
		fetched[resolved] = true
		respBody, err := a.client.Fetch(ctx, resolved)
		if err != nil {
			a.logger.Debug("api link fetch failed",
				slog.String("url", resolved),
				slog.String("error", err.Error()))
			continue
		}
		for _, m := range m3u8URLPattern.FindAllString(string(respBody), -1) {
			add(unescapeJSON(m))
		}
	}

	return out
}

// unescapeJSON undoes the escaping commonly found in inline player
// configs: \/ for / and &amp; for &.
func unescapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\/`, "/")
	s = strings.ReplaceAll(s, "&amp;", "&")
	return s
}

// PlanFromPlaylist converts a parsed media playlist into an immutable
// download plan.
func PlanFromPlaylist(p *hls.Playlist, name, outputPath string) (*models.Plan, error) {
	if p.Type != hls.TypeMedia {
		return nil, fmt.Errorf("cannot plan from a master playlist")
	}

	plan := &models.Plan{
		Name:          name,
		TotalDuration: p.TotalDuration,
		Live:          p.Live,
		OutputPath:    outputPath,
		Encryption:    models.EncryptionSpec{Method: models.EncryptionNone},
	}

	if p.Key != nil && p.Key.Method == hls.MethodAES128 {
		plan.Encryption = models.EncryptionSpec{
			Method: models.EncryptionAES128,
			KeyURI: p.Key.URI,
			IV:     p.Key.IV,
		}
	}

	plan.Segments = make([]models.Segment, len(p.Segments))
	for i, seg := range p.Segments {
		s := models.Segment{
			Index:    i,
			Sequence: p.MediaSequence + i,
			URI:      seg.URI,
			Duration: seg.Duration,
			State:    models.SegmentPending,
		}
		if seg.HasByteRange() {
			s.ByteRange = &models.ByteRange{
				Start: seg.ByteRangeOffset,
				End:   seg.ByteRangeOffset + seg.ByteRangeLength - 1,
			}
		}
		plan.Segments[i] = s
	}

	return plan, nil
}
