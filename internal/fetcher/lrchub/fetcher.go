// Package lrchub fetches lyric files from per-track repositories laid out the LRCHub
// way: a manifest at select/index.json lists candidate files, and the best candidate
// is downloaded from the raw content host.
package lrchub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	collyfetcher "github.com/JakeFAU/lyricsdb/internal/fetcher/colly"
	"github.com/JakeFAU/lyricsdb/internal/lyrics"
	"github.com/JakeFAU/lyricsdb/internal/metrics"
	"github.com/JakeFAU/lyricsdb/internal/policy/retry"
)

// ManifestPath is the manifest location inside every source repository.
const ManifestPath = "select/index.json"

// Getter performs a single GET.
type Getter interface {
	Get(ctx context.Context, url string) (collyfetcher.Response, error)
}

// Budget is the shared rate budget consulted before each request.
type Budget interface {
	Wait(ctx context.Context) error
	ObserveHeader(status int, h http.Header)
}

// Config locates the raw content host.
type Config struct {
	// RawBaseURL is e.g. https://raw.githubusercontent.com.
	RawBaseURL string
	// Branch is used when a source does not name one.
	Branch string
}

type manifest struct {
	Title      string      `json:"title"`
	Artist     string      `json:"artist"`
	Album      string      `json:"album"`
	Duration   float64     `json:"duration"`
	Candidates []candidate `json:"candidates"`
}

type candidate struct {
	Path      string `json:"path"`
	HasSynced bool   `json:"has_synced"`
	Format    string `json:"format"`
}

// Fetcher implements lyrics.SourceFetcher.
type Fetcher struct {
	cfg    Config
	get    Getter
	budget Budget
	now    func() time.Time
	logger *zap.Logger
}

// New builds a Fetcher.
func New(cfg Config, get Getter, budget Budget, clock lyrics.Clock, logger *zap.Logger) *Fetcher {
	if cfg.RawBaseURL == "" {
		cfg.RawBaseURL = "https://raw.githubusercontent.com"
	}
	cfg.RawBaseURL = strings.TrimRight(cfg.RawBaseURL, "/")
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := func() time.Time { return time.Now().UTC() }
	if clock != nil {
		now = clock.Now
	}
	return &Fetcher{cfg: cfg, get: get, budget: budget, now: now, logger: logger.Named("lrchub")}
}

// Fetch downloads the manifest and the preferred lyric file of source.
func (f *Fetcher) Fetch(ctx context.Context, source lyrics.Source) ([]lyrics.RawDocument, error) {
	owner, repo, ok := strings.Cut(source.ID, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, &lyrics.FetchError{SourceID: source.ID, Attempts: 1, Err: errors.New("malformed source id")}
	}
	branch := source.Branch
	if branch == "" {
		branch = f.cfg.Branch
	}
	base := f.cfg.RawBaseURL + "/" + url.PathEscape(owner) + "/" + url.PathEscape(repo) + "/" + url.PathEscape(branch) + "/"

	body, err := f.request(ctx, source.ID, base+ManifestPath)
	if err != nil {
		return nil, err
	}
	var m manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, &lyrics.FetchError{SourceID: source.ID, URL: base + ManifestPath, Attempts: 1,
			Err: fmt.Errorf("decode manifest: %w", err)}
	}
	best, ok := pickCandidate(m.Candidates)
	if !ok {
		return nil, &lyrics.FetchError{SourceID: source.ID, URL: base + ManifestPath, Attempts: 1,
			Err: errors.New("empty manifest")}
	}

	fileURL := base + escapePath(best.Path)
	content, err := f.request(ctx, source.ID, fileURL)
	if err != nil {
		return nil, err
	}

	doc := lyrics.RawDocument{
		SourceID:     source.ID,
		SourceMarker: source.Marker,
		Path:         best.Path,
		Format:       formatOf(best),
		Body:         content,
		Synced:       best.HasSynced,
		Hint: lyrics.Hint{
			Title:      m.Title,
			Artist:     m.Artist,
			Album:      m.Album,
			DurationMs: int64(m.Duration * 1000),
		},
		FetchedAt: f.now(),
	}
	f.logger.Debug("fetched lyric file",
		zap.String("source_id", source.ID), zap.String("path", best.Path), zap.Int("bytes", len(content)))
	return []lyrics.RawDocument{doc}, nil
}

func (f *Fetcher) request(ctx context.Context, sourceID, target string) ([]byte, error) {
	if f.budget != nil {
		if err := f.budget.Wait(ctx); err != nil {
			return nil, &lyrics.FetchError{SourceID: sourceID, URL: target, Attempts: 1, Err: err}
		}
	}
	resp, err := f.get.Get(ctx, target)
	if f.budget != nil && resp.StatusCode != 0 {
		f.budget.ObserveHeader(resp.StatusCode, resp.Header)
	}
	if err != nil {
		metrics.ObserveFetch("error", 0)
		return nil, &lyrics.FetchError{
			SourceID:  sourceID,
			URL:       target,
			Status:    resp.StatusCode,
			Transient: retry.Transient(err),
			Attempts:  1,
			Err:       err,
		}
	}
	metrics.ObserveFetch("ok", len(resp.Body))
	return resp.Body, nil
}

// pickCandidate prefers the first synced candidate, else the first usable one.
func pickCandidate(cands []candidate) (candidate, bool) {
	var first *candidate
	for i := range cands {
		c := &cands[i]
		if strings.TrimSpace(c.Path) == "" {
			continue
		}
		if c.HasSynced {
			return *c, true
		}
		if first == nil {
			first = c
		}
	}
	if first == nil {
		return candidate{}, false
	}
	return *first, true
}

func formatOf(c candidate) lyrics.Format {
	switch strings.ToLower(c.Format) {
	case "lrc":
		return lyrics.FormatLRC
	case "text", "txt", "plain":
		return lyrics.FormatText
	}
	if strings.EqualFold(path.Ext(c.Path), ".lrc") {
		return lyrics.FormatLRC
	}
	return lyrics.FormatText
}

// escapePath escapes each segment of a repository-relative path.
func escapePath(p string) string {
	segs := strings.Split(strings.TrimLeft(p, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	return strings.Join(segs, "/")
}
