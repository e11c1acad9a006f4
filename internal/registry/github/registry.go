// Package github enumerates lyric sources as the public repositories of a GitHub organisation.
package github

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	gh "github.com/google/go-github/v80/github"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/JakeFAU/lyricsdb/internal/lyrics"
)

// Budget is the shared rate budget consulted before each API page.
type Budget interface {
	Wait(ctx context.Context) error
	Observe(resp *http.Response)
}

// Config selects which repositories become sources.
type Config struct {
	Org             string
	Token           string
	APIBaseURL      string
	IncludeArchived bool
	// NamePattern, when set, keeps only repositories whose name matches.
	NamePattern string
	// Branch overrides each repository's default branch.
	Branch  string
	Timeout time.Duration
}

// Registry implements lyrics.SourceRegistry.
type Registry struct {
	cfg     Config
	client  *gh.Client
	pattern *regexp.Regexp
	budget  Budget
	logger  *zap.Logger
}

// New builds a Registry. httpClient may be nil; a token, when configured, is
// attached through an oauth2 transport.
func New(ctx context.Context, cfg Config, httpClient *http.Client, budget Budget, logger *zap.Logger) (*Registry, error) {
	if cfg.Org == "" {
		return nil, fmt.Errorf("github registry: org is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Token != "" {
		if httpClient != nil {
			ctx = context.WithValue(ctx, oauth2.HTTPClient, httpClient)
		}
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token})
		httpClient = oauth2.NewClient(ctx, ts)
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	httpClient.Timeout = cfg.Timeout
	client := gh.NewClient(httpClient)

	if cfg.APIBaseURL != "" {
		base := cfg.APIBaseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		u, err := url.Parse(base)
		if err != nil {
			return nil, fmt.Errorf("github registry: parse api base url: %w", err)
		}
		client.BaseURL = u
	}

	r := &Registry{cfg: cfg, client: client, budget: budget, logger: logger.Named("registry")}
	if cfg.NamePattern != "" {
		re, err := regexp.Compile(cfg.NamePattern)
		if err != nil {
			return nil, fmt.Errorf("github registry: compile name pattern: %w", err)
		}
		r.pattern = re
	}
	return r, nil
}

// ListSources pages through the organisation's public repositories. Any failure is
// returned as *lyrics.EnumerationError and no partial list is returned.
func (r *Registry) ListSources(ctx context.Context) ([]lyrics.Source, error) {
	opts := &gh.RepositoryListByOrgOptions{
		Type:        "public",
		ListOptions: gh.ListOptions{PerPage: 100},
	}
	var sources []lyrics.Source
	for {
		if r.budget != nil {
			if err := r.budget.Wait(ctx); err != nil {
				return nil, &lyrics.EnumerationError{Err: err}
			}
		}
		repos, resp, err := r.client.Repositories.ListByOrg(ctx, r.cfg.Org, opts)
		if resp != nil && r.budget != nil {
			r.budget.Observe(resp.Response)
		}
		if err != nil {
			return nil, &lyrics.EnumerationError{Err: fmt.Errorf("list repositories of %s (page %d): %w", r.cfg.Org, opts.Page, err)}
		}
		for _, repo := range repos {
			if src, ok := r.toSource(repo); ok {
				sources = append(sources, src)
			}
		}
		if resp == nil || resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })
	r.logger.Info("enumerated sources", zap.String("org", r.cfg.Org), zap.Int("count", len(sources)))
	return sources, nil
}

func (r *Registry) toSource(repo *gh.Repository) (lyrics.Source, bool) {
	name := repo.GetName()
	switch {
	case name == "" || strings.HasPrefix(name, "."):
		return lyrics.Source{}, false
	case repo.GetDisabled():
		return lyrics.Source{}, false
	case repo.GetArchived() && !r.cfg.IncludeArchived:
		return lyrics.Source{}, false
	case r.pattern != nil && !r.pattern.MatchString(name):
		return lyrics.Source{}, false
	}

	marker := ""
	switch {
	case !repo.GetPushedAt().IsZero():
		marker = repo.GetPushedAt().UTC().Format(time.RFC3339Nano)
	case !repo.GetUpdatedAt().IsZero():
		marker = repo.GetUpdatedAt().UTC().Format(time.RFC3339Nano)
	}

	branch := r.cfg.Branch
	if branch == "" {
		branch = repo.GetDefaultBranch()
	}
	owner := r.cfg.Org
	if login := repo.GetOwner().GetLogin(); login != "" {
		owner = login
	}
	return lyrics.Source{
		ID:     owner + "/" + name,
		Marker: marker,
		Branch: branch,
		Status: lyrics.SourcePending,
	}, true
}
