// Package githubrelease implements the Upstream Release Client (A8): it
// resolves a GitHub release by owner/repo/tag and exposes its assets as
// lazily-streamed catalog entries.
package githubrelease

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os/exec"
	"strings"
	"time"

	"github.com/google/go-github/v63/github"
	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/oauth2"

	"github.com/mattjoyce/dispatch/internal/catalog"
	"github.com/mattjoyce/dispatch/internal/log"
)

// ErrUpstreamUnavailable is returned once bounded retry is exhausted
// resolving a release or listing its assets (spec.md §7).
var ErrUpstreamUnavailable = errors.New("githubrelease: upstream unavailable")

// allowedAssetHostSuffix is the trust boundary for redirected asset downloads: a
// GitHub release asset's browser_download_url always redirects here.
const allowedAssetHostSuffix = ".githubusercontent.com"

// maxRedirectHops bounds automatic redirect following for asset downloads.
const maxRedirectHops = 2

// Config identifies the release to dispatch from.
type Config struct {
	Owner  string
	Repo   string
	Tag    string
	Token  string // resolved token; see ResolveToken
	Filter []string
}

// Client fetches release metadata and streams asset bytes.
type Client struct {
	config Config
	gh     *github.Client
	stream *http.Client
}

// New builds a Client. cfg.Token should already be resolved via
// ResolveToken.
func New(cfg Config) *Client {
	base := http.DefaultTransport
	if cfg.Token != "" {
		base = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}),
			Base:   http.DefaultTransport,
		}
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{Transport: base}
	retryClient.RetryMax = 4
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = log.WithComponent("githubrelease")

	stdClient := retryClient.StandardClient()
	stdClient.CheckRedirect = restrictRedirects

	return &Client{
		config: cfg,
		gh:     github.NewClient(stdClient),
		stream: stdClient,
	}
}

// restrictRedirects permits at most maxRedirectHops automatic redirects, and
// only onto hosts under githubusercontent.com — the trust boundary of a
// GitHub-hosted release asset.
func restrictRedirects(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirectHops {
		return fmt.Errorf("githubrelease: too many redirects (max %d)", maxRedirectHops)
	}
	if !strings.HasSuffix(req.URL.Hostname(), allowedAssetHostSuffix) {
		return fmt.Errorf("githubrelease: refusing redirect to untrusted host %q", req.URL.Hostname())
	}
	return nil
}

// ResolveToken resolves the GitHub auth token in priority order: an
// explicit flag value, the DISPATCH_GITHUB_TOKEN environment variable, or
// `gh auth token` as a fallback, exactly as the original CLI did.
func ResolveToken(flagToken string, env func(string) string, lookupGH func() (string, error)) string {
	if flagToken != "" {
		return flagToken
	}
	if v := env("DISPATCH_GITHUB_TOKEN"); v != "" {
		return v
	}
	if lookupGH != nil {
		if token, err := lookupGH(); err == nil {
			return strings.TrimSpace(token)
		}
	}
	return ""
}

// GHAuthToken shells out to `gh auth token`, the fallback ResolveToken uses
// by default outside of tests.
func GHAuthToken() (string, error) {
	out, err := exec.Command("gh", "auth", "token").Output()
	if err != nil {
		return "", fmt.Errorf("gh auth token: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ListAssets resolves the configured release and returns its assets as
// catalog entries, filtered by literal name membership if cfg.Filter is
// non-empty. Content-type admission happens later, in catalog.Build.
func (c *Client) ListAssets(ctx context.Context) ([]catalog.Entry, error) {
	release, _, err := c.gh.Repositories.GetReleaseByTag(ctx, c.config.Owner, c.config.Repo, c.config.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve release %s/%s@%s: %v", ErrUpstreamUnavailable, c.config.Owner, c.config.Repo, c.config.Tag, err)
	}

	var filter map[string]struct{}
	if len(c.config.Filter) > 0 {
		filter = make(map[string]struct{}, len(c.config.Filter))
		for _, f := range c.config.Filter {
			filter[f] = struct{}{}
		}
	}

	entries := make([]catalog.Entry, 0, len(release.Assets))
	for _, asset := range release.Assets {
		name := asset.GetName()
		if filter != nil {
			if _, ok := filter[name]; !ok {
				continue
			}
		}
		entries = append(entries, catalog.Entry{
			Name:              name,
			Size:              int64(asset.GetSize()),
			SourceContentType: asset.GetContentType(),
			Source:            &assetSource{client: c, assetID: asset.GetID(), browserURL: asset.GetBrowserDownloadURL()},
		})
	}

	return entries, nil
}

// assetSource lazily streams one release asset's bytes on Open.
type assetSource struct {
	client     *Client
	assetID    int64
	browserURL string
}

func (s *assetSource) Open(ctx context.Context) (io.ReadCloser, error) {
	rc, redirectURL, err := s.client.gh.Repositories.DownloadReleaseAsset(ctx, s.client.config.Owner, s.client.config.Repo, s.assetID, s.client.stream)
	if err != nil {
		return nil, fmt.Errorf("%w: download asset %d: %v", ErrUpstreamUnavailable, s.assetID, err)
	}
	if rc != nil {
		return rc, nil
	}

	// go-github returns a non-nil redirectURL instead of a body when the
	// asset lives behind a redirect it did not itself follow (some private
	// repo configurations). Fetch it ourselves through the restricted
	// streaming client.
	if redirectURL == "" {
		return nil, fmt.Errorf("%w: asset %d: no body and no redirect URL", ErrUpstreamUnavailable, s.assetID)
	}
	if _, err := url.Parse(redirectURL); err != nil {
		return nil, fmt.Errorf("%w: asset %d: invalid redirect URL: %v", ErrUpstreamUnavailable, s.assetID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, redirectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: asset %d: %v", ErrUpstreamUnavailable, s.assetID, err)
	}
	resp, err := s.client.stream.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: asset %d: %v", ErrUpstreamUnavailable, s.assetID, err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("%w: asset %d: redirect fetch returned %s", ErrUpstreamUnavailable, s.assetID, resp.Status)
	}
	return resp.Body, nil
}
