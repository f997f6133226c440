// Package gitsource fetches repository source archives from GitHub on behalf
// of build machines, which never hold GitHub credentials themselves.
package gitsource

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TokenSource exchanges a GitHub App installation id for an installation
// access token.
type TokenSource interface {
	InstallationToken(ctx context.Context, installationID int64) (string, error)
}

// StaticTokenSource serves a fixed token for every installation. Used in
// development and tests; production injects a GitHub App token exchanger.
type StaticTokenSource string

// InstallationToken returns the fixed token.
func (s StaticTokenSource) InstallationToken(ctx context.Context, installationID int64) (string, error) {
	if s == "" {
		return "", fmt.Errorf("gitsource: no token configured")
	}
	return string(s), nil
}

// Archive is an open tarball stream plus the filename to serve it under.
type Archive struct {
	Body     io.ReadCloser
	Filename string
}

// Fetcher downloads repository tarballs through the GitHub REST API.
type Fetcher struct {
	baseURL    string
	tokens     TokenSource
	httpClient *http.Client
}

// NewFetcher constructs a Fetcher. An empty base falls back to the public
// GitHub API.
func NewFetcher(base string, tokens TokenSource) *Fetcher {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if trimmed == "" {
		trimmed = "https://api.github.com"
	}
	return &Fetcher{
		baseURL:    trimmed,
		tokens:     tokens,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

// FetchTarball streams the gzipped tarball for owner/repo at ref. The caller
// owns the returned body.
func (f *Fetcher) FetchTarball(ctx context.Context, installationID int64, owner, repo, ref string) (Archive, error) {
	if owner == "" || repo == "" || ref == "" {
		return Archive{}, fmt.Errorf("gitsource: owner, repo and ref are all required")
	}
	token, err := f.tokens.InstallationToken(ctx, installationID)
	if err != nil {
		return Archive{}, fmt.Errorf("installation token for %d: %w", installationID, err)
	}

	url := fmt.Sprintf("%s/repos/%s/%s/tarball/%s", f.baseURL, owner, repo, ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Archive{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return Archive{}, fmt.Errorf("fetch tarball %s/%s@%s: %w", owner, repo, ref, err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return Archive{}, fmt.Errorf("fetch tarball %s/%s@%s: status %d: %s", owner, repo, ref, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	return Archive{
		Body:     resp.Body,
		Filename: fmt.Sprintf("%s-%s-%s.tar.gz", owner, repo, shortRef(ref)),
	}, nil
}

func shortRef(ref string) string {
	ref = strings.TrimPrefix(ref, "refs/heads/")
	ref = strings.ReplaceAll(ref, "/", "-")
	if len(ref) > 12 {
		ref = ref[:12]
	}
	return ref
}
