// Package updater checks GitHub for newer agent releases.
package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/SimplyPrint/tangem-agent/internal/logging"
)

const (
	ReleasesURL    = "https://api.github.com/repos/SimplyPrint/tangem-agent/releases?per_page=20"
	CacheDuration  = 30 * time.Minute
	RequestTimeout = 10 * time.Second
	UserAgent      = "tangem-agent-updater"

	maxNotesLength = 500
)

// Agent releases are tagged v1.2.3; other tags in the repository are skipped.
var releaseTag = regexp.MustCompile(`^v\d+\.\d+\.\d+`)

type release struct {
	TagName     string    `json:"tag_name"`
	Body        string    `json:"body"`
	HTMLURL     string    `json:"html_url"`
	Draft       bool      `json:"draft"`
	PublishedAt time.Time `json:"published_at"`
	Assets      []asset   `json:"assets"`
}

type asset struct {
	Name string `json:"name"`
	URL  string `json:"browser_download_url"`
}

// UpdateInfo is the result of a check.
type UpdateInfo struct {
	Available      bool       `json:"available"`
	CurrentVersion string     `json:"currentVersion"`
	LatestVersion  string     `json:"latestVersion,omitempty"`
	ReleaseURL     string     `json:"releaseUrl,omitempty"`
	ReleaseNotes   string     `json:"releaseNotes,omitempty"`
	PublishedAt    *time.Time `json:"publishedAt,omitempty"`
	DownloadURL    string     `json:"downloadUrl,omitempty"`
	Platform       string     `json:"platform"`
	CheckedAt      time.Time  `json:"checkedAt"`
	Error          string     `json:"error,omitempty"`
	IsDev          bool       `json:"isDev"`
}

// Checker caches the last result for CacheDuration.
type Checker struct {
	current string
	url     string
	client  *http.Client
	goos    string
	goarch  string

	mu     sync.Mutex
	cached *UpdateInfo
	expiry time.Time
}

func NewChecker(currentVersion string) *Checker {
	return &Checker{
		current: currentVersion,
		url:     ReleasesURL,
		client:  &http.Client{Timeout: RequestTimeout},
		goos:    runtime.GOOS,
		goarch:  runtime.GOARCH,
	}
}

// Check returns the cached result unless it expired or force is set.
func (c *Checker) Check(ctx context.Context, force bool) UpdateInfo {
	c.mu.Lock()
	if !force && c.cached != nil && time.Now().Before(c.expiry) {
		info := *c.cached
		c.mu.Unlock()
		return info
	}
	c.mu.Unlock()

	info := c.fetch(ctx)
	if info.Error != "" {
		logging.Warn(logging.CatSystem, "Update check failed", map[string]any{
			"error": info.Error,
		})
	}

	c.mu.Lock()
	c.cached = &info
	c.expiry = time.Now().Add(CacheDuration)
	c.mu.Unlock()
	return info
}

func (c *Checker) ClearCache() {
	c.mu.Lock()
	c.cached = nil
	c.expiry = time.Time{}
	c.mu.Unlock()
}

func (c *Checker) fetch(ctx context.Context) UpdateInfo {
	current := ParseVersion(c.current)
	info := UpdateInfo{
		CurrentVersion: c.current,
		Platform:       c.goos + "/" + c.goarch,
		CheckedAt:      time.Now(),
		IsDev:          current.IsDev(),
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		info.Error = fmt.Sprintf("failed to create request: %v", err)
		return info
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.client.Do(req)
	if err != nil {
		info.Error = fmt.Sprintf("failed to fetch release info: %v", err)
		return info
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusForbidden, http.StatusTooManyRequests:
		info.Error = "rate limited by GitHub API, try again later"
		return info
	case http.StatusNotFound:
		info.Error = "no releases found"
		return info
	default:
		info.Error = fmt.Sprintf("GitHub API returned status %d", resp.StatusCode)
		return info
	}

	var releases []release
	if err := json.NewDecoder(resp.Body).Decode(&releases); err != nil {
		info.Error = fmt.Sprintf("failed to parse release info: %v", err)
		return info
	}

	// newest first
	var latest *release
	for i := range releases {
		if !releases[i].Draft && releaseTag.MatchString(releases[i].TagName) {
			latest = &releases[i]
			break
		}
	}
	if latest == nil {
		info.Error = "no agent releases found"
		return info
	}

	info.LatestVersion = latest.TagName
	info.ReleaseURL = latest.HTMLURL
	info.ReleaseNotes = truncate(latest.Body, maxNotesLength)
	info.PublishedAt = &latest.PublishedAt
	info.Available = current.IsOlderThan(ParseVersion(latest.TagName))
	info.DownloadURL = pickAsset(latest.Assets, c.goos, c.goarch)
	return info
}

var (
	archAliases = map[string][]string{
		"amd64": {"amd64", "x86_64", "x64"},
		"arm64": {"arm64", "aarch64"},
		"386":   {"386", "i386", "x86"},
	}
	osAliases = map[string][]string{
		"darwin":  {"darwin", "macos", "mac"},
		"windows": {"windows", "win"},
		"linux":   {"linux"},
	}
	// earlier is better
	extPreference = map[string][]string{
		"darwin":  {".dmg", ".pkg", ".tar.gz", ".zip"},
		"windows": {".msi", ".exe", ".zip"},
		"linux":   {".deb", ".rpm", ".tar.gz", ".zip"},
	}
)

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// pickAsset returns the download best matching the platform, or "".
func pickAsset(assets []asset, goos, goarch string) string {
	osNames := osAliases[goos]
	if osNames == nil {
		osNames = []string{goos}
	}
	archNames := archAliases[goarch]
	if archNames == nil {
		archNames = []string{goarch}
	}
	exts := extPreference[goos]
	if exts == nil {
		exts = []string{".tar.gz", ".zip"}
	}

	best, bestScore := "", len(exts)+1
	for _, a := range assets {
		name := strings.ToLower(a.Name)
		if !containsAny(name, osNames) {
			continue
		}
		if !containsAny(name, archNames) && !(goos == "darwin" && strings.Contains(name, "universal")) {
			continue
		}
		score := len(exts)
		for i, ext := range exts {
			if strings.HasSuffix(name, ext) {
				score = i
				break
			}
		}
		if score < bestScore {
			best, bestScore = a.URL, score
		}
	}
	return best
}

func truncate(notes string, max int) string {
	notes = strings.TrimSpace(notes)
	if len(notes) <= max {
		return notes
	}
	return notes[:max] + "..."
}
