package updater

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func TestParseVersion(t *testing.T) {
	tests := []struct {
		in   string
		want string
		dev  bool
	}{
		{"1.2.3", "1.2.3", false},
		{"v1.2.3", "1.2.3", false},
		{"v2.0.0-rc.1", "2.0.0-rc.1", false},
		{"1.0.0+abc", "1.0.0", false},
		{"dev", "dev", true},
		{"", "dev", true},
		{"1.2", "dev", true},
		{"1.x.3", "dev", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			v := ParseVersion(tt.in)
			if v.String() != tt.want || v.IsDev() != tt.dev {
				t.Errorf("ParseVersion(%q) = %s dev=%v", tt.in, v, v.IsDev())
			}
		})
	}
}

func TestIsOlderThan(t *testing.T) {
	tests := []struct {
		a, b string
		want bool
	}{
		{"1.0.0", "1.0.1", true},
		{"1.0.1", "1.0.0", false},
		{"1.9.0", "1.10.0", true},
		{"2.0.0", "1.99.99", false},
		{"1.0.0", "1.0.0", false},
		{"1.0.0-rc.1", "1.0.0", true},
		{"1.0.0", "1.0.0-rc.1", false},
		{"dev", "9.9.9", false},
	}
	for _, tt := range tests {
		if got := ParseVersion(tt.a).IsOlderThan(ParseVersion(tt.b)); got != tt.want {
			t.Errorf("%s < %s = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestPickAsset(t *testing.T) {
	assets := []asset{
		{Name: "tangem-agent-linux-amd64.tar.gz", URL: "linux-tgz"},
		{Name: "tangem-agent_linux_amd64.deb", URL: "linux-deb"},
		{Name: "tangem-agent-linux-arm64.deb", URL: "linux-arm-deb"},
		{Name: "tangem-agent-macos-universal.dmg", URL: "mac-dmg"},
		{Name: "tangem-agent-windows-x64.msi", URL: "win-msi"},
		{Name: "tangem-agent-windows-x64.zip", URL: "win-zip"},
	}
	tests := []struct {
		goos, goarch, want string
	}{
		{"linux", "amd64", "linux-deb"},
		{"linux", "arm64", "linux-arm-deb"},
		{"darwin", "arm64", "mac-dmg"},
		{"windows", "amd64", "win-msi"},
		{"windows", "386", ""},
		{"freebsd", "amd64", ""},
	}
	for _, tt := range tests {
		if got := pickAsset(assets, tt.goos, tt.goarch); got != tt.want {
			t.Errorf("%s/%s = %q, want %q", tt.goos, tt.goarch, got, tt.want)
		}
	}
}

func newTestChecker(t *testing.T, version string, status int, releases []release) (*Checker, *int32) {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.Header.Get("User-Agent") != UserAgent {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(releases)
	}))
	t.Cleanup(srv.Close)

	c := NewChecker(version)
	c.url = srv.URL
	c.goos, c.goarch = "linux", "amd64"
	return c, &hits
}

func TestCheck(t *testing.T) {
	releases := []release{
		{TagName: "sdk-v3.0.0", HTMLURL: "sdk"},
		{TagName: "v1.3.0", Draft: true},
		{
			TagName: "v1.2.0",
			HTMLURL: "https://example.com/v1.2.0",
			Body:    strings.Repeat("n", 600),
			Assets:  []asset{{Name: "tangem-agent-linux-amd64.deb", URL: "deb"}},
		},
	}

	t.Run("update available", func(t *testing.T) {
		c, hits := newTestChecker(t, "1.1.0", http.StatusOK, releases)
		info := c.Check(context.Background(), false)
		if info.Error != "" {
			t.Fatal(info.Error)
		}
		if !info.Available || info.LatestVersion != "v1.2.0" || info.DownloadURL != "deb" {
			t.Errorf("info = %+v", info)
		}
		if len(info.ReleaseNotes) != maxNotesLength+3 {
			t.Errorf("notes length %d", len(info.ReleaseNotes))
		}

		c.Check(context.Background(), false)
		if atomic.LoadInt32(hits) != 1 {
			t.Errorf("cached check hit the server %d times", atomic.LoadInt32(hits))
		}
		c.Check(context.Background(), true)
		if atomic.LoadInt32(hits) != 2 {
			t.Errorf("forced check hit the server %d times", atomic.LoadInt32(hits))
		}
	})

	t.Run("up to date", func(t *testing.T) {
		c, _ := newTestChecker(t, "1.2.0", http.StatusOK, releases)
		if info := c.Check(context.Background(), false); info.Available {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("dev build", func(t *testing.T) {
		c, _ := newTestChecker(t, "dev", http.StatusOK, releases)
		info := c.Check(context.Background(), false)
		if info.Available || !info.IsDev {
			t.Errorf("info = %+v", info)
		}
	})

	t.Run("rate limited", func(t *testing.T) {
		c, _ := newTestChecker(t, "1.0.0", http.StatusForbidden, nil)
		if info := c.Check(context.Background(), false); !strings.Contains(info.Error, "rate limited") {
			t.Errorf("error = %q", info.Error)
		}
	})

	t.Run("no agent releases", func(t *testing.T) {
		c, _ := newTestChecker(t, "1.0.0", http.StatusOK, releases[:2])
		if info := c.Check(context.Background(), false); info.Error == "" {
			t.Error("expected an error")
		}
	})
}

func TestClearCache(t *testing.T) {
	c, hits := newTestChecker(t, "1.0.0", http.StatusOK, nil)
	c.Check(context.Background(), false)
	c.ClearCache()
	c.Check(context.Background(), false)
	if atomic.LoadInt32(hits) != 2 {
		t.Errorf("hits = %d, want 2", atomic.LoadInt32(hits))
	}
}
