// Package updater checks GitHub Releases for a newer augur build and
// can replace the running binary in place. The check is best-effort:
// network failures never surface to the caller, and a "dev" build never
// reports an available update.
package updater

import (
	"archive/tar"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

const (
	githubRepo   = "dfarias/augur"
	latestURL    = "https://api.github.com/repos/" + githubRepo + "/releases/latest"
	checkTimeout = 10 * time.Second
)

// Overridable in tests.
var (
	releaseEndpoint = latestURL
	httpClient      = &http.Client{Timeout: checkTimeout}
)

type release struct {
	TagName string `json:"tag_name"`
	HTMLURL string `json:"html_url"`
	Assets  []struct {
		Name               string `json:"name"`
		BrowserDownloadURL string `json:"browser_download_url"`
	} `json:"assets"`
}

// Result reports the outcome of a version check.
type Result struct {
	CurrentVersion  string
	LatestVersion   string
	UpdateAvailable bool
	ReleaseURL      string
}

// fetchLatest queries the GitHub API for the newest release.
func fetchLatest(currentVersion string) (*release, error) {
	req, err := http.NewRequest(http.MethodGet, releaseEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	req.Header.Set("User-Agent", "augur/"+currentVersion)

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("GitHub API returned %d", resp.StatusCode)
	}

	var rel release
	if err := json.NewDecoder(resp.Body).Decode(&rel); err != nil {
		return nil, err
	}
	return &rel, nil
}

// CheckVersion compares the running version against the newest release.
// It never fails: on any error the result simply reports no update.
func CheckVersion(currentVersion string) *Result {
	result := &Result{CurrentVersion: normalizeVersion(currentVersion)}

	rel, err := fetchLatest(currentVersion)
	if err != nil {
		return result
	}

	result.LatestVersion = normalizeVersion(rel.TagName)
	result.ReleaseURL = rel.HTMLURL
	result.UpdateAvailable = isNewer(result.CurrentVersion, result.LatestVersion)
	return result
}

// SelfUpdate downloads the release asset for this OS/arch and replaces
// the running executable atomically (temp file, then rename).
func SelfUpdate(currentVersion string) error {
	rel, err := fetchLatest(currentVersion)
	if err != nil {
		return fmt.Errorf("checking latest release: %w", err)
	}

	latest := normalizeVersion(rel.TagName)
	if !isNewer(normalizeVersion(currentVersion), latest) {
		return fmt.Errorf("already at latest version (%s)", currentVersion)
	}

	assetName := AssetName(latest)
	var downloadURL string
	for _, asset := range rel.Assets {
		if asset.Name == assetName {
			downloadURL = asset.BrowserDownloadURL
			break
		}
	}
	if downloadURL == "" {
		return fmt.Errorf("no release asset for %s/%s (expected %s)", runtime.GOOS, runtime.GOARCH, assetName)
	}

	resp, err := httpClient.Get(downloadURL)
	if err != nil {
		return fmt.Errorf("downloading release: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("download returned %d", resp.StatusCode)
	}

	binary, err := extractBinary(resp.Body)
	if err != nil {
		return fmt.Errorf("extracting binary: %w", err)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding current executable: %w", err)
	}
	execPath, err = filepath.EvalSymlinks(execPath)
	if err != nil {
		return fmt.Errorf("resolving symlinks: %w", err)
	}

	tmpPath := execPath + ".new"
	if err := os.WriteFile(tmpPath, binary, 0o755); err != nil {
		return fmt.Errorf("writing new binary: %w", err)
	}
	if err := os.Rename(tmpPath, execPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replacing binary: %w", err)
	}
	return nil
}

// extractBinary pulls the augur binary out of a .tar.gz archive.
func extractBinary(r io.Reader) ([]byte, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("opening gzip: %w", err)
	}
	defer func() { _ = gz.Close() }()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading tar: %w", err)
		}
		if filepath.Base(header.Name) == "augur" {
			return io.ReadAll(tr)
		}
	}
	return nil, fmt.Errorf("augur binary not found in archive")
}

// AssetName is the expected archive name for this OS and architecture,
// matching the release pipeline's name template.
func AssetName(version string) string {
	return fmt.Sprintf("augur_%s_%s_%s.tar.gz", version, runtime.GOOS, runtime.GOARCH)
}

func normalizeVersion(v string) string {
	return strings.TrimPrefix(v, "v")
}

// isNewer compares two dotted versions numerically, part by part. Dev
// builds never count as outdated.
func isNewer(current, latest string) bool {
	if current == "" || latest == "" || current == "dev" {
		return false
	}
	cur := versionParts(current)
	lat := versionParts(latest)
	for i := 0; i < 3; i++ {
		if lat[i] != cur[i] {
			return lat[i] > cur[i]
		}
	}
	return false
}

// versionParts parses up to three numeric components, missing or
// malformed parts count as zero.
func versionParts(v string) [3]int {
	var out [3]int
	for i, part := range strings.SplitN(v, ".", 3) {
		n := 0
		for _, ch := range part {
			if ch < '0' || ch > '9' {
				break
			}
			n = n*10 + int(ch-'0')
		}
		out[i] = n
	}
	return out
}
