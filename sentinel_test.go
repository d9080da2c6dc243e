package sentinel_test

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	cdx "github.com/CycloneDX/cyclonedx-go"

	"github.com/stretchr/testify/require"
)

const apiKey = "e2e-key"

var (
	sentinelPath string

	// tmpDir is a function used to create a tempdir
	// -test.keepdir flag says test to use os.MkdirTemp
	// default is t.TempDir, which will be cleaned up
	tmpDir func(t *testing.T) string
)

func TestMain(m *testing.M) {
	var keepTestDir bool
	flag.BoolVar(&keepTestDir, "test.keepdir", false, "use os.TempDir instead of t.TempDir to keep test artifacts")

	flag.Parse()

	if testing.Short() {
		slog.Warn("integration tests with -short are ignored")
		os.Exit(0)
	}

	if !keepTestDir {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			return t.TempDir()
		}
	} else {
		tmpDir = func(t *testing.T) string {
			t.Helper()
			dir, err := os.MkdirTemp("", t.Name()+"*")
			require.NoError(t, err)
			_, err = fmt.Fprintf(t.Output(), "TEMPDIR %s: -test.keepdir used, so it won't be automatically deleted", dir)
			require.NoError(t, err)
			return dir
		}
	}

	if !isExecutable("sentinel-ci") {
		slog.Error("cannot locate sentinel-ci binary: run go build -race -cover -covermode=atomic -o sentinel-ci ./cmd/sentinel/ first")
		os.Exit(1)
	}

	var err error
	sentinelPath, err = filepath.Abs("sentinel-ci")
	if err != nil {
		slog.Error("can't get abspath for sentinel-ci", "error", err)
		os.Exit(1)
	}
	coverDir, err := filepath.Abs("coverage")
	if err != nil {
		slog.Error("can't get value for GOCOVERDIR for sentinel-ci", "error", err)
		os.Exit(1)
	}
	err = rmRfMkdirp(coverDir)
	if err != nil {
		slog.Error("can't reset GOCOVERDIR for sentinel-ci", "error", err, "coverdir", coverDir)
		os.Exit(1)
	}

	err = os.Setenv("GOCOVERDIR", coverDir)
	if err != nil {
		slog.Error("can't set GOCOVERDIR env variable", "error", err)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

func TestSentinel(t *testing.T) {
	dir := tmpDir(t)
	provider := fakeProvider(t)

	config := fmt.Sprintf(`
version: 0
provider:
    base_url: %q
    request_delay: "10ms"
    max_retries: 1
targets:
    - 192.0.2.10
    - 192.0.2.99
storage:
    driver: sqlite
    dsn: %q
mirror:
    dir: %q
service:
    log_format: text
`, provider.URL, filepath.Join(dir, "sentinel.db"), filepath.Join(dir, "mirror"))
	configPath := filepath.Join(dir, "sentinel.yaml")
	creat(t, configPath, []byte(config))

	dbPath := filepath.Join(dir, "sentinel.db")

	t.Run("read only commands before the first run", func(t *testing.T) {
		for _, args := range [][]string{{"check"}, {"stats"}, {"export"}} {
			stderr := sentinelFail(t, configPath, args...)
			require.NotEmpty(t, stderr)
			_, err := os.Stat(dbPath)
			require.ErrorIs(t, err, fs.ErrNotExist, "%v created the database", args)
		}
	})

	t.Run("run", func(t *testing.T) {
		sentinel(t, configPath, "run")
		sentinel(t, configPath, "run")

		mirrored, err := filepath.Glob(filepath.Join(dir, "mirror", "*", "192.0.2.10.json"))
		require.NoError(t, err)
		require.Len(t, mirrored, 2)
	})

	t.Run("check", func(t *testing.T) {
		stdout := sentinel(t, configPath, "check")
		require.Contains(t, stdout, "ok: 2 targets")
	})

	t.Run("stats", func(t *testing.T) {
		stdout := sentinel(t, configPath, "stats", "--json")
		var stats struct {
			Runs     map[string]int64 `json:"runs"`
			Targets  int64            `json:"targets"`
			Services int64            `json:"services"`
		}
		require.NoError(t, json.Unmarshal([]byte(stdout), &stats))
		require.Equal(t, int64(2), stats.Runs["completed"])
		require.Equal(t, int64(1), stats.Targets)
		require.Equal(t, int64(2), stats.Services)
	})

	t.Run("export", func(t *testing.T) {
		out := filepath.Join(dir, "export.json")
		sentinel(t, configPath, "export", "--output", out)

		f, err := os.Open(out)
		require.NoError(t, err)
		t.Cleanup(func() { _ = f.Close() })
		bom := cdx.BOM{}
		require.NoError(t, cdx.NewBOMDecoder(f, cdx.BOMFileFormatJSON).Decode(&bom))

		require.Len(t, *bom.Components, 1)
		require.Equal(t, "192.0.2.10", (*bom.Components)[0].Name)
		require.Len(t, *(*bom.Components)[0].Components, 2)
		require.Len(t, *bom.Vulnerabilities, 1)
		require.Equal(t, "CVE-2023-44487", (*bom.Vulnerabilities)[0].ID)
		require.NotEmpty(t, *bom.Properties)
	})

	t.Run("cleanup", func(t *testing.T) {
		stdout := sentinel(t, configPath, "cleanup", "--older-than", "1h")
		require.Contains(t, stdout, "0 stuck runs")
	})
}

func TestSentinelInvalidConfig(t *testing.T) {
	dir := tmpDir(t)
	configPath := filepath.Join(dir, "sentinel.yaml")
	creat(t, configPath, []byte("version: 0\nstorage:\n    driver: postgres\n    dsn: x\n"))

	ctx, cancel := context.WithTimeout(t.Context(), 30*time.Second)
	t.Cleanup(cancel)
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, sentinelPath, "run", "--config", configPath)
	cmd.Stderr = &stderr
	err := cmd.Run()
	require.Error(t, err)
	require.Contains(t, stderr.String(), "storage.driver")
}

func fakeProvider(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api-info", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"plan": "dev", "query_credits": 100}`))
	})
	mux.HandleFunc("/shodan/host/{ip}", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != apiKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.PathValue("ip") != "192.0.2.10" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{
	"ip_str": "192.0.2.10",
	"org": "Example Org",
	"country_code": "CZ",
	"asn": "AS64500",
	"last_update": "2026-01-02T03:04:05.123456",
	"data": [
		{"port": 443, "transport": "tcp", "product": "nginx", "version": "1.25.3",
		 "vulns": {"CVE-2023-44487": {"cvss": 7.5}}},
		{"port": 22, "transport": "tcp", "product": "OpenSSH"}
	]
}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func sentinel(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, sentinelPath, append(args, "--config", configPath)...)
	cmd.Env = append(os.Environ(), "SHODAN_API_KEY="+apiKey)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		t.Logf("%s", stderr.String())
		require.NoError(t, err)
	}
	return stdout.String()
}

func sentinelFail(t *testing.T, configPath string, args ...string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 60*time.Second)
	t.Cleanup(cancel)

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, sentinelPath, append(args, "--config", configPath)...)
	cmd.Env = append(os.Environ(), "SHODAN_API_KEY="+apiKey)
	cmd.Stderr = &stderr
	err := cmd.Run()
	require.Error(t, err, "%v: expected a failure", args)
	return stderr.String()
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().Perm()&0111 != 0
}

func rmRfMkdirp(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove directory: %w", err)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	return nil
}

func creat(t *testing.T, path string, content []byte) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, f.Close())
	}()
	_, err = f.Write(content)
	require.NoError(t, err)
	err = f.Sync()
	require.NoError(t, err)
}
