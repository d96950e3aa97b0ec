package config_test

import (
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/dmdesk/internal/config"
)

const deskYAML = `
server:
  listen_addr: ":8080"
  log_level: info
campaign:
  files: [harbor.yaml]
`

// reloads records every onChange call of a watcher.
type reloads struct {
	mu    sync.Mutex
	diffs []config.ConfigDiff
	last  *config.Config
	ch    chan struct{}
}

func newReloads() *reloads { return &reloads{ch: make(chan struct{}, 8)} }

func (r *reloads) onChange(old, new *config.Config) {
	r.mu.Lock()
	r.diffs = append(r.diffs, config.Diff(old, new))
	r.last = new
	r.mu.Unlock()
	r.ch <- struct{}{}
}

func (r *reloads) wait(t *testing.T) (config.ConfigDiff, *config.Config) {
	t.Helper()
	select {
	case <-r.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("no reload within 2s")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.diffs[len(r.diffs)-1], r.last
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.diffs)
}

// rewrite replaces the file and pushes its mtime forward so coarse
// filesystem timestamps still register a change.
func rewrite(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	at := time.Now().Add(bump)
	if err := os.Chtimes(path, at, at); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func startWatcher(t *testing.T, content string, environ map[string]string) (*config.Watcher, *reloads, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dmdesk.yaml")
	rewrite(t, path, content, 0)
	r := newReloads()
	w, err := config.NewWatcher(path, r.onChange, config.WithInterval(20*time.Millisecond), config.WithEnvironment(environ))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w, r, path
}

func TestWatcher_ReloadDiff(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		next        string
		wantLevel   config.LogLevel
		wantCamp    bool
		wantRestart []string
	}{
		{
			name:      "log level is live",
			next:      "server:\n  listen_addr: \":8080\"\n  log_level: debug\ncampaign:\n  files: [harbor.yaml]\n",
			wantLevel: config.LogDebug,
		},
		{
			name:     "campaign files are live",
			next:     "server:\n  listen_addr: \":8080\"\n  log_level: info\ncampaign:\n  files: [harbor.yaml, sewers.yaml]\n",
			wantCamp: true,
		},
		{
			name:        "listen address needs a restart",
			next:        "server:\n  listen_addr: \":9090\"\n  log_level: info\ncampaign:\n  files: [harbor.yaml]\n",
			wantRestart: []string{"server"},
		},
		{
			name:        "staging and queues need a restart",
			next:        "server:\n  listen_addr: \":8080\"\n  log_level: info\ncampaign:\n  files: [harbor.yaml]\nstaging:\n  default_ttl_hours: 4\nqueues:\n  llm_workers: 6\n",
			wantRestart: []string{"staging", "queues"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, r, path := startWatcher(t, deskYAML, map[string]string{})
			rewrite(t, path, tt.next, 2*time.Second)

			d, next := r.wait(t)
			if tt.wantLevel != "" && (!d.LogLevelChanged || d.NewLogLevel != tt.wantLevel) {
				t.Errorf("log level diff = %v %q, want %q", d.LogLevelChanged, d.NewLogLevel, tt.wantLevel)
			}
			if tt.wantLevel == "" && d.LogLevelChanged {
				t.Error("log level reported as changed")
			}
			if d.CampaignChanged != tt.wantCamp {
				t.Errorf("CampaignChanged = %v, want %v", d.CampaignChanged, tt.wantCamp)
			}
			if !slices.Equal(d.RestartRequired, tt.wantRestart) {
				t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, tt.wantRestart)
			}
			if w.Current() != next {
				t.Error("Current does not return the reloaded config")
			}
		})
	}
}

func TestWatcher_EnvironmentOverridesSurviveReload(t *testing.T) {
	t.Parallel()
	env := map[string]string{"DMDESK_LOG_LEVEL": "warn", "DMDESK_LISTEN_ADDR": ":7000"}
	w, r, path := startWatcher(t, deskYAML, env)

	if cur := w.Current(); cur.Server.LogLevel != config.LogWarn || cur.Server.ListenAddr != ":7000" {
		t.Fatalf("initial = %q %q, want env overrides", cur.Server.LogLevel, cur.Server.ListenAddr)
	}

	// The file's own level and address change, but the environment still wins.
	rewrite(t, path, "server:\n  listen_addr: \":9090\"\n  log_level: debug\ncampaign:\n  files: [harbor.yaml, sewers.yaml]\n", 2*time.Second)
	d, next := r.wait(t)
	if next.Server.LogLevel != config.LogWarn || next.Server.ListenAddr != ":7000" {
		t.Errorf("reloaded = %q %q, want env overrides", next.Server.LogLevel, next.Server.ListenAddr)
	}
	if d.LogLevelChanged || len(d.RestartRequired) != 0 || !d.CampaignChanged {
		t.Errorf("Diff = %+v, want campaign change only", d)
	}
}

func TestWatcher_IgnoredWrites(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content string
	}{
		{"invalid log level", "server:\n  log_level: bananas\n"},
		{"lease shorter than llm call", deskYAML + "queues:\n  lease_timeout: 5s\n"},
		{"malformed yaml", "server: [\n"},
		{"touch without change", deskYAML},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			w, r, path := startWatcher(t, deskYAML, map[string]string{})
			before := w.Current()

			rewrite(t, path, tt.content, 2*time.Second)
			time.Sleep(200 * time.Millisecond)

			if n := r.count(); n != 0 {
				t.Errorf("onChange called %d times, want 0", n)
			}
			if w.Current() != before {
				t.Error("Current changed after an ignored write")
			}
		})
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("missing file: expected error")
	}

	path := filepath.Join(t.TempDir(), "dmdesk.yaml")
	rewrite(t, path, "server:\n  log_level: bananas\n", 0)
	if _, err := config.NewWatcher(path, nil, config.WithEnvironment(map[string]string{})); err == nil {
		t.Error("invalid file: expected error")
	}
}

func TestWatcher_StopTwice(t *testing.T) {
	t.Parallel()
	w, _, _ := startWatcher(t, deskYAML, map[string]string{})
	w.Stop()
	w.Stop()
}
