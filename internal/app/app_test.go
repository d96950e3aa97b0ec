package app_test

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/dmdesk/internal/app"
	"github.com/MrWong99/dmdesk/internal/config"
	"github.com/MrWong99/dmdesk/internal/staging"
	"github.com/MrWong99/dmdesk/pkg/provider/llm"
	llmmock "github.com/MrWong99/dmdesk/pkg/provider/llm/mock"
	"github.com/MrWong99/dmdesk/pkg/types"
)

const harborYAML = `
campaign:
  name: "Harbor Nights"
regions:
  - id: rusty-flagon
    name: "The Rusty Flagon"
npcs:
  - id: mira
    name: "Mira Thornwood"
    relations:
      - region: rusty-flagon
        type: home
  - id: garrick
    name: "Garrick Stone"
    relations:
      - region: rusty-flagon
        type: works_at
`

// testConfig writes the harbor campaign to a temp dir and returns a config
// loading it.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harbor.yaml")
	if err := os.WriteFile(path, []byte(harborYAML), 0o600); err != nil {
		t.Fatalf("write campaign: %v", err)
	}
	doc := fmt.Sprintf(`
server:
  listen_addr: "127.0.0.1:0"
  shutdown_timeout: 2s
queues:
  poll_interval: 10ms
  reclaim_interval: 50ms
campaign:
  files: [%q]
`, path)
	cfg, err := config.LoadFromReader(strings.NewReader(doc), map[string]string{})
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

func listen(t *testing.T) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return l
}

// start runs a in the background and stops it when the test ends.
func start(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("Run did not return after cancel")
		}
		sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer scancel()
		if err := a.Shutdown(sctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestNew_CampaignFilesFeedLookup(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), nil, app.WithListener(listen(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start(t, a)

	res, err := a.Service().Resolve(context.Background(), staging.Arrival{
		WorldID:  "w1",
		RegionID: "rusty-flagon",
		PC:       types.WaitingPC{PCID: "pc-1", PCName: "Aria", UserID: "u1", ClientID: "c1"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if res.Status != staging.ResolutionPending {
		t.Fatalf("Status = %q, want pending", res.Status)
	}
	p, ok := a.World().GetPendingStagingByRequestID("w1", res.RequestID)
	if !ok {
		t.Fatal("pending approval not stored")
	}
	if got := len(p.Proposal.RuleBasedNPCs); got != 2 {
		t.Errorf("rule-based suggestions = %d, want 2", got)
	}
	if got := len(p.Proposal.LLMBasedNPCs); got != 0 {
		t.Errorf("llm suggestions without provider = %d, want 0", got)
	}
}

func TestRun_LLMWorkerAttachesSuggestions(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{
			Content: `[{"name":"Mira Thornwood","reason":"she lives upstairs"}]`,
		},
	}
	a, err := app.New(context.Background(), testConfig(t),
		&app.Providers{LLM: provider, LLMName: "mock"},
		app.WithListener(listen(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start(t, a)

	ctx := context.Background()
	res, err := a.Service().Resolve(ctx, staging.Arrival{
		WorldID:  "w1",
		RegionID: "rusty-flagon",
		PC:       types.WaitingPC{PCID: "pc-1", UserID: "u1", ClientID: "c1"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var pending *types.PendingStagingApproval
	waitFor(t, "llm suggestions", func() bool {
		p, ok := a.World().GetPendingStagingByRequestID("w1", res.RequestID)
		if ok && len(p.Proposal.LLMBasedNPCs) > 0 {
			pending = p
			return true
		}
		return false
	})
	if got := pending.Proposal.LLMBasedNPCs[0].CharacterID; got != "mira" {
		t.Errorf("llm suggestion = %q, want mira", got)
	}

	dm := staging.Actor{UserID: "dm", ClientID: "dm-1", Role: staging.RoleDM}
	if _, err := a.Service().Approve(ctx, dm, staging.ApprovalResponse{
		WorldID:   "w1",
		RequestID: res.RequestID,
		NPCs:      pending.Proposal.LLMBasedNPCs,
		TTLHours:  4,
		Source:    types.SourceLLMBased,
	}); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	res, err = a.Service().Resolve(ctx, staging.Arrival{WorldID: "w1", RegionID: "rusty-flagon"})
	if err != nil {
		t.Fatalf("Resolve after approve: %v", err)
	}
	if res.Status != staging.ResolutionReady || len(res.NPCs) != 1 {
		t.Errorf("Resolve after approve = %+v, want ready with one NPC", res)
	}
}

func TestRun_ServesHealth(t *testing.T) {
	t.Parallel()

	l := listen(t)
	a, err := app.New(context.Background(), testConfig(t), nil, app.WithListener(l))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	start(t, a)

	url := "http://" + l.Addr().String() + "/readyz"
	var status int
	waitFor(t, "readyz", func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		status = resp.StatusCode
		return true
	})
	if status != http.StatusOK {
		t.Errorf("readyz status = %d, want 200", status)
	}
}

func TestNew_MissingCampaignFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Campaign.Files = []string{filepath.Join(t.TempDir(), "missing.yaml")}
	if _, err := app.New(context.Background(), cfg, nil); err == nil {
		t.Fatal("New with missing campaign file: want error")
	}
}

func TestReload_LogLevel(t *testing.T) {
	t.Parallel()

	level := new(slog.LevelVar)
	old := testConfig(t)
	a, err := app.New(context.Background(), old, nil, app.WithLogLevel(level))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	next := *old
	next.Server.LogLevel = config.LogDebug
	a.Reload(context.Background(), old, &next)

	if got := level.Level(); got != slog.LevelDebug {
		t.Errorf("level = %v, want debug", got)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	a, err := app.New(context.Background(), testConfig(t), nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for range 2 {
		if err := a.Shutdown(context.Background()); err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	}
}
