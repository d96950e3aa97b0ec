package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/dmdesk/internal/campaign"
	"github.com/MrWong99/dmdesk/internal/genqueue"
	"github.com/MrWong99/dmdesk/internal/health"
	"github.com/MrWong99/dmdesk/internal/queue"
	"github.com/MrWong99/dmdesk/internal/staging"
	"github.com/MrWong99/dmdesk/internal/staging/suggest"
	"github.com/MrWong99/dmdesk/internal/world"
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
`

var epoch = time.Date(1492, 6, 1, 18, 0, 0, 0, time.UTC)

// quietGenerator never suggests anyone; it only makes the service queue LLM
// requests.
type quietGenerator struct{}

func (quietGenerator) Suggest(context.Context, suggest.Input) []types.StagedNPC { return nil }

type testEnv struct {
	srv    *httptest.Server
	world  *world.Store
	queues *queue.Set
	hub    *Hub
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	cf, err := campaign.LoadFromReader(strings.NewReader(harborYAML))
	if err != nil {
		t.Fatalf("campaign: %v", err)
	}
	lookup := campaign.NewMemStore()
	lookup.Import(cf)

	ws := world.NewStore(world.WithEpoch(func() time.Time { return epoch }))
	qs := queue.NewSet()
	hub := NewHub(HubConfig{Actions: qs.PlayerActions})
	svc, err := staging.NewService(staging.Config{
		World:      ws,
		Queues:     qs,
		Lookup:     lookup,
		Repository: staging.NewMemRepository(),
		Regions:    lookup,
		Generator:  quietGenerator{},
		Notifier:   hub,
	})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	s := New(Config{
		Service:    svc,
		World:      ws,
		Queues:     qs,
		Generation: genqueue.New(qs, ws),
		Hub:        hub,
		Health:     health.New(health.WithQueueReport(qs.Report)),
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return &testEnv{srv: srv, world: ws, queues: qs, hub: hub}
}

// do sends a JSON request with actor headers and decodes the response into
// out when out is non-nil.
func (e *testEnv) do(t *testing.T, method, path string, role staging.Role, body, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != nil {
		if raw, ok := body.(string); ok {
			rdr = strings.NewReader(raw)
		} else {
			data, err := json.Marshal(body)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			rdr = bytes.NewReader(data)
		}
	}
	req, err := http.NewRequestWithContext(context.Background(), method, e.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set(HeaderUserID, "user-"+string(role))
	req.Header.Set(HeaderClientID, "client-"+string(role))
	if role != "" {
		req.Header.Set(HeaderRole, string(role))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestResolveApproveFlow(t *testing.T) {
	e := newTestEnv(t)
	const w = "/worlds/w1"

	var res staging.Resolution
	code := e.do(t, "POST", w+"/regions/rusty-flagon/resolve", staging.RolePlayer,
		map[string]string{"pc_id": "pc-1", "pc_name": "Aria"}, &res)
	if code != http.StatusAccepted || res.Status != staging.ResolutionPending || res.RequestID == "" {
		t.Fatalf("resolve = %d %+v, want 202 pending", code, res)
	}

	if code := e.do(t, "GET", w+"/staging/pending", staging.RolePlayer, nil, nil); code != http.StatusForbidden {
		t.Errorf("player pending list = %d, want 403", code)
	}
	var pending struct {
		Pending []types.PendingStagingApproval `json:"pending"`
	}
	if code := e.do(t, "GET", w+"/staging/pending", staging.RoleDM, nil, &pending); code != http.StatusOK {
		t.Fatalf("dm pending list = %d", code)
	}
	if len(pending.Pending) != 1 || pending.Pending[0].RegionName != "The Rusty Flagon" {
		t.Fatalf("pending = %+v", pending.Pending)
	}

	var d staging.Decision
	code = e.do(t, "POST", w+"/staging/approve", staging.RoleDM, staging.ApprovalResponse{
		RequestID: res.RequestID,
		TTLHours:  4,
		NPCs: []types.StagedNPC{
			{CharacterID: "mira", Name: "Mira Thornwood", IsPresent: true},
			{CharacterID: "spy", Name: "Spy", IsPresent: true, IsHiddenFromPlayers: true},
		},
	}, &d)
	if code != http.StatusOK {
		t.Fatalf("approve = %d", code)
	}
	if len(d.Released) != 1 || d.Released[0].PCID != "pc-1" || d.Staging.WorldID != "w1" {
		t.Errorf("decision = %+v", d)
	}

	code = e.do(t, "POST", w+"/regions/rusty-flagon/resolve", staging.RolePlayer,
		map[string]string{"pc_id": "pc-2"}, &res)
	if code != http.StatusOK || res.Status != staging.ResolutionReady {
		t.Fatalf("second resolve = %d %+v, want 200 ready", code, res)
	}
	if len(res.NPCs) != 1 || res.NPCs[0].CharacterID != "mira" {
		t.Errorf("visible npcs = %+v", res.NPCs)
	}

	var view staging.DMView
	if code := e.do(t, "GET", w+"/regions/rusty-flagon/staging", staging.RoleDM, nil, &view); code != http.StatusOK {
		t.Fatalf("dm view = %d", code)
	}
	if view.Current == nil || len(view.Current.NPCs) != 2 || !view.Valid {
		t.Errorf("dm view = %+v", view)
	}

	var hist struct {
		Stagings []types.Staging `json:"stagings"`
	}
	if code := e.do(t, "GET", w+"/regions/rusty-flagon/staging/history?limit=5", staging.RoleDM, nil, &hist); code != http.StatusOK {
		t.Fatalf("history = %d", code)
	}
	if len(hist.Stagings) != 1 {
		t.Errorf("history = %+v", hist.Stagings)
	}
}

func TestErrorMapping(t *testing.T) {
	e := newTestEnv(t)
	const w = "/worlds/w1"

	var res staging.Resolution
	e.do(t, "POST", w+"/regions/rusty-flagon/resolve", staging.RolePlayer, map[string]string{"pc_id": "pc-1"}, &res)

	tests := []struct {
		name   string
		method string
		path   string
		role   staging.Role
		body   any
		want   int
	}{
		{"unknown request", "POST", w + "/staging/approve", staging.RoleDM, map[string]any{"request_id": "nope", "ttl_hours": 2}, http.StatusNotFound},
		{"zero ttl", "POST", w + "/staging/approve", staging.RoleDM, map[string]any{"request_id": res.RequestID, "ttl_hours": 0}, http.StatusBadRequest},
		{"player approve", "POST", w + "/staging/approve", staging.RolePlayer, map[string]any{"request_id": res.RequestID, "ttl_hours": 2}, http.StatusForbidden},
		{"malformed body", "POST", w + "/staging/reject", staging.RoleDM, "{", http.StatusBadRequest},
		{"unknown field", "POST", w + "/staging/reject", staging.RoleDM, `{"request":"x"}`, http.StatusBadRequest},
		{"unknown role", "GET", w + "/staging/pending", staging.Role("king"), nil, http.StatusBadRequest},
		{"missing pc", "POST", w + "/regions/rusty-flagon/resolve", staging.RolePlayer, map[string]string{}, http.StatusBadRequest},
		{"bad history limit", "GET", w + "/regions/rusty-flagon/staging/history?limit=x", staging.RoleDM, nil, http.StatusBadRequest},
		{"prestage without ttl", "POST", w + "/staging/prestage", staging.RoleDM, map[string]any{"region_id": "market"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var er errorResponse
			if got := e.do(t, tt.method, tt.path, tt.role, tt.body, &er); got != tt.want {
				t.Errorf("status = %d, want %d (error %q)", got, tt.want, er.Error)
			}
			if er.Error == "" {
				t.Error("error body is empty")
			}
		})
	}

	// The pending approval survived every failed attempt.
	if _, ok := e.world.GetPendingStagingByRequestID("w1", res.RequestID); !ok {
		t.Error("pending approval lost")
	}
}

func TestRejectAndRegenerate(t *testing.T) {
	e := newTestEnv(t)
	const w = "/worlds/w1"

	var res staging.Resolution
	e.do(t, "POST", w+"/regions/rusty-flagon/resolve", staging.RolePlayer, map[string]string{"pc_id": "pc-1"}, &res)

	var p types.PendingStagingApproval
	code := e.do(t, "POST", w+"/staging/regenerate", staging.RoleDM, requestRef{RequestID: res.RequestID, Guidance: "busy night"}, &p)
	if code != http.StatusAccepted || p.Generation != 2 {
		t.Fatalf("regenerate = %d generation %d, want 202 generation 2", code, p.Generation)
	}
	var regen *queue.LLMRequest
	for _, it := range e.queues.LLMRequests.ListByStatus(queue.StatusPending) {
		if it.Payload.RequestID == res.RequestID && it.Payload.Generation == 2 {
			regen = &it.Payload
		}
	}
	if regen == nil || regen.Guidance != "busy night" {
		t.Errorf("regenerated llm request = %+v, want guidance %q", regen, "busy night")
	}

	var out struct {
		Notified []types.WaitingPC `json:"notified"`
	}
	if code := e.do(t, "POST", w+"/staging/reject", staging.RoleDM, requestRef{RequestID: res.RequestID}, &out); code != http.StatusOK {
		t.Fatalf("reject = %d", code)
	}
	if len(out.Notified) != 1 || out.Notified[0].PCID != "pc-1" {
		t.Errorf("notified = %+v", out.Notified)
	}
	if code := e.do(t, "POST", w+"/staging/reject", staging.RoleDM, requestRef{RequestID: res.RequestID}, nil); code != http.StatusNotFound {
		t.Errorf("second reject = %d, want 404", code)
	}
}

func TestPreStage(t *testing.T) {
	e := newTestEnv(t)
	var d staging.Decision
	code := e.do(t, "POST", "/worlds/w1/staging/prestage", staging.RoleDM, staging.PreStageRequest{
		RegionID: "rusty-flagon",
		TTLHours: 2,
		NPCs:     []types.StagedNPC{{CharacterID: "mira", Name: "Mira Thornwood", IsPresent: true}},
	}, &d)
	if code != http.StatusOK || d.Staging.Source != types.SourcePreStaged {
		t.Fatalf("prestage = %d %+v", code, d)
	}

	var res staging.Resolution
	if code := e.do(t, "POST", "/worlds/w1/regions/rusty-flagon/resolve", staging.RolePlayer, map[string]string{"pc_id": "pc-1"}, &res); code != http.StatusOK {
		t.Errorf("resolve after prestage = %d, want 200", code)
	}
}

func TestClockAndNotes(t *testing.T) {
	e := newTestEnv(t)

	if code := e.do(t, "PUT", "/worlds/w1/clock", staging.RolePlayer, clockRequest{Advance: "1h"}, nil); code != http.StatusForbidden {
		t.Errorf("player clock = %d, want 403", code)
	}
	if code := e.do(t, "PUT", "/worlds/w1/clock", staging.RoleDM, clockRequest{Advance: "-1h"}, nil); code != http.StatusBadRequest {
		t.Errorf("negative advance = %d, want 400", code)
	}
	if code := e.do(t, "PUT", "/worlds/w1/clock", staging.RoleDM, clockRequest{}, nil); code != http.StatusBadRequest {
		t.Errorf("empty clock request = %d, want 400", code)
	}

	var clk clockResponse
	if code := e.do(t, "PUT", "/worlds/w1/clock", staging.RoleDM, clockRequest{Advance: "2h30m"}, &clk); code != http.StatusOK {
		t.Fatalf("advance = %d", code)
	}
	if want := epoch.Add(150 * time.Minute); !clk.GameTime.Equal(want) {
		t.Errorf("game time = %s, want %s", clk.GameTime, want)
	}

	set := time.Date(1492, 6, 2, 8, 0, 0, 0, time.UTC)
	e.do(t, "PUT", "/worlds/w1/clock", staging.RoleDM, clockRequest{GameTime: set}, nil)
	e.do(t, "GET", "/worlds/w1/clock", staging.RolePlayer, nil, &clk)
	if !clk.GameTime.Equal(set) {
		t.Errorf("GET clock = %s, want %s", clk.GameTime, set)
	}

	if code := e.do(t, "PUT", "/worlds/w1/notes", staging.RoleDM, notesRequest{Notes: "storm tonight"}, nil); code != http.StatusNoContent {
		t.Errorf("notes = %d, want 204", code)
	}
	if got := e.world.DirectorialNotes("w1"); got != "storm tonight" {
		t.Errorf("notes = %q", got)
	}
}

func TestResolveAsyncQueuesAction(t *testing.T) {
	e := newTestEnv(t)
	var out map[string]string
	code := e.do(t, "POST", "/worlds/w1/regions/rusty-flagon/resolve?async=true", staging.RolePlayer,
		map[string]string{"pc_id": "pc-1", "pc_name": "Aria"}, &out)
	if code != http.StatusAccepted || out["item_id"] == "" {
		t.Fatalf("async resolve = %d %v", code, out)
	}
	item, ok := e.queues.PlayerActions.Get(out["item_id"])
	if !ok {
		t.Fatal("queued item not found")
	}
	if item.Payload.ClientID != "client-player" || item.Payload.RegionID != "rusty-flagon" {
		t.Errorf("payload = %+v", item.Payload)
	}
}

func TestAssetsAndGenerationQueue(t *testing.T) {
	e := newTestEnv(t)

	var ar assetResponse
	code := e.do(t, "POST", "/worlds/w1/assets", staging.RoleDM, assetRequest{
		BatchID: "b1",
		Items: []assetItem{
			{EntityID: "mira", AssetKind: queue.AssetPortrait, Prompt: "weathered innkeeper"},
			{EntityID: "mira", AssetKind: queue.AssetSprite},
		},
	}, &ar)
	if code != http.StatusAccepted || ar.BatchID != "b1" || len(ar.ItemIDs) != 2 {
		t.Fatalf("assets = %d %+v", code, ar)
	}
	if code := e.do(t, "POST", "/worlds/w1/assets", staging.RoleDM, assetRequest{Items: []assetItem{{EntityID: "x", AssetKind: "mural"}}}, nil); code != http.StatusBadRequest {
		t.Errorf("bad kind = %d, want 400", code)
	}

	var snap genqueue.Snapshot
	e.do(t, "GET", "/worlds/w1/generation-queue?user_id=user-dm", staging.RoleDM, nil, &snap)
	if len(snap.Batches) != 1 || snap.Batches[0].Total != 2 || snap.Batches[0].Read {
		t.Fatalf("snapshot = %+v", snap)
	}

	if code := e.do(t, "POST", "/generation-queue/read", staging.RoleDM, genqueue.MarkReadRequest{WorldID: "w1", BatchIDs: []string{"b1"}}, nil); code != http.StatusBadRequest {
		t.Errorf("mark read without user = %d, want 400", code)
	}
	if code := e.do(t, "POST", "/generation-queue/read", staging.RoleDM, genqueue.MarkReadRequest{UserID: "user-dm", WorldID: "w1", BatchIDs: []string{"b1"}}, nil); code != http.StatusNoContent {
		t.Errorf("mark read = %d, want 204", code)
	}
	e.do(t, "GET", "/worlds/w1/generation-queue?user_id=user-dm", staging.RoleDM, nil, &snap)
	if !snap.Batches[0].Read {
		t.Error("batch not marked read")
	}
}

func TestHealthRoutes(t *testing.T) {
	e := newTestEnv(t)
	e.queues.PlayerActions.Enqueue(queue.PlayerAction{WorldID: "w1"})

	var rep queue.Report
	if code := e.do(t, "GET", "/queues", "", nil, &rep); code != http.StatusOK {
		t.Fatalf("/queues = %d", code)
	}
	if rep.TotalPending != 1 || rep.Queues[queue.NamePlayerActions].Pending != 1 {
		t.Errorf("report = %+v", rep)
	}
	if code := e.do(t, "GET", "/healthz", "", nil, nil); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
}
