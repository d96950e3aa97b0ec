// Package server exposes the staging workflow over HTTP and pushes staging
// events to connected clients over WebSocket.
//
// Routes use Go 1.22 method and wildcard patterns:
//
//	POST /worlds/{world}/regions/{region}/resolve          player arrival
//	GET  /worlds/{world}/regions/{region}/staging          DM view
//	GET  /worlds/{world}/regions/{region}/staging/history  DM history
//	GET  /worlds/{world}/staging/pending                   DM reconnect list
//	POST /worlds/{world}/staging/approve                   DM approve
//	POST /worlds/{world}/staging/reject                    DM reject
//	POST /worlds/{world}/staging/regenerate                DM regenerate
//	POST /worlds/{world}/staging/prestage                  DM pre-stage
//	GET  /worlds/{world}/clock, PUT /worlds/{world}/clock  game time
//	PUT  /worlds/{world}/notes                             directorial notes
//	POST /worlds/{world}/assets                            queue asset batch
//	GET  /worlds/{world}/generation-queue                  generation snapshot
//	POST /generation-queue/read                            mark read
//	GET  /worlds/{world}/ws                                push channel
//
// The calling actor is taken from the X-User-ID, X-Client-ID and X-Role
// headers.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/dmdesk/internal/genqueue"
	"github.com/MrWong99/dmdesk/internal/health"
	"github.com/MrWong99/dmdesk/internal/observe"
	"github.com/MrWong99/dmdesk/internal/queue"
	"github.com/MrWong99/dmdesk/internal/staging"
	"github.com/MrWong99/dmdesk/internal/world"
	"github.com/MrWong99/dmdesk/pkg/types"
)

// Actor headers. dmdesk does not authenticate: an upstream auth proxy must
// set these and strip any client-supplied values, since a DM role here
// unlocks every staging decision.
const (
	HeaderUserID   = "X-User-ID"
	HeaderClientID = "X-Client-ID"
	HeaderRole     = "X-Role"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// Config wires a [Server] to the rest of the application.
type Config struct {
	Service    *staging.Service
	World      *world.Store
	Queues     *queue.Set
	Generation *genqueue.Projector
	Hub        *Hub

	// Health is registered under /healthz, /readyz and /queues when set.
	Health *health.Handler

	// MetricsHandler is served under /metrics when set.
	MetricsHandler http.Handler

	// Metrics instruments the request middleware. Defaults to
	// [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Server is the HTTP front of dmdesk.
type Server struct {
	cfg     Config
	handler http.Handler
}

// New builds the route table.
func New(cfg Config) *Server {
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /worlds/{world}/regions/{region}/resolve", s.handleResolve)
	mux.HandleFunc("GET /worlds/{world}/regions/{region}/staging", s.handleDMView)
	mux.HandleFunc("GET /worlds/{world}/regions/{region}/staging/history", s.handleHistory)
	mux.HandleFunc("GET /worlds/{world}/staging/pending", s.handlePending)
	mux.HandleFunc("POST /worlds/{world}/staging/approve", s.handleApprove)
	mux.HandleFunc("POST /worlds/{world}/staging/reject", s.handleReject)
	mux.HandleFunc("POST /worlds/{world}/staging/regenerate", s.handleRegenerate)
	mux.HandleFunc("POST /worlds/{world}/staging/prestage", s.handlePreStage)
	mux.HandleFunc("GET /worlds/{world}/clock", s.handleGetClock)
	mux.HandleFunc("PUT /worlds/{world}/clock", s.handleSetClock)
	mux.HandleFunc("PUT /worlds/{world}/notes", s.handleNotes)
	mux.HandleFunc("POST /worlds/{world}/assets", s.handleAssets)
	mux.HandleFunc("GET /worlds/{world}/generation-queue", s.handleGenerationQueue)
	mux.HandleFunc("POST /generation-queue/read", s.handleMarkRead)
	if cfg.Hub != nil {
		mux.HandleFunc("GET /worlds/{world}/ws", cfg.Hub.ServeWS)
	}
	if cfg.Health != nil {
		cfg.Health.Register(mux)
	}
	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}

	s.handler = observe.Middleware(cfg.Metrics)(mux)
	return s
}

// Handler returns the instrumented route table.
func (s *Server) Handler() http.Handler { return s.handler }

// ─────────────────────────────────────────────────────────────────────────────
// Player
// ─────────────────────────────────────────────────────────────────────────────

type resolveRequest struct {
	SessionID  string `json:"session_id"`
	LocationID string `json:"location_id"`
	PCID       string `json:"pc_id"`
	PCName     string `json:"pc_name"`
}

// handleResolve resolves a region synchronously. With ?async=true the
// arrival is queued as a player action instead and the result is pushed to
// the client.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req resolveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.PCID == "" {
		writeError(w, r, fmt.Errorf("%w: pc_id is required", staging.ErrInvalidRequest))
		return
	}

	worldID, regionID := r.PathValue("world"), r.PathValue("region")
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		id := s.cfg.Queues.PlayerActions.Enqueue(queue.PlayerAction{
			Kind:       queue.ActionEnterRegion,
			WorldID:    worldID,
			SessionID:  req.SessionID,
			UserID:     actor.UserID,
			ClientID:   actor.ClientID,
			PCID:       req.PCID,
			PCName:     req.PCName,
			RegionID:   regionID,
			LocationID: req.LocationID,
		})
		writeJSON(w, http.StatusAccepted, map[string]string{"item_id": id})
		return
	}

	res, err := s.cfg.Service.Resolve(r.Context(), staging.Arrival{
		WorldID:    worldID,
		SessionID:  req.SessionID,
		RegionID:   regionID,
		LocationID: req.LocationID,
		PC: types.WaitingPC{
			PCID:     req.PCID,
			PCName:   req.PCName,
			UserID:   actor.UserID,
			ClientID: actor.ClientID,
		},
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.Status == staging.ResolutionPending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// ─────────────────────────────────────────────────────────────────────────────
// DM
// ─────────────────────────────────────────────────────────────────────────────

func (s *Server) handleDMView(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	v, err := s.cfg.Service.DMView(r.Context(), actor, r.PathValue("world"), r.PathValue("region"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err = strconv.Atoi(raw); err != nil || limit < 0 {
			writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", staging.ErrInvalidRequest))
			return
		}
	}
	hist, err := s.cfg.Service.History(r.Context(), actor, r.PathValue("region"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if hist == nil {
		hist = []types.Staging{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"stagings": hist})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	pending, err := s.cfg.Service.ListPending(r.Context(), actor, r.PathValue("world"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if pending == nil {
		pending = []*types.PendingStagingApproval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pending": pending})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req staging.ApprovalResponse
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.WorldID = r.PathValue("world")
	d, err := s.cfg.Service.Approve(r.Context(), actor, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type requestRef struct {
	RequestID string `json:"request_id"`
	Guidance  string `json:"guidance,omitempty"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req requestRef
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	notified, err := s.cfg.Service.Reject(r.Context(), actor, r.PathValue("world"), req.RequestID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if notified == nil {
		notified = []types.WaitingPC{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"notified": notified})
}

func (s *Server) handleRegenerate(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req requestRef
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	p, err := s.cfg.Service.Regenerate(r.Context(), actor, r.PathValue("world"), req.RequestID, req.Guidance)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, p)
}

func (s *Server) handlePreStage(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req staging.PreStageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.WorldID = r.PathValue("world")
	d, err := s.cfg.Service.PreStage(r.Context(), actor, req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// ─────────────────────────────────────────────────────────────────────────────
// World state
// ─────────────────────────────────────────────────────────────────────────────

type clockResponse struct {
	WorldID  string    `json:"world_id"`
	GameTime time.Time `json:"game_time"`
}

type clockRequest struct {
	// GameTime sets the clock when non-zero.
	GameTime time.Time `json:"game_time,omitzero"`

	// Advance moves the clock forward, for example "2h30m".
	Advance string `json:"advance,omitempty"`
}

func (s *Server) handleGetClock(w http.ResponseWriter, r *http.Request) {
	worldID := r.PathValue("world")
	writeJSON(w, http.StatusOK, clockResponse{WorldID: worldID, GameTime: s.cfg.World.GameTime(worldID)})
}

func (s *Server) handleSetClock(w http.ResponseWriter, r *http.Request) {
	if _, err := dmFrom(r, "set clock"); err != nil {
		writeError(w, r, err)
		return
	}
	var req clockRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	var advance time.Duration
	if req.Advance != "" {
		d, err := time.ParseDuration(req.Advance)
		if err != nil || d < 0 {
			writeError(w, r, fmt.Errorf("%w: advance must be a positive duration", staging.ErrInvalidRequest))
			return
		}
		advance = d
	}
	if req.GameTime.IsZero() && advance == 0 {
		writeError(w, r, fmt.Errorf("%w: game_time or advance is required", staging.ErrInvalidRequest))
		return
	}

	worldID := r.PathValue("world")
	if !req.GameTime.IsZero() {
		s.cfg.World.SetGameTime(worldID, req.GameTime)
	}
	now := s.cfg.World.AdvanceGameTime(worldID, advance)
	slog.Info("server: game clock changed", "world_id", worldID, "game_time", now)
	writeJSON(w, http.StatusOK, clockResponse{WorldID: worldID, GameTime: now})
}

type notesRequest struct {
	Notes string `json:"notes"`
}

func (s *Server) handleNotes(w http.ResponseWriter, r *http.Request) {
	if _, err := dmFrom(r, "set notes"); err != nil {
		writeError(w, r, err)
		return
	}
	var req notesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	s.cfg.World.SetDirectorialNotes(r.PathValue("world"), req.Notes)
	w.WriteHeader(http.StatusNoContent)
}

// ─────────────────────────────────────────────────────────────────────────────
// Generation queue
// ─────────────────────────────────────────────────────────────────────────────

type assetRequest struct {
	BatchID   string      `json:"batch_id"`
	SessionID string      `json:"session_id"`
	Items     []assetItem `json:"items"`
}

type assetItem struct {
	EntityID  string          `json:"entity_id"`
	AssetKind queue.AssetKind `json:"asset_kind"`
	Prompt    string          `json:"prompt"`
}

type assetResponse struct {
	BatchID string   `json:"batch_id"`
	ItemIDs []string `json:"item_ids"`
}

func (s *Server) handleAssets(w http.ResponseWriter, r *http.Request) {
	actor, err := actorFrom(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req assetRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if actor.UserID == "" || len(req.Items) == 0 {
		writeError(w, r, fmt.Errorf("%w: user and at least one item are required", staging.ErrInvalidRequest))
		return
	}
	for i, it := range req.Items {
		if it.EntityID == "" || (it.AssetKind != queue.AssetSprite && it.AssetKind != queue.AssetPortrait) {
			writeError(w, r, fmt.Errorf("%w: items[%d] needs an entity_id and a sprite or portrait kind", staging.ErrInvalidRequest, i))
			return
		}
	}
	if req.BatchID == "" {
		req.BatchID = uuid.NewString()
	}

	resp := assetResponse{BatchID: req.BatchID, ItemIDs: make([]string, 0, len(req.Items))}
	for _, it := range req.Items {
		resp.ItemIDs = append(resp.ItemIDs, s.cfg.Queues.AssetGeneration.Enqueue(queue.AssetGeneration{
			WorldID:   r.PathValue("world"),
			SessionID: req.SessionID,
			UserID:    actor.UserID,
			BatchID:   req.BatchID,
			EntityID:  it.EntityID,
			AssetKind: it.AssetKind,
			Prompt:    it.Prompt,
		}))
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Server) handleGenerationQueue(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	writeJSON(w, http.StatusOK, s.cfg.Generation.Snapshot(r.PathValue("world"), userID))
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	var req genqueue.MarkReadRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.cfg.Generation.MarkRead(req); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─────────────────────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────────────────────

var errBadBody = errors.New("invalid request body")

// actorFrom trusts the actor headers as set by the upstream auth proxy.
func actorFrom(r *http.Request) (staging.Actor, error) {
	role := staging.Role(r.Header.Get(HeaderRole))
	if role == "" {
		role = staging.RolePlayer
	}
	if !role.IsValid() {
		return staging.Actor{}, fmt.Errorf("%w: unknown role %q", staging.ErrInvalidRequest, role)
	}
	return staging.Actor{
		UserID:   r.Header.Get(HeaderUserID),
		ClientID: r.Header.Get(HeaderClientID),
		Role:     role,
	}, nil
}

func dmFrom(r *http.Request, op string) (staging.Actor, error) {
	a, err := actorFrom(r)
	if err != nil {
		return a, err
	}
	if !a.IsDM() {
		return a, fmt.Errorf("%w: %s requires the dm role", staging.ErrUnauthorized, op)
	}
	return a, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadBody)
		}
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors to HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, staging.ErrNotFound), errors.Is(err, world.ErrNoPending):
		status = http.StatusNotFound
	case errors.Is(err, staging.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, staging.ErrInvalidTTL),
		errors.Is(err, staging.ErrInvalidRequest),
		errors.Is(err, genqueue.ErrInvalidRequest),
		errors.Is(err, errBadBody):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("server: request failed", "method", r.Method, "path", r.URL.Path, "err", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
