// Package staging decides which NPCs are present in a region and runs the
// DM approval workflow around that decision.
//
// A region moves through NoStaging → PendingApproval → {Activated | Discarded}.
// Resolving a region with a valid activated staging returns the NPCs visible
// to players. Without one, a pending approval is created from rule-based
// suggestions, the caller is recorded as a waiting PC, and an LLM request is
// queued whose result fills in the LLM-based suggestions later. The DM then
// approves (activating a new staging and releasing every waiting PC exactly
// once), rejects, or regenerates the LLM suggestions with extra guidance.
//
// TTL expiry is evaluated lazily against the world's game clock whenever a
// staging is read. No I/O happens while the world store lock is held.
package staging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dmdesk/internal/observe"
	"github.com/MrWong99/dmdesk/internal/queue"
	"github.com/MrWong99/dmdesk/internal/staging/suggest"
	"github.com/MrWong99/dmdesk/internal/world"
	"github.com/MrWong99/dmdesk/pkg/types"
)

// DefaultTTLHours is proposed to the DM when [Config.DefaultTTLHours] is zero.
const DefaultTTLHours = 8

// Config wires a [Service] to its collaborators.
type Config struct {
	// World holds pending approvals and game clocks. Required.
	World *world.Store

	// Queues receives DM approval and LLM request items. Required.
	Queues *queue.Set

	// Lookup provides region relations. Required.
	Lookup RelationshipLookup

	// Repository persists activated stagings. Required.
	Repository StagingRepository

	// Regions resolves display names. Optional; region ids are used as names
	// when nil.
	Regions RegionDirectory

	// Generator produces LLM suggestions. Optional; without it proposals
	// carry rule-based suggestions only and no LLM requests are queued.
	Generator SuggestionGenerator

	// Notifier pushes events to clients. Optional.
	Notifier Notifier

	// Clocks returns the game clock of a world. Defaults to World.Clock.
	Clocks func(worldID string) Clock

	// DefaultTTLHours is the TTL proposed to the DM.
	DefaultTTLHours int

	// Metrics is optional.
	Metrics *observe.Metrics

	// NewID generates request and staging ids. Defaults to UUIDv4.
	NewID func() string

	// Now is the wall clock used for bookkeeping timestamps.
	Now func() time.Time
}

// Service implements the staging workflow. It is safe for concurrent use.
type Service struct {
	world     *world.Store
	queues    *queue.Set
	lookup    RelationshipLookup
	repo      StagingRepository
	regions   RegionDirectory
	generator SuggestionGenerator
	notifier  Notifier
	clocks    func(string) Clock
	ttl       int
	metrics   *observe.Metrics
	newID     func() string
	now       func() time.Time
}

// NewService validates cfg and returns a ready [Service].
func NewService(cfg Config) (*Service, error) {
	var errs []error
	if cfg.World == nil {
		errs = append(errs, errors.New("staging: world store is required"))
	}
	if cfg.Queues == nil {
		errs = append(errs, errors.New("staging: queues are required"))
	}
	if cfg.Lookup == nil {
		errs = append(errs, errors.New("staging: relationship lookup is required"))
	}
	if cfg.Repository == nil {
		errs = append(errs, errors.New("staging: repository is required"))
	}
	if cfg.DefaultTTLHours < 0 {
		errs = append(errs, fmt.Errorf("staging: default ttl %d must not be negative", cfg.DefaultTTLHours))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	s := &Service{
		world:     cfg.World,
		queues:    cfg.Queues,
		lookup:    cfg.Lookup,
		repo:      cfg.Repository,
		regions:   cfg.Regions,
		generator: cfg.Generator,
		notifier:  cfg.Notifier,
		clocks:    cfg.Clocks,
		ttl:       cfg.DefaultTTLHours,
		metrics:   cfg.Metrics,
		newID:     cfg.NewID,
		now:       cfg.Now,
	}
	if s.clocks == nil {
		store := cfg.World
		s.clocks = func(id string) Clock { return store.Clock(id) }
	}
	if s.ttl == 0 {
		s.ttl = DefaultTTLHours
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.notifier == nil {
		s.notifier = nopNotifier{}
	}
	return s, nil
}

// Arrival is a request to resolve a region on behalf of a player character.
type Arrival struct {
	WorldID    string
	SessionID  string
	RegionID   string
	LocationID string
	PC         types.WaitingPC
}

// ResolutionStatus tells whether a region could be shown immediately.
type ResolutionStatus string

const (
	// ResolutionReady means a valid staging exists; NPCs holds its visible
	// NPCs.
	ResolutionReady ResolutionStatus = "ready"

	// ResolutionPending means the caller waits on the DM; RequestID names the
	// pending approval.
	ResolutionPending ResolutionStatus = "pending"
)

// Resolution is the result of [Service.Resolve].
type Resolution struct {
	Status    ResolutionStatus  `json:"status"`
	RegionID  string            `json:"region_id"`
	NPCs      []types.StagedNPC `json:"npcs,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// Resolve returns the player-visible NPCs of a region, or records the PC as
// waiting on a pending approval. Concurrent callers for the same region share
// one pending approval.
func (s *Service) Resolve(ctx context.Context, a Arrival) (Resolution, error) {
	if a.WorldID == "" || a.RegionID == "" {
		return Resolution{}, fmt.Errorf("%w: world and region are required", ErrInvalidRequest)
	}
	ctx, span := observe.StartSpan(ctx, "staging.resolve")
	defer span.End()

	now := s.clocks(a.WorldID).Now()
	active, err := s.repo.GetActive(ctx, a.RegionID, now)
	if err != nil {
		return Resolution{}, fmt.Errorf("staging: resolve %q: get active: %w", a.RegionID, err)
	}
	if active != nil {
		if active.IsValid(now) {
			return Resolution{
				Status:   ResolutionReady,
				RegionID: a.RegionID,
				NPCs:     types.VisibleNPCs(active.NPCs),
			}, nil
		}
		s.transition(ctx, observe.TransitionExpired)
	}

	// Fast path: join an approval that is already pending.
	if p, ok := s.world.GetPendingStagingForRegion(a.WorldID, a.RegionID); ok {
		if a.PC.PCID == "" {
			return Resolution{Status: ResolutionPending, RegionID: a.RegionID, RequestID: p.RequestID}, nil
		}
		added, err := s.world.AddWaitingPC(a.WorldID, a.RegionID, a.PC)
		if err == nil {
			if added {
				s.joined(ctx, a.WorldID, a.RegionID)
			}
			return Resolution{Status: ResolutionPending, RegionID: a.RegionID, RequestID: p.RequestID}, nil
		}
		// The approval was decided in between; build a fresh one.
	}

	approval := s.buildApproval(ctx, a)
	current, inserted := s.world.InsertPendingStagingIfAbsent(a.WorldID, approval)
	if !inserted {
		s.joined(ctx, a.WorldID, a.RegionID)
		return Resolution{Status: ResolutionPending, RegionID: a.RegionID, RequestID: current.RequestID}, nil
	}

	// A concurrent Approve may have activated a staging after the check
	// above. Its sweep and this re-check together release every PC once.
	if st, err := s.repo.GetActive(ctx, a.RegionID, s.clocks(a.WorldID).Now()); err == nil &&
		st != nil && st.IsValid(s.clocks(a.WorldID).Now()) {
		if p, ok := s.world.RemovePendingStaging(a.WorldID, current.RequestID); ok {
			p.WaitingPCs = withoutPC(p.WaitingPCs, a.PC.PCID)
			s.release(ctx, p, *st)
		}
		return Resolution{
			Status:   ResolutionReady,
			RegionID: a.RegionID,
			NPCs:     types.VisibleNPCs(st.NPCs),
		}, nil
	}

	s.publishApproval(ctx, current)
	return Resolution{Status: ResolutionPending, RegionID: a.RegionID, RequestID: current.RequestID}, nil
}

func withoutPC(pcs []types.WaitingPC, pcID string) []types.WaitingPC {
	out := make([]types.WaitingPC, 0, len(pcs))
	for _, pc := range pcs {
		if pcID == "" || pc.PCID != pcID {
			out = append(out, pc)
		}
	}
	return out
}

// buildApproval assembles a pending approval with rule-based suggestions.
// Lookup failures degrade to an empty candidate list.
func (s *Service) buildApproval(ctx context.Context, a Arrival) *types.PendingStagingApproval {
	var (
		npcs   []types.NPCWithRegionInfo
		staged []types.StagedNPC
		info   = RegionInfo{ID: a.RegionID, Name: a.RegionID}
	)
	log := observe.Logger(ctx)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		rows, err := s.lookup.GetNPCsWithRegionRelation(egCtx, a.RegionID)
		if err != nil {
			log.Warn("staging: relationship lookup failed", "region_id", a.RegionID, "err", err)
			return nil
		}
		npcs = rows
		return nil
	})
	eg.Go(func() error {
		hist, err := s.repo.GetHistory(egCtx, a.RegionID, 1)
		if err != nil {
			log.Warn("staging: staging history lookup failed", "region_id", a.RegionID, "err", err)
			return nil
		}
		if len(hist) > 0 {
			for _, n := range hist[0].NPCs {
				if n.IsPresent {
					staged = append(staged, n)
				}
			}
		}
		return nil
	})
	if s.regions != nil {
		eg.Go(func() error {
			ri, err := s.regions.Region(egCtx, a.RegionID)
			if err != nil {
				log.Warn("staging: region lookup failed", "region_id", a.RegionID, "err", err)
				return nil
			}
			info = ri
			return nil
		})
	}
	_ = eg.Wait() // every branch degrades instead of failing

	locationID := a.LocationID
	if locationID == "" {
		locationID = info.LocationID
	}
	var waiting []types.WaitingPC
	if a.PC.PCID != "" {
		waiting = []types.WaitingPC{a.PC}
	}
	return &types.PendingStagingApproval{
		RequestID:    s.newID(),
		WorldID:      a.WorldID,
		SessionID:    a.SessionID,
		RegionID:     a.RegionID,
		LocationID:   locationID,
		RegionName:   info.Name,
		LocationName: info.LocationName,
		WaitingPCs:   waiting,
		Proposal: types.StagingProposal{
			RuleBasedNPCs:   suggest.RuleBased(npcs, staged),
			DefaultTTLHours: s.ttl,
			Context:         describeRegion(info),
		},
		Generation: 1,
		CreatedAt:  s.now(),
	}
}

// publishApproval queues the DM approval and LLM request items of a newly
// inserted approval and tells the DM about it.
func (s *Service) publishApproval(ctx context.Context, p *types.PendingStagingApproval) {
	itemID := s.queues.DMApprovals.Enqueue(queue.DMApproval{
		Kind:      queue.ApprovalStaging,
		WorldID:   p.WorldID,
		SessionID: p.SessionID,
		RequestID: p.RequestID,
		RegionID:  p.RegionID,
	})
	attached := false
	s.world.WithPendingStagingForRegionMut(p.WorldID, p.RegionID, func(cur *types.PendingStagingApproval) {
		if cur.RequestID == p.RequestID {
			cur.ApprovalItemID = itemID
			attached = true
		}
	})
	p.ApprovalItemID = itemID
	if !attached {
		// Decided before the item could be attached.
		s.completeApprovalItem(p, "decided")
		return
	}

	s.enqueueLLM(p, "")
	s.transition(ctx, observe.TransitionPending)
	s.notifier.NotifyDM(ctx, p.WorldID, Event{
		Type:      EventApprovalRequired,
		WorldID:   p.WorldID,
		RegionID:  p.RegionID,
		RequestID: p.RequestID,
		Approval:  p,
	})
	slog.Info("staging: approval pending",
		"world_id", p.WorldID,
		"region_id", p.RegionID,
		"request_id", p.RequestID,
		"rule_based", len(p.Proposal.RuleBasedNPCs),
	)
}

func (s *Service) enqueueLLM(p *types.PendingStagingApproval, guidance string) {
	if s.generator == nil {
		return
	}
	s.queues.LLMRequests.Enqueue(queue.LLMRequest{
		Kind:       queue.LLMStagingSuggestions,
		WorldID:    p.WorldID,
		SessionID:  p.SessionID,
		RequestID:  p.RequestID,
		RegionID:   p.RegionID,
		Guidance:   guidance,
		Generation: p.Generation,
	})
}

func (s *Service) joined(ctx context.Context, worldID, regionID string) {
	s.transition(ctx, observe.TransitionJoined)
	if p, ok := s.world.GetPendingStagingForRegion(worldID, regionID); ok {
		s.notifier.NotifyDM(ctx, worldID, Event{
			Type:      EventApprovalUpdated,
			WorldID:   worldID,
			RegionID:  regionID,
			RequestID: p.RequestID,
			Approval:  p,
		})
	}
}

// HandleLLMRequest runs one queued LLM request and stores its suggestions on
// the pending approval it was issued for. Results for an approval that has
// been decided or regenerated since are dropped.
func (s *Service) HandleLLMRequest(ctx context.Context, req queue.LLMRequest) error {
	if req.Kind != queue.LLMStagingSuggestions {
		return fmt.Errorf("staging: unsupported llm request kind %q", req.Kind)
	}
	if s.generator == nil {
		return nil
	}
	log := observe.Logger(ctx)

	p, ok := s.world.GetPendingStagingByRequestID(req.WorldID, req.RequestID)
	if !ok || p.Generation != req.Generation {
		log.Debug("staging: dropping stale llm request", "request_id", req.RequestID, "generation", req.Generation)
		return nil
	}

	cands, err := s.lookup.GetNPCsWithRegionRelation(ctx, p.RegionID)
	if err != nil {
		log.Warn("staging: relationship lookup failed", "region_id", p.RegionID, "err", err)
	}

	npcs := s.generator.Suggest(ctx, suggest.Input{
		RegionName:       p.RegionName,
		LocationName:     p.LocationName,
		Candidates:       cands,
		Guidance:         req.Guidance,
		DirectorialNotes: s.world.DirectorialNotes(req.WorldID),
	})

	var updated *types.PendingStagingApproval
	s.world.WithPendingStagingForRegionMut(req.WorldID, p.RegionID, func(cur *types.PendingStagingApproval) {
		if cur.RequestID != req.RequestID || cur.Generation != req.Generation {
			return
		}
		cur.Proposal.LLMBasedNPCs = npcs
		updated = cur.Clone()
	})
	if updated == nil {
		log.Debug("staging: llm result superseded", "request_id", req.RequestID, "generation", req.Generation)
		return nil
	}

	s.notifier.NotifyDM(ctx, req.WorldID, Event{
		Type:      EventApprovalUpdated,
		WorldID:   req.WorldID,
		RegionID:  updated.RegionID,
		RequestID: updated.RequestID,
		Approval:  updated,
	})
	return nil
}

// Regenerate discards the current LLM suggestions of a pending approval and
// queues a new LLM request with guidance. The request id, the waiting PCs and
// the rule-based suggestions are kept.
func (s *Service) Regenerate(ctx context.Context, actor Actor, worldID, requestID, guidance string) (*types.PendingStagingApproval, error) {
	if err := requireDM(actor, "regenerate"); err != nil {
		return nil, err
	}
	p, ok := s.world.GetPendingStagingByRequestID(worldID, requestID)
	if !ok {
		return nil, fmt.Errorf("%w: pending approval %q", ErrNotFound, requestID)
	}

	var updated *types.PendingStagingApproval
	s.world.WithPendingStagingForRegionMut(worldID, p.RegionID, func(cur *types.PendingStagingApproval) {
		if cur.RequestID != requestID {
			return
		}
		cur.Generation++
		cur.Proposal.LLMBasedNPCs = nil
		updated = cur.Clone()
	})
	if updated == nil {
		return nil, fmt.Errorf("%w: pending approval %q", ErrNotFound, requestID)
	}

	s.enqueueLLM(updated, guidance)
	s.transition(ctx, observe.TransitionRegenerated)
	s.notifier.NotifyDM(ctx, worldID, Event{
		Type:      EventApprovalUpdated,
		WorldID:   worldID,
		RegionID:  updated.RegionID,
		RequestID: requestID,
		Approval:  updated,
	})
	return updated, nil
}

// ApprovalResponse is the DM's decision to activate a pending approval.
type ApprovalResponse struct {
	WorldID   string              `json:"world_id"`
	RequestID string              `json:"request_id"`
	NPCs      []types.StagedNPC   `json:"npcs"`
	TTLHours  int                 `json:"ttl_hours"`
	Source    types.StagingSource `json:"source"`
}

// Decision is the outcome of an activating DM decision.
type Decision struct {
	Staging  types.Staging     `json:"staging"`
	Released []types.WaitingPC `json:"released"`
}

// Approve activates a new staging from the DM's selection, removes the
// pending approval and releases each waiting PC exactly once with the
// player-visible NPCs.
func (s *Service) Approve(ctx context.Context, actor Actor, resp ApprovalResponse) (*Decision, error) {
	if err := requireDM(actor, "approve"); err != nil {
		return nil, err
	}
	if resp.TTLHours <= 0 {
		return nil, ErrInvalidTTL
	}

	// Removing first makes the release happen at most once even when two DM
	// clients approve concurrently.
	p, ok := s.world.RemovePendingStaging(resp.WorldID, resp.RequestID)
	if !ok {
		return nil, fmt.Errorf("%w: pending approval %q", ErrNotFound, resp.RequestID)
	}

	source := resp.Source
	if source == "" {
		source = types.SourceDMCustom
	}
	st, err := s.activate(ctx, types.Staging{
		WorldID:    p.WorldID,
		RegionID:   p.RegionID,
		LocationID: p.LocationID,
		NPCs:       resp.NPCs,
		TTLHours:   resp.TTLHours,
		Source:     source,
	})
	if err != nil {
		// Put the approval back so the DM can retry.
		s.world.InsertPendingStagingIfAbsent(resp.WorldID, p)
		return nil, err
	}

	s.completeApprovalItem(p, "approved")
	s.transition(ctx, observe.TransitionActivated)
	released := s.release(ctx, p, st)
	released = append(released, s.sweepRegion(ctx, st)...)
	return &Decision{Staging: st, Released: released}, nil
}

// sweepRegion releases a pending approval that a resolver created for st's
// region while st was being persisted.
func (s *Service) sweepRegion(ctx context.Context, st types.Staging) []types.WaitingPC {
	cur, ok := s.world.GetPendingStagingForRegion(st.WorldID, st.RegionID)
	if !ok {
		return nil
	}
	p, ok := s.world.RemovePendingStaging(st.WorldID, cur.RequestID)
	if !ok {
		return nil
	}
	s.completeApprovalItem(p, "superseded")
	return s.release(ctx, p, st)
}

// Reject discards a pending approval. Waiting PCs are told to request the
// region again.
func (s *Service) Reject(ctx context.Context, actor Actor, worldID, requestID string) ([]types.WaitingPC, error) {
	if err := requireDM(actor, "reject"); err != nil {
		return nil, err
	}
	p, ok := s.world.RemovePendingStaging(worldID, requestID)
	if !ok {
		return nil, fmt.Errorf("%w: pending approval %q", ErrNotFound, requestID)
	}

	s.completeApprovalItem(p, "rejected")
	s.transition(ctx, observe.TransitionDiscarded)
	for _, pc := range p.WaitingPCs {
		s.notifier.NotifyClient(ctx, worldID, pc.ClientID, Event{
			Type:      EventStagingRejected,
			WorldID:   worldID,
			RegionID:  p.RegionID,
			RequestID: requestID,
			PCID:      pc.PCID,
		})
	}
	slog.Info("staging: approval rejected", "world_id", worldID, "region_id", p.RegionID, "request_id", requestID, "waiting", len(p.WaitingPCs))
	return p.WaitingPCs, nil
}

// PreStageRequest is the DM's proactive staging of a region.
type PreStageRequest struct {
	WorldID    string            `json:"world_id"`
	RegionID   string            `json:"region_id"`
	LocationID string            `json:"location_id,omitempty"`
	NPCs       []types.StagedNPC `json:"npcs"`
	TTLHours   int               `json:"ttl_hours"`
}

// PreStage activates a staging without a pending phase. A pending approval
// for the same region is resolved by it and its waiting PCs are released.
func (s *Service) PreStage(ctx context.Context, actor Actor, req PreStageRequest) (*Decision, error) {
	if err := requireDM(actor, "pre-stage"); err != nil {
		return nil, err
	}
	if req.RegionID == "" {
		return nil, fmt.Errorf("%w: region is required", ErrInvalidRequest)
	}
	if req.TTLHours <= 0 {
		return nil, ErrInvalidTTL
	}

	st, err := s.activate(ctx, types.Staging{
		WorldID:    req.WorldID,
		RegionID:   req.RegionID,
		LocationID: req.LocationID,
		NPCs:       req.NPCs,
		TTLHours:   req.TTLHours,
		Source:     types.SourcePreStaged,
	})
	if err != nil {
		return nil, err
	}
	s.transition(ctx, observe.TransitionPreStaged)

	d := &Decision{Staging: st}
	if cur, ok := s.world.GetPendingStagingForRegion(req.WorldID, req.RegionID); ok {
		if p, ok := s.world.RemovePendingStaging(req.WorldID, cur.RequestID); ok {
			s.completeApprovalItem(p, "pre_staged")
			d.Released = s.release(ctx, p, st)
		}
	} else {
		s.notifier.NotifyDM(ctx, req.WorldID, Event{
			Type:     EventStagingActivated,
			WorldID:  req.WorldID,
			RegionID: req.RegionID,
			Staging:  &st,
		})
	}
	return d, nil
}

// activate persists s as a new current staging stamped with the world's game
// time.
func (s *Service) activate(ctx context.Context, st types.Staging) (types.Staging, error) {
	st.ID = s.newID()
	st.ActivatedAt = s.clocks(st.WorldID).Now()
	st.Current = true
	if err := s.repo.Save(ctx, st); err != nil {
		return types.Staging{}, fmt.Errorf("staging: save %q: %w", st.RegionID, err)
	}
	if err := s.repo.Activate(ctx, st.ID, st.RegionID); err != nil {
		return types.Staging{}, fmt.Errorf("staging: activate %q: %w", st.RegionID, err)
	}
	return st, nil
}

// release pushes the visible NPCs of st to every PC waiting on p.
func (s *Service) release(ctx context.Context, p *types.PendingStagingApproval, st types.Staging) []types.WaitingPC {
	visible := types.VisibleNPCs(st.NPCs)
	for _, pc := range p.WaitingPCs {
		s.notifier.NotifyClient(ctx, p.WorldID, pc.ClientID, Event{
			Type:      EventStagingReady,
			WorldID:   p.WorldID,
			RegionID:  p.RegionID,
			RequestID: p.RequestID,
			PCID:      pc.PCID,
			NPCs:      visible,
		})
	}
	if s.metrics != nil && len(p.WaitingPCs) > 0 {
		s.metrics.PCReleases.Add(ctx, int64(len(p.WaitingPCs)))
	}
	s.notifier.NotifyDM(ctx, p.WorldID, Event{
		Type:      EventStagingActivated,
		WorldID:   p.WorldID,
		RegionID:  p.RegionID,
		RequestID: p.RequestID,
		Staging:   &st,
	})
	slog.Info("staging: activated",
		"world_id", p.WorldID,
		"region_id", p.RegionID,
		"request_id", p.RequestID,
		"staging_id", st.ID,
		"released", len(p.WaitingPCs),
	)
	return p.WaitingPCs
}

// completeApprovalItem closes the DM approval queue item of p.
func (s *Service) completeApprovalItem(p *types.PendingStagingApproval, outcome string) {
	if p.ApprovalItemID == "" {
		return
	}
	q := s.queues.DMApprovals
	if _, err := q.Claim(p.ApprovalItemID); err != nil && !errors.Is(err, queue.ErrAlreadyClaimed) {
		slog.Warn("staging: claim approval item", "item_id", p.ApprovalItemID, "err", err)
		return
	}
	if err := q.Complete(p.ApprovalItemID, outcome); err != nil {
		slog.Warn("staging: complete approval item", "item_id", p.ApprovalItemID, "err", err)
	}
}

// DMView is everything the DM sees about one region.
type DMView struct {
	RegionID string `json:"region_id"`

	// Current is the most recent staging including hidden and absent NPCs,
	// even when expired.
	Current *types.Staging `json:"current,omitempty"`

	// Valid reports whether Current is still valid at the world's game time.
	Valid     bool      `json:"valid"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`

	Pending *types.PendingStagingApproval `json:"pending,omitempty"`
}

// DMView returns the full staging state of a region.
func (s *Service) DMView(ctx context.Context, actor Actor, worldID, regionID string) (*DMView, error) {
	if err := requireDM(actor, "view staging"); err != nil {
		return nil, err
	}
	hist, err := s.repo.GetHistory(ctx, regionID, 1)
	if err != nil {
		return nil, fmt.Errorf("staging: dm view %q: %w", regionID, err)
	}
	v := &DMView{RegionID: regionID}
	if len(hist) > 0 {
		cur := hist[0]
		v.Current = &cur
		v.Valid = cur.IsValid(s.clocks(worldID).Now())
		v.ExpiresAt = cur.ExpiresAt()
	}
	if p, ok := s.world.GetPendingStagingForRegion(worldID, regionID); ok {
		v.Pending = p
	}
	return v, nil
}

// History returns up to limit stagings of a region, newest first.
func (s *Service) History(ctx context.Context, actor Actor, regionID string, limit int) ([]types.Staging, error) {
	if err := requireDM(actor, "view history"); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 20
	}
	hist, err := s.repo.GetHistory(ctx, regionID, limit)
	if err != nil {
		return nil, fmt.Errorf("staging: history %q: %w", regionID, err)
	}
	return hist, nil
}

// ListPending returns every pending approval of a world for a reconnecting
// DM.
func (s *Service) ListPending(_ context.Context, actor Actor, worldID string) ([]*types.PendingStagingApproval, error) {
	if err := requireDM(actor, "list pending"); err != nil {
		return nil, err
	}
	return s.world.ListPendingStagings(worldID), nil
}

// HandlePlayerAction runs one queued player action and pushes the resolution
// to the acting client.
func (s *Service) HandlePlayerAction(ctx context.Context, act queue.PlayerAction) (string, error) {
	switch act.Kind {
	case queue.ActionEnterRegion, queue.ActionRequestResolution:
	default:
		return "", fmt.Errorf("staging: unsupported player action %q", act.Kind)
	}

	res, err := s.Resolve(ctx, Arrival{
		WorldID:    act.WorldID,
		SessionID:  act.SessionID,
		RegionID:   act.RegionID,
		LocationID: act.LocationID,
		PC: types.WaitingPC{
			PCID:     act.PCID,
			PCName:   act.PCName,
			UserID:   act.UserID,
			ClientID: act.ClientID,
		},
	})
	if err != nil {
		return "", err
	}

	ev := Event{
		WorldID:   act.WorldID,
		RegionID:  act.RegionID,
		RequestID: res.RequestID,
		PCID:      act.PCID,
	}
	switch res.Status {
	case ResolutionReady:
		ev.Type = EventStagingReady
		ev.NPCs = res.NPCs
	case ResolutionPending:
		ev.Type = EventStagingPending
	}
	s.notifier.NotifyClient(ctx, act.WorldID, act.ClientID, ev)
	return string(res.Status), nil
}

func (s *Service) transition(ctx context.Context, name string) {
	if s.metrics != nil {
		s.metrics.RecordStagingTransition(ctx, name)
	}
}

func describeRegion(info RegionInfo) string {
	if info.LocationName == "" {
		return info.Name
	}
	return info.Name + ", " + info.LocationName
}

type nopNotifier struct{}

func (nopNotifier) NotifyDM(context.Context, string, Event)             {}
func (nopNotifier) NotifyClient(context.Context, string, string, Event) {}
