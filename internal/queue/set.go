package queue

import "time"

// Queue names used in reports and metrics.
const (
	NamePlayerActions   = "player_actions"
	NameLLMRequests     = "llm_requests"
	NameDMApprovals     = "dm_approvals"
	NameAssetGeneration = "asset_generation"
)

// Set bundles the four queues a dmdesk process runs.
type Set struct {
	PlayerActions   *Queue[PlayerAction]
	LLMRequests     *Queue[LLMRequest]
	DMApprovals     *Queue[DMApproval]
	AssetGeneration *Queue[AssetGeneration]
}

// NewSet creates the four queues, applying opts to each.
func NewSet(opts ...Option) *Set {
	return &Set{
		PlayerActions:   New[PlayerAction](NamePlayerActions, opts...),
		LLMRequests:     New[LLMRequest](NameLLMRequests, opts...),
		DMApprovals:     New[DMApproval](NameDMApprovals, opts...),
		AssetGeneration: New[AssetGeneration](NameAssetGeneration, opts...),
	}
}

// Stats is the health view of a single queue.
type Stats struct {
	Pending    int            `json:"pending"`
	Processing int            `json:"processing"`
	BySession  map[string]int `json:"by_session,omitempty"`
	ByWorld    map[string]int `json:"by_world,omitempty"`
}

// Report is the combined health view of a [Set]. Breakdowns count items that
// are Pending or Processing.
type Report struct {
	Queues          map[string]Stats `json:"queues"`
	TotalPending    int              `json:"total_pending"`
	TotalProcessing int              `json:"total_processing"`
}

// Report builds a point-in-time [Report] over all four queues.
func (s *Set) Report() Report {
	r := Report{Queues: make(map[string]Stats, 4)}
	add := func(name string, st Stats) {
		r.Queues[name] = st
		r.TotalPending += st.Pending
		r.TotalProcessing += st.Processing
	}
	add(NamePlayerActions, stats(s.PlayerActions))
	add(NameLLMRequests, stats(s.LLMRequests))
	add(NameDMApprovals, stats(s.DMApprovals))
	add(NameAssetGeneration, stats(s.AssetGeneration))
	return r
}

// Prune drops terminal items older than cutoff from every queue.
func (s *Set) Prune(cutoff time.Time) int {
	return s.PlayerActions.Prune(cutoff) +
		s.LLMRequests.Prune(cutoff) +
		s.DMApprovals.Prune(cutoff) +
		s.AssetGeneration.Prune(cutoff)
}

// ReclaimExpired returns expired claims in every queue to Pending.
func (s *Set) ReclaimExpired(now time.Time) int {
	return s.PlayerActions.ReclaimExpired(now) +
		s.LLMRequests.ReclaimExpired(now) +
		s.DMApprovals.ReclaimExpired(now) +
		s.AssetGeneration.ReclaimExpired(now)
}

func stats[T Scoped](q *Queue[T]) Stats {
	st := Stats{}
	for _, status := range []Status{StatusPending, StatusProcessing} {
		items := q.ListByStatus(status)
		if status == StatusPending {
			st.Pending = len(items)
		} else {
			st.Processing = len(items)
		}
		for _, it := range items {
			sc := it.Payload.QueueScope()
			if sc.SessionID != "" {
				if st.BySession == nil {
					st.BySession = make(map[string]int)
				}
				st.BySession[sc.SessionID]++
			}
			if sc.WorldID != "" {
				if st.ByWorld == nil {
					st.ByWorld = make(map[string]int)
				}
				st.ByWorld[sc.WorldID]++
			}
		}
	}
	return st
}
