package suggest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/MrWong99/dmdesk/internal/observe"
	llm "github.com/MrWong99/dmdesk/pkg/provider/llm"
	"github.com/MrWong99/dmdesk/pkg/types"
)

const (
	defaultTemperature    = 0.4
	defaultMaxTokens      = 400
	defaultMaxSuggestions = 4
	defaultTimeout        = 30 * time.Second

	// llmReasonPrefix marks reasoning produced by the language model.
	llmReasonPrefix = "[LLM] "

	maxLoggedPayload = 512
)

const systemPrompt = `You help a game master decide which non-player characters are present in a location of a tabletop role-playing game right now.

You receive a numbered list of candidate NPCs with their relation to the location. Pick between 1 and 4 candidates who are most plausibly present at this moment, taking the game master's guidance into account.

Respond with ONLY a JSON array (no markdown, no prose) in this exact format:
[{"name": "<candidate name exactly as listed>", "reason": "<one short sentence>"}]`

// Input is what the LLM generator needs to propose NPCs for one region.
type Input struct {
	RegionName   string
	LocationName string

	// Candidates is the relationship lookup result for the region. NPCs with
	// any [types.RelationAvoids] row are excluded.
	Candidates []types.NPCWithRegionInfo

	// Guidance is free-text DM guidance given with a regenerate request.
	Guidance string

	// DirectorialNotes are the world's standing DM notes.
	DirectorialNotes string
}

// suggestion is one element of the JSON array the model returns.
type suggestion struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Option is a functional option for configuring a [Generator].
type Option func(*Generator)

// WithTemperature sets the LLM sampling temperature. Default: 0.4.
func WithTemperature(temp float64) Option {
	return func(g *Generator) { g.temperature = temp }
}

// WithMaxTokens caps the completion length. Default: 400.
func WithMaxTokens(n int) Option {
	return func(g *Generator) { g.maxTokens = n }
}

// WithMaxSuggestions caps how many matched suggestions are kept. Default: 4.
func WithMaxSuggestions(n int) Option {
	return func(g *Generator) { g.maxSuggestions = n }
}

// WithTimeout bounds a single completion call. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(g *Generator) { g.timeout = d }
}

// WithFuzzyThreshold sets the Jaro-Winkler threshold used when matching
// returned names to candidates. Default: [DefaultFuzzyThreshold].
func WithFuzzyThreshold(t float64) Option {
	return func(g *Generator) { g.fuzzyThreshold = t }
}

// WithMetrics records latency and parse failures to m.
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// Generator asks an [llm.Provider] which candidate NPCs are present. It is
// safe for concurrent use.
type Generator struct {
	llm            llm.Provider
	temperature    float64
	maxTokens      int
	maxSuggestions int
	timeout        time.Duration
	fuzzyThreshold float64
	metrics        *observe.Metrics
}

// NewGenerator returns a [Generator] backed by provider.
func NewGenerator(provider llm.Provider, opts ...Option) *Generator {
	g := &Generator{
		llm:            provider,
		temperature:    defaultTemperature,
		maxTokens:      defaultMaxTokens,
		maxSuggestions: defaultMaxSuggestions,
		timeout:        defaultTimeout,
		fuzzyThreshold: DefaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Suggest issues one completion call and returns the matched suggestions.
// It never fails: provider errors, timeouts and unusable output are logged
// and yield an empty list, so callers can always fall back to the rule-based
// suggestions.
func (g *Generator) Suggest(ctx context.Context, in Input) []types.StagedNPC {
	cands := candidatePool(in.Candidates)
	if len(cands) == 0 {
		return nil
	}

	ctx, span := observe.StartSpan(ctx, "suggest.llm")
	defer span.End()
	log := observe.Logger(ctx)

	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	req := llm.CompletionRequest{
		SystemPrompt: systemPrompt,
		Temperature:  g.temperature,
		MaxTokens:    g.maxTokens,
		Messages: []llm.Message{
			{Role: llm.RoleUser, Content: buildUserPrompt(in, cands)},
		},
	}

	start := time.Now()
	resp, err := g.llm.Complete(ctx, req)
	if g.metrics != nil {
		g.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if g.metrics != nil {
			g.metrics.RecordProviderError(ctx, "llm", "staging_suggestions")
		}
		log.Warn("suggest: llm completion failed", "region", in.RegionName, "err", err)
		return nil
	}

	var content string
	if resp != nil {
		content = resp.Content
	}
	out, reason := parseSuggestions(content, cands, g.fuzzyThreshold)
	if reason != "" {
		if g.metrics != nil {
			g.metrics.RecordLLMParseFailure(ctx, reason)
		}
		log.Warn("suggest: unusable llm output",
			"reason", reason,
			"region", in.RegionName,
			"payload", observe.Truncate(content, maxLoggedPayload),
		)
		return nil
	}
	if g.maxSuggestions > 0 && len(out) > g.maxSuggestions {
		out = out[:g.maxSuggestions]
	}
	return out
}

// ParseSuggestions extracts the JSON array between the first '[' and the
// last ']' of content and matches each entry to candidates. Output that has
// no such array or is not valid JSON yields an empty list; names that match
// no candidate are dropped.
func ParseSuggestions(content string, candidates []types.NPCWithRegionInfo) []types.StagedNPC {
	out, _ := parseSuggestions(content, candidatePool(candidates), DefaultFuzzyThreshold)
	return out
}

// parseSuggestions returns the matched NPCs and, when the output was
// unusable, a short failure reason.
func parseSuggestions(content string, cands []types.NPCWithRegionInfo, threshold float64) ([]types.StagedNPC, string) {
	start := strings.IndexByte(content, '[')
	end := strings.LastIndexByte(content, ']')
	if start < 0 || end < start {
		return nil, "no_array"
	}

	var raw []suggestion
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, "invalid_json"
	}

	m := newMatcher(cands, threshold)
	seen := make(map[string]struct{}, len(raw))
	out := make([]types.StagedNPC, 0, len(raw))
	for _, s := range raw {
		i, ok := m.match(s.Name)
		if !ok {
			continue
		}
		c := cands[i].Character
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, types.StagedNPC{
			CharacterID:   c.ID,
			Name:          c.Name,
			SpriteAsset:   c.SpriteAsset,
			PortraitAsset: c.PortraitAsset,
			IsPresent:     true,
			Reasoning:     llmReasonPrefix + strings.TrimSpace(s.Reason),
		})
	}
	return out, ""
}

// candidatePool drops every NPC with an avoids row, whatever its other
// relations, and keeps the first row per remaining character.
func candidatePool(in []types.NPCWithRegionInfo) []types.NPCWithRegionInfo {
	seen := avoiders(in)
	out := make([]types.NPCWithRegionInfo, 0, len(in))
	for _, n := range in {
		if _, dup := seen[n.Character.ID]; dup {
			continue
		}
		seen[n.Character.ID] = struct{}{}
		out = append(out, n)
	}
	return out
}

// buildUserPrompt lists the candidates with their relation hints followed by
// optional DM guidance.
func buildUserPrompt(in Input, cands []types.NPCWithRegionInfo) string {
	var sb strings.Builder
	place := in.RegionName
	if in.LocationName != "" {
		place = fmt.Sprintf("%s (%s)", in.RegionName, in.LocationName)
	}
	fmt.Fprintf(&sb, "Location: %s\n\nCandidates:\n", place)
	for i, c := range cands {
		fmt.Fprintf(&sb, "%d. %s", i+1, c.Character.Name)
		if hint := Reasoning(c); hint != "" {
			fmt.Fprintf(&sb, " - %s", hint)
		}
		sb.WriteByte('\n')
	}
	if notes := strings.TrimSpace(in.DirectorialNotes); notes != "" {
		fmt.Fprintf(&sb, "\nStanding notes from the game master:\n%s\n", notes)
	}
	if g := strings.TrimSpace(in.Guidance); g != "" {
		fmt.Fprintf(&sb, "\nGuidance for this request:\n%s\n", g)
	}
	return sb.String()
}
