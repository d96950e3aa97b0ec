package resilience

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/dmdesk/internal/health"
	"github.com/MrWong99/dmdesk/internal/observe"
	"github.com/MrWong99/dmdesk/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] over a [FallbackGroup] of backends.
type LLMFallback struct {
	group   *FallbackGroup[llm.Provider]
	metrics *observe.Metrics
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend. A nil metrics uses [observe.DefaultMetrics].
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig, metrics *observe.Metrics) *LLMFallback {
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &LLMFallback{
		group:   NewFallbackGroup(primary, primaryName, cfg),
		metrics: metrics,
	}
}

// AddFallback registers another backend tried after the existing ones.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Status reports the breaker state of every backend.
func (f *LLMFallback) Status() []EntryStatus { return f.group.Status() }

// Complete sends req to the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(name string, p llm.Provider) (*llm.CompletionResponse, error) {
		resp, err := p.Complete(ctx, req)
		status := "ok"
		if err != nil {
			status = "error"
		} else if resp == nil {
			err = fmt.Errorf("%s: empty response", name)
			status = "error"
		}
		f.metrics.RecordProviderRequest(ctx, name, "llm", status)
		return resp, err
	})
}

// HealthChecker returns a readiness check named "llm_providers" that fails
// while every backend has an open breaker.
func (f *LLMFallback) HealthChecker() health.Checker {
	return health.Checker{
		Name: "llm_providers",
		Check: func(context.Context) error {
			if f.group.Available() {
				return nil
			}
			return errors.New("all llm providers have open circuit breakers")
		},
	}
}
