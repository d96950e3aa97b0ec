package staging

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/dmdesk/pkg/types"
)

func TestMemRepository(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	var r MemRepository // zero value is usable

	at := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	mk := func(id string) types.Staging {
		return types.Staging{
			ID: id, RegionID: "r1", ActivatedAt: at, TTLHours: 2,
			NPCs: []types.StagedNPC{{CharacterID: "n-" + id, IsPresent: true}},
		}
	}

	if got, err := r.GetActive(ctx, "r1", at); err != nil || got != nil {
		t.Fatalf("GetActive on empty = %v, %v", got, err)
	}

	for _, id := range []string{"a", "b"} {
		if err := r.Save(ctx, mk(id)); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
	}
	if err := r.Save(ctx, mk("a")); err == nil {
		t.Error("duplicate Save succeeded")
	}
	if err := r.Save(ctx, types.Staging{RegionID: "r1"}); err == nil {
		t.Error("Save without id succeeded")
	}

	// Saved but not activated stagings are not active.
	if got, _ := r.GetActive(ctx, "r1", at); got != nil {
		t.Errorf("GetActive before Activate = %+v", got)
	}

	// Activate b, then a; a becomes newest in history.
	for _, id := range []string{"b", "a"} {
		if err := r.Activate(ctx, id, "r1"); err != nil {
			t.Fatalf("Activate %s: %v", id, err)
		}
	}
	got, err := r.GetActive(ctx, "r1", at.Add(time.Hour))
	if err != nil || got == nil || got.ID != "a" || !got.Current {
		t.Fatalf("GetActive = %+v, %v, want a", got, err)
	}

	got.NPCs[0].Name = "mutated"
	again, _ := r.GetActive(ctx, "r1", at)
	if again.NPCs[0].Name != "" {
		t.Error("GetActive returned shared NPC slice")
	}

	if got, _ := r.GetActive(ctx, "r1", at.Add(2*time.Hour)); got != nil {
		t.Errorf("GetActive at expiry = %+v, want nil", got)
	}

	hist, _ := r.GetHistory(ctx, "r1", 10)
	if len(hist) != 2 || hist[0].ID != "a" || hist[1].ID != "b" {
		t.Fatalf("GetHistory = %+v, want [a b]", hist)
	}
	if !hist[0].Current || hist[1].Current {
		t.Errorf("Current flags = %v/%v, want true/false", hist[0].Current, hist[1].Current)
	}
	if hist, _ := r.GetHistory(ctx, "r1", 1); len(hist) != 1 || hist[0].ID != "a" {
		t.Errorf("GetHistory(1) = %+v", hist)
	}
	if hist, _ := r.GetHistory(ctx, "r1", 0); len(hist) != 0 {
		t.Errorf("GetHistory(0) = %+v", hist)
	}

	if err := r.Activate(ctx, "missing", "r1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Activate missing: err = %v", err)
	}
	if err := r.Activate(ctx, "a", "other"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Activate wrong region: err = %v", err)
	}
}
