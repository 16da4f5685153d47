package automation

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/animus-labs/agent-gateway/internal/domain"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	older := Automation{ID: "b", AgentID: "echo", Input: json.RawMessage(`{}`), Frequency: FrequencyDaily, CreatedAt: time.Unix(100, 0)}
	newer := Automation{ID: "a", AgentID: "echo", Input: json.RawMessage(`{}`), Frequency: FrequencyMonthly, DayOfMonth: intPtr(3), CreatedAt: time.Unix(200, 0)}

	for _, a := range []Automation{newer, older} {
		if err := store.Create(ctx, a); err != nil {
			t.Fatalf("Create(%s) err=%v", a.ID, err)
		}
	}
	if err := store.Create(ctx, older); !errors.Is(err, domain.ErrInvariantViolation) {
		t.Fatalf("duplicate Create() err=%v", err)
	}

	list, _ := store.List(ctx)
	if len(list) != 2 || list[0].ID != "b" || list[1].ID != "a" {
		t.Fatalf("List() order = %+v", list)
	}

	got, _ := store.Get(ctx, "a")
	*got.DayOfMonth = 9
	again, _ := store.Get(ctx, "a")
	if *again.DayOfMonth != 3 {
		t.Fatalf("Get() aliases stored automation")
	}

	if err := store.SetPaused(ctx, "a", true); err != nil {
		t.Fatalf("SetPaused() err=%v", err)
	}
	if got, _ := store.Get(ctx, "a"); !got.Paused {
		t.Fatalf("pause not stored")
	}
	if err := store.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete() err=%v", err)
	}
	if err := store.Delete(ctx, "a"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second Delete() err=%v", err)
	}
}
