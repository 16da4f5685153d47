package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/animus-labs/agent-gateway/internal/domain"
	"github.com/animus-labs/agent-gateway/internal/service/runs"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []runs.SubmitRequest
	err      error
}

func (f *fakeSubmitter) Submit(req runs.SubmitRequest) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return domain.Run{}, f.err
	}
	f.requests = append(f.requests, req)
	return domain.Run{
		ID:      fmt.Sprintf("run-%d", len(f.requests)),
		AgentID: req.AgentID,
		State:   domain.RunStateRunning,
	}, nil
}

func (f *fakeSubmitter) AgentIDs() []string { return []string{"echo"} }

type fireCounter struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (c *fireCounter) AutomationFired(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.outcomes[outcome]++
}

func newTestScheduler(t *testing.T, sub *fakeSubmitter, counter *fireCounter) *Scheduler {
	t.Helper()
	now := date(2026, time.January, 5, 10, 0)
	seq := 0
	var rec FireRecorder
	if counter != nil {
		rec = counter
	}
	s, err := NewScheduler(Options{
		Store:     NewMemoryStore(),
		Submitter: sub,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:   rec,
		Location:  time.UTC,
		Now:       func() time.Time { return now },
		NewID: func() string {
			seq++
			return fmt.Sprintf("auto-%d", seq)
		},
	})
	if err != nil {
		t.Fatalf("NewScheduler() err=%v", err)
	}
	return s
}

func TestScheduler_CreateFireAndHistory(t *testing.T) {
	sub := &fakeSubmitter{}
	counter := &fireCounter{outcomes: make(map[string]int)}
	s := newTestScheduler(t, sub, counter)
	ctx := context.Background()

	a, err := s.Create(ctx, Automation{AgentID: "echo", Frequency: FrequencyDaily, Input: json.RawMessage(`{"coin":"btc"}`)})
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	if a.ID != "auto-1" || a.NextRunAt == nil || !a.NextRunAt.Equal(date(2026, time.January, 6, 9, 0)) {
		t.Fatalf("created=%+v next=%v", a, a.NextRunAt)
	}

	for i := 0; i < historyLimit+2; i++ {
		if _, err := s.Fire(a.ID); err != nil {
			t.Fatalf("Fire() err=%v", err)
		}
	}
	if string(sub.requests[0].Input) != `{"coin":"btc"}` || sub.requests[0].AgentID != "echo" {
		t.Fatalf("submitted %+v", sub.requests[0])
	}

	ids, err := s.Runs(ctx, a.ID)
	if err != nil {
		t.Fatalf("Runs() err=%v", err)
	}
	if len(ids) != historyLimit {
		t.Fatalf("history len=%d, want %d", len(ids), historyLimit)
	}
	if ids[0] != fmt.Sprintf("run-%d", historyLimit+2) {
		t.Fatalf("newest id=%s", ids[0])
	}
	if counter.outcomes["running"] != historyLimit+2 {
		t.Fatalf("outcomes=%v", counter.outcomes)
	}
}

func TestScheduler_RejectedFiringIsCounted(t *testing.T) {
	sub := &fakeSubmitter{}
	counter := &fireCounter{outcomes: make(map[string]int)}
	s := newTestScheduler(t, sub, counter)

	a, err := s.Create(context.Background(), Automation{AgentID: "echo", Frequency: FrequencyDaily})
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}
	sub.err = domain.ErrCapacityExceeded
	if _, err := s.Fire(a.ID); !errors.Is(err, domain.ErrCapacityExceeded) {
		t.Fatalf("Fire() err=%v", err)
	}
	if counter.outcomes["capacity_exceeded"] != 1 {
		t.Fatalf("outcomes=%v", counter.outcomes)
	}
	if ids, _ := s.Runs(context.Background(), a.ID); len(ids) != 0 {
		t.Fatalf("rejected firing recorded: %v", ids)
	}
}

func TestScheduler_PauseResumeDelete(t *testing.T) {
	s := newTestScheduler(t, &fakeSubmitter{}, nil)
	ctx := context.Background()

	a, err := s.Create(ctx, Automation{AgentID: "echo", Frequency: FrequencyWeekly, DayOfWeek: intPtr(5)})
	if err != nil {
		t.Fatalf("Create() err=%v", err)
	}

	paused, err := s.Pause(ctx, a.ID)
	if err != nil {
		t.Fatalf("Pause() err=%v", err)
	}
	if !paused.Paused || paused.NextRunAt != nil {
		t.Fatalf("paused=%+v", paused)
	}

	resumed, err := s.Resume(ctx, a.ID)
	if err != nil {
		t.Fatalf("Resume() err=%v", err)
	}
	if resumed.Paused || resumed.NextRunAt == nil || resumed.NextRunAt.Weekday() != time.Friday {
		t.Fatalf("resumed=%+v", resumed)
	}

	list, err := s.List(ctx)
	if err != nil || len(list) != 1 {
		t.Fatalf("List() = %v, %v", list, err)
	}

	if err := s.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete() err=%v", err)
	}
	if _, err := s.Get(ctx, a.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Get() after delete err=%v", err)
	}
	if _, err := s.Pause(ctx, a.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Pause() after delete err=%v", err)
	}
}

func TestScheduler_CreateValidates(t *testing.T) {
	s := newTestScheduler(t, &fakeSubmitter{}, nil)
	ctx := context.Background()

	if _, err := s.Create(ctx, Automation{AgentID: "echo", Frequency: "hourly"}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("Create(hourly) err=%v", err)
	}
	if _, err := s.Create(ctx, Automation{AgentID: "ghost", Frequency: FrequencyDaily}); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Fatalf("Create(ghost) err=%v", err)
	}
}

func TestScheduler_StartReloadsUnpaused(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created := date(2026, time.January, 5, 10, 0)
	_ = store.Create(ctx, Automation{ID: "a", AgentID: "echo", Frequency: FrequencyDaily, TimeOfDay: "09:00", Input: json.RawMessage(`{}`), CreatedAt: created})
	_ = store.Create(ctx, Automation{ID: "b", AgentID: "echo", Frequency: FrequencyDaily, TimeOfDay: "09:00", Input: json.RawMessage(`{}`), CreatedAt: created, Paused: true})

	s, err := NewScheduler(Options{
		Store:     store,
		Submitter: &fakeSubmitter{},
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Location:  time.UTC,
		Now:       func() time.Time { return created },
	})
	if err != nil {
		t.Fatalf("NewScheduler() err=%v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start() err=%v", err)
	}
	defer s.Stop(ctx)

	a, _ := s.Get(ctx, "a")
	b, _ := s.Get(ctx, "b")
	if a.NextRunAt == nil {
		t.Fatalf("unpaused automation not scheduled")
	}
	if b.NextRunAt != nil {
		t.Fatalf("paused automation scheduled")
	}
}
