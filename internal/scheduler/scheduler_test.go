package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/seedvault/internal/provision"
)

type fakeSubmitter struct {
	mu       sync.Mutex
	err      error
	triggers []string
	called   chan struct{}
}

func (f *fakeSubmitter) Submit(_ context.Context, trigger string) (*provision.Run, error) {
	f.mu.Lock()
	f.triggers = append(f.triggers, trigger)
	err := f.err
	f.mu.Unlock()
	if f.called != nil {
		f.called <- struct{}{}
	}
	if err != nil {
		return nil, err
	}
	return &provision.Run{ID: uuid.New(), Trigger: trigger, State: provision.StateInit}, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func triggerCount(t *testing.T, m *Metrics, result string) float64 {
	t.Helper()
	var metric dto.Metric
	if err := m.Triggers.WithLabelValues(result).Write(&metric); err != nil {
		t.Fatalf("reading counter: %v", err)
	}
	return metric.GetCounter().GetValue()
}

func TestNew_InvalidCron(t *testing.T) {
	_, err := New(&fakeSubmitter{}, nil, testLogger(), Config{Cron: "every tuesday"})
	if err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestFire_Results(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		result string
	}{
		{"submitted", nil, ResultSubmitted},
		{"skipped", provision.ErrRunInProgress, ResultSkipped},
		{"error", errors.New("config unreadable"), ResultError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := &fakeSubmitter{err: tt.err}
			metrics := NewMetrics(prometheus.NewRegistry())
			s, err := New(sub, metrics, testLogger(), Config{Cron: "0 3 * * *"})
			if err != nil {
				t.Fatalf("New: %v", err)
			}

			s.fire(context.Background())

			if len(sub.triggers) != 1 || sub.triggers[0] != Trigger {
				t.Errorf("triggers = %v", sub.triggers)
			}
			if got := triggerCount(t, metrics, tt.result); got != 1 {
				t.Errorf("%s count = %v, want 1", tt.result, got)
			}
		})
	}
}

func TestFire_CancelledContext(t *testing.T) {
	sub := &fakeSubmitter{}
	s, _ := New(sub, nil, testLogger(), Config{Cron: "* * * * *"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s.fire(ctx)
	if len(sub.triggers) != 0 {
		t.Errorf("fired after cancel: %v", sub.triggers)
	}
}

func TestStart_RunOnStart(t *testing.T) {
	sub := &fakeSubmitter{called: make(chan struct{}, 1)}
	s, err := New(sub, NewMetrics(prometheus.NewRegistry()), testLogger(), Config{Cron: "0 0 1 1 *", RunOnStart: true})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	stop := s.Start(context.Background())
	defer stop()

	select {
	case <-sub.called:
	case <-time.After(2 * time.Second):
		t.Fatal("run on start did not submit")
	}
}

func TestNext(t *testing.T) {
	s, _ := New(&fakeSubmitter{}, nil, testLogger(), Config{Cron: "*/5 * * * *"})
	next := s.Next()
	if !next.After(time.Now()) || next.Minute()%5 != 0 {
		t.Errorf("Next = %v", next)
	}
}

func TestComputeNextRunFrom(t *testing.T) {
	from := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next, err := ComputeNextRunFrom("0 3 * * *", from)
	if err != nil {
		t.Fatalf("ComputeNextRunFrom: %v", err)
	}
	want := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}

	if _, err := ComputeNextRunFrom("bad", from); err == nil {
		t.Error("expected error for bad expression")
	}
}
