package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thecatch/orderflow/pkg/models"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise in tests
	return logger
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    int
	response *TrackedOrder
	err      error
}

func (f *fakeFetcher) FetchOrder(ctx context.Context, orderNumber string) (*TrackedOrder, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.response, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeFetcher) set(status models.OrderStatus, interval time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = nil
	f.response = &TrackedOrder{
		Order: &models.Order{OrderNumber: "ORD-20250123-ABC123", Status: status},
		Meta:  Meta{SuggestedPollInterval: interval.Milliseconds()},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("Condition not met before timeout")
}

func TestStartDoesNotFetchImmediately(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(models.StatusPreparing, 50*time.Millisecond)

	p := NewPoller(fetcher, PollerConfig{
		OrderNumber: "ORD-20250123-ABC123",
		Status:      models.StatusPreparing,
		Interval:    50 * time.Millisecond,
	}, testLogger())
	p.Start()
	defer p.Stop()

	time.Sleep(10 * time.Millisecond)
	if fetcher.callCount() != 0 {
		t.Errorf("Start must not fetch; got %d calls", fetcher.callCount())
	}
	if !p.Polling() {
		t.Error("Expected a scheduled fetch after Start")
	}
}

func TestFetchFiresAfterInterval(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(models.StatusPreparing, 10*time.Millisecond)

	var mu sync.Mutex
	var updates []models.OrderStatus
	p := NewPoller(fetcher, PollerConfig{
		OrderNumber: "ORD-20250123-ABC123",
		Status:      models.StatusConfirmed,
		Interval:    10 * time.Millisecond,
		OnUpdate: func(order *models.Order) {
			mu.Lock()
			updates = append(updates, order.Status)
			mu.Unlock()
		},
	}, testLogger())
	p.Start()
	defer p.Stop()

	waitFor(t, time.Second, func() bool { return fetcher.callCount() >= 2 })

	mu.Lock()
	defer mu.Unlock()
	if len(updates) == 0 || updates[0] != models.StatusPreparing {
		t.Errorf("Expected fetched status delivered to OnUpdate, got %v", updates)
	}
	if p.LastFetch().IsZero() {
		t.Error("Expected LastFetch recorded")
	}
}

func TestTerminalFetchStopsPolling(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(models.StatusCompleted, 10*time.Millisecond)

	p := NewPoller(fetcher, PollerConfig{
		OrderNumber: "ORD-20250123-ABC123",
		Status:      models.StatusReady,
		Interval:    10 * time.Millisecond,
	}, testLogger())
	p.Start()
	defer p.Stop()

	waitFor(t, time.Second, func() bool { return fetcher.callCount() >= 1 })
	waitFor(t, time.Second, func() bool { return !p.Polling() })

	calls := fetcher.callCount()
	time.Sleep(40 * time.Millisecond)
	if fetcher.callCount() != calls {
		t.Errorf("Expected no further fetches after a terminal status, got %d extra",
			fetcher.callCount()-calls)
	}
}

func TestZeroIntervalStopsScheduling(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(models.StatusPreparing, 0)

	p := NewPoller(fetcher, PollerConfig{
		OrderNumber: "ORD-20250123-ABC123",
		Status:      models.StatusPreparing,
		Interval:    10 * time.Millisecond,
	}, testLogger())
	p.Start()
	defer p.Stop()

	waitFor(t, time.Second, func() bool { return fetcher.callCount() >= 1 })
	waitFor(t, time.Second, func() bool { return !p.Polling() })
}

func TestFetchErrorKeepsState(t *testing.T) {
	fetcher := &fakeFetcher{err: errors.New("lookup unavailable")}

	var mu sync.Mutex
	var gotErr error
	updates := 0
	p := NewPoller(fetcher, PollerConfig{
		OrderNumber: "ORD-20250123-ABC123",
		Status:      models.StatusPreparing,
		Interval:    10 * time.Millisecond,
		OnUpdate: func(*models.Order) {
			mu.Lock()
			updates++
			mu.Unlock()
		},
		OnError: func(err error) {
			mu.Lock()
			gotErr = err
			mu.Unlock()
		},
	}, testLogger())
	p.Start()
	defer p.Stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotErr != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if updates != 0 {
		t.Error("OnUpdate must not fire on failed fetches")
	}
	if !p.LastFetch().IsZero() {
		t.Error("LastFetch must not advance on failure")
	}
	if !p.Polling() {
		t.Error("Failed fetches keep the schedule alive")
	}
}

func TestHiddenPausesAndVisibleFetchesImmediately(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(models.StatusPreparing, time.Hour)

	p := NewPoller(fetcher, PollerConfig{
		OrderNumber: "ORD-20250123-ABC123",
		Status:      models.StatusPreparing,
		Interval:    time.Hour,
	}, testLogger())
	p.Start()
	defer p.Stop()

	p.SetVisible(false)
	if p.Polling() {
		t.Error("Hiding must cancel the scheduled fetch")
	}

	p.SetVisible(true)
	if fetcher.callCount() != 1 {
		t.Errorf("Return to visible must fetch immediately, got %d calls", fetcher.callCount())
	}
	if !p.Polling() {
		t.Error("Return to visible must resume the schedule")
	}

	// Redundant visibility signals are ignored.
	p.SetVisible(true)
	if fetcher.callCount() != 1 {
		t.Error("Repeated visible signal must not fetch again")
	}
}

func TestRefreshFetchesWithoutTouchingTimer(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(models.StatusPreparing, time.Hour)

	p := NewPoller(fetcher, PollerConfig{
		OrderNumber: "ORD-20250123-ABC123",
		Status:      models.StatusPreparing,
		Interval:    time.Hour,
	}, testLogger())
	p.Start()
	defer p.Stop()

	p.Refresh()
	if fetcher.callCount() != 1 {
		t.Errorf("Refresh must fetch once, got %d calls", fetcher.callCount())
	}
	if !p.Polling() {
		t.Error("Refresh must leave the interval schedule in place")
	}
}

func TestUpdateToTerminalStops(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(models.StatusPreparing, time.Hour)

	p := NewPoller(fetcher, PollerConfig{
		OrderNumber: "ORD-20250123-ABC123",
		Status:      models.StatusPreparing,
		Interval:    time.Hour,
	}, testLogger())
	p.Start()
	defer p.Stop()

	p.Update(models.StatusCompleted, time.Hour)
	if p.Polling() {
		t.Error("Updating to a terminal status must stop scheduling")
	}

	// Terminal is sticky for scheduling even if an interval arrives later.
	p.Update(models.StatusCompleted, time.Minute)
	if p.Polling() {
		t.Error("A terminal status never reschedules")
	}
}

func TestStopIsPermanent(t *testing.T) {
	fetcher := &fakeFetcher{}
	fetcher.set(models.StatusPreparing, time.Hour)

	p := NewPoller(fetcher, PollerConfig{
		OrderNumber: "ORD-20250123-ABC123",
		Status:      models.StatusPreparing,
		Interval:    time.Hour,
	}, testLogger())
	p.Start()
	p.Stop()

	if p.Polling() {
		t.Error("Stop must cancel the scheduled fetch")
	}
	p.Start()
	if p.Polling() {
		t.Error("A stopped poller cannot be restarted")
	}
}
