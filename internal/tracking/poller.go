package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thecatch/orderflow/pkg/models"
)

// Fetcher is the lookup dependency; *Client satisfies it.
type Fetcher interface {
	FetchOrder(ctx context.Context, orderNumber string) (*TrackedOrder, error)
}

// PollerConfig seeds the poller with server-provided initial state. The
// first render comes from that data, so no fetch is issued on Start;
// polling begins after the first interval elapses.
type PollerConfig struct {
	OrderNumber string
	Status      models.OrderStatus
	Interval    time.Duration

	// OnUpdate receives each successfully fetched order. It is never
	// called with partial data: fetch failures go to OnError and leave
	// the last known-good state untouched.
	OnUpdate func(order *models.Order)
	OnError  func(err error)
}

// Poller owns a single timer per tracked order. Every exit path stops
// the timer: Stop, a terminal status, a zero interval, and loss of
// visibility.
type Poller struct {
	fetcher Fetcher
	logger  *logrus.Logger

	orderNumber string
	onUpdate    func(order *models.Order)
	onError     func(err error)

	mu        sync.Mutex
	status    models.OrderStatus
	interval  time.Duration
	visible   bool
	started   bool
	stopped   bool
	timer     *time.Timer
	lastFetch time.Time
}

func NewPoller(fetcher Fetcher, config PollerConfig, logger *logrus.Logger) *Poller {
	return &Poller{
		fetcher:     fetcher,
		logger:      logger,
		orderNumber: config.OrderNumber,
		onUpdate:    config.OnUpdate,
		onError:     config.OnError,
		status:      config.Status,
		interval:    config.Interval,
		visible:     true,
	}
}

// Start arms the timer. It does not fetch immediately.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	p.scheduleLocked()
}

// Stop cancels any scheduled fetch. The poller cannot be restarted.
func (p *Poller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.stopTimerLocked()
}

// Update re-derives the polling decision from a new status and
// interval, e.g. after the caller applied a fetched order. A terminal
// status or zero interval deterministically stops future scheduling.
func (p *Poller) Update(status models.OrderStatus, interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
	p.interval = interval
	if !p.started || p.stopped {
		return
	}
	p.stopTimerLocked()
	p.scheduleLocked()
}

// SetVisible pauses polling while the host page is hidden. On
// return to visible, one fetch runs immediately and interval scheduling
// resumes with the most recently known-good interval.
func (p *Poller) SetVisible(visible bool) {
	p.mu.Lock()
	if p.visible == visible {
		p.mu.Unlock()
		return
	}
	p.visible = visible

	if !visible {
		p.stopTimerLocked()
		p.mu.Unlock()
		return
	}

	fetchNow := p.started && !p.stopped && p.shouldPollLocked()
	if fetchNow {
		p.scheduleLocked()
	}
	p.mu.Unlock()

	if fetchNow {
		p.fetch()
	}
}

// Refresh performs one immediate fetch outside the interval schedule.
// The timer is left alone.
func (p *Poller) Refresh() {
	p.fetch()
}

// Polling reports whether a fetch is currently scheduled.
func (p *Poller) Polling() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

// LastFetch returns the time of the most recent successful fetch, zero
// if none has completed yet.
func (p *Poller) LastFetch() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFetch
}

func (p *Poller) shouldPollLocked() bool {
	return !p.status.Terminal() && p.interval > 0
}

func (p *Poller) scheduleLocked() {
	if p.timer != nil || !p.visible || !p.shouldPollLocked() {
		return
	}
	p.timer = time.AfterFunc(p.interval, p.tick)
}

func (p *Poller) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller) tick() {
	p.mu.Lock()
	p.timer = nil
	if p.stopped || !p.visible || !p.shouldPollLocked() {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.fetch()

	p.mu.Lock()
	if !p.stopped {
		p.scheduleLocked()
	}
	p.mu.Unlock()
}

// fetch performs one lookup and applies the result. On failure the
// error callback fires and prior state is untouched.
func (p *Poller) fetch() {
	tracked, err := p.fetcher.FetchOrder(context.Background(), p.orderNumber)
	if err != nil {
		p.logger.WithError(err).WithField("order_number", p.orderNumber).Warn("Order poll failed")
		if p.onError != nil {
			p.onError(err)
		}
		return
	}

	p.mu.Lock()
	p.lastFetch = time.Now()
	p.status = tracked.Order.Status
	p.interval = tracked.Interval()
	if p.started && !p.stopped && !p.shouldPollLocked() {
		p.stopTimerLocked()
	}
	p.mu.Unlock()

	if p.onUpdate != nil {
		p.onUpdate(tracked.Order)
	}
}
