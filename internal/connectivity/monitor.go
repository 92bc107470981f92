package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/angelmondragon/packfinderz-offline/internal/events"
	"github.com/angelmondragon/packfinderz-offline/pkg/enums"
	"github.com/angelmondragon/packfinderz-offline/pkg/logger"
)

const (
	defaultDebounce = 1500 * time.Millisecond
	defaultInterval = 10 * time.Second
)

// Publisher is the slice of the event bus the monitor needs.
type Publisher interface {
	Publish(topic events.Topic, data any)
}

// Params configure a Monitor.
type Params struct {
	Logger        *logger.Logger
	Publisher     Publisher
	Prober        Prober
	Debounce      time.Duration
	Interval      time.Duration
	InitialOnline bool
}

// Monitor tracks reachability. Going offline applies immediately; coming back online only
// takes effect once the network has stayed up for the debounce window, and then produces a
// single restored event.
type Monitor struct {
	logg     *logger.Logger
	pub      Publisher
	prober   Prober
	debounce time.Duration
	interval time.Duration

	mu      sync.Mutex
	online  bool
	timer   *time.Timer
	gen     uint64
	changed time.Time
}

func NewMonitor(params Params) *Monitor {
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	debounce := params.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	interval := params.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Monitor{
		logg:     logg,
		pub:      params.Publisher,
		prober:   params.Prober,
		debounce: debounce,
		interval: interval,
		online:   params.InitialOnline,
		changed:  time.Now().UTC(),
	}
}

// Online reports the debounced state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// ChangedAt returns when the debounced state last flipped.
func (m *Monitor) ChangedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.changed
}

// State reports the debounced state as an enum.
func (m *Monitor) State() enums.ConnectivityState {
	if m.Online() {
		return enums.ConnectivityOnline
	}
	return enums.ConnectivityOffline
}

// Report feeds a raw reachability signal, from the host platform or a probe.
func (m *Monitor) Report(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !online {
		m.cancelPendingLocked()
		if m.online {
			m.online = false
			m.changed = time.Now().UTC()
			m.logg.Info(m.logg.WithField(context.Background(), "event", "connectivity.lost"), "connectivity lost")
			m.publishLocked(events.ConnectivityChanged{Online: false})
		}
		return
	}

	if m.online || m.timer != nil {
		return
	}
	m.gen++
	gen := m.gen
	m.timer = time.AfterFunc(m.debounce, func() { m.restore(gen) })
}

func (m *Monitor) restore(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen || m.timer == nil {
		return
	}
	m.timer = nil
	if m.online {
		return
	}
	m.online = true
	m.changed = time.Now().UTC()
	m.logg.Info(m.logg.WithField(context.Background(), "event", "connectivity.restored"), "connectivity restored")
	m.publishLocked(events.ConnectivityChanged{Online: true, Restored: true})
}

func (m *Monitor) cancelPendingLocked() {
	if m.timer == nil {
		return
	}
	m.timer.Stop()
	m.timer = nil
	m.gen++
}

func (m *Monitor) publishLocked(data events.ConnectivityChanged) {
	if m.pub != nil {
		m.pub.Publish(events.TopicConnectivityChanged, data)
	}
}

// Run probes on the configured interval until ctx is cancelled. Without a prober it only
// waits, leaving state to Report.
func (m *Monitor) Run(ctx context.Context) error {
	if m.prober == nil {
		<-ctx.Done()
		m.Stop()
		return ctx.Err()
	}

	m.probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return ctx.Err()
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	err := m.prober.Probe(ctx)
	if err != nil && ctx.Err() != nil {
		return
	}
	if err != nil {
		m.logg.Debug(m.logg.WithField(ctx, "error", err.Error()), "connectivity probe failed")
	}
	m.Report(err == nil)
}

// Stop cancels a pending restore.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelPendingLocked()
}
