package connectivity

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/go-go-golems/chatsync/pkg/events"
	"github.com/go-go-golems/chatsync/pkg/metrics"
	"github.com/go-go-golems/chatsync/pkg/remote"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

type Status string

const (
	StatusUnknown      Status = "unknown"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusError        Status = "error"
)

// Snapshot is the result of the latest probe. Services is only populated when
// the remote is connected.
type Snapshot struct {
	Status    Status                 `json:"status"`
	Services  map[string]interface{} `json:"services,omitempty"`
	Cause     string                 `json:"cause,omitempty"`
	CheckedAt time.Time              `json:"checkedAt"`
}

func (s Snapshot) Connected() bool {
	return s.Status == StatusConnected
}

type HealthChecker interface {
	HealthCheck(ctx context.Context) (*remote.HealthResponse, error)
}

// ProbeListener is called after every probe with the previous and new snapshot.
type ProbeListener func(prev, next Snapshot)

var ErrAlreadyStarted = errors.New("monitor already started")

type Monitor struct {
	checker  HealthChecker
	interval time.Duration
	timeout  time.Duration
	sink     events.EventSink

	mu        sync.RWMutex
	current   Snapshot
	listeners []ProbeListener

	// serializes probes so listeners observe transitions in order
	probeMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type MonitorOption func(*Monitor)

func WithInterval(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.interval = d
	}
}

func WithProbeTimeout(d time.Duration) MonitorOption {
	return func(m *Monitor) {
		m.timeout = d
	}
}

func WithSink(sink events.EventSink) MonitorOption {
	return func(m *Monitor) {
		m.sink = sink
	}
}

func NewMonitor(checker HealthChecker, options ...MonitorOption) *Monitor {
	ret := &Monitor{
		checker:  checker,
		interval: 30 * time.Second,
		timeout:  3 * time.Second,
		sink:     events.NewNullSink(),
		current:  Snapshot{Status: StatusUnknown},
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

func (m *Monitor) OnProbe(l ProbeListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

func (m *Monitor) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Monitor) Status() Status {
	return m.Current().Status
}

// Probe performs a single health check. The status is recomputed from
// scratch on every call.
func (m *Monitor) Probe(ctx context.Context) Snapshot {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	next := Snapshot{CheckedAt: time.Now()}
	resp, err := m.checker.HealthCheck(probeCtx)
	switch {
	case err == nil:
		next.Status = StatusConnected
		next.Services = resp.Services
	case remote.Classify(err) == remote.ClassRejected:
		next.Status = StatusError
		next.Cause = err.Error()
	default:
		next.Status = StatusDisconnected
		next.Cause = err.Error()
	}
	metrics.RecordProbe(string(next.Status))

	m.set(next)
	return next
}

func (m *Monitor) set(next Snapshot) {
	m.mu.Lock()
	prev := m.current
	m.current = next
	listeners := append([]ProbeListener(nil), m.listeners...)
	m.mu.Unlock()

	if prev.Status != next.Status || !reflect.DeepEqual(prev.Services, next.Services) {
		log.Info().
			Str("previous", string(prev.Status)).
			Str("status", string(next.Status)).
			Str("cause", next.Cause).
			Msg("backend status changed")
		events.Publish(m.sink, events.NewStatusChangedEvent(
			events.NewMetadata("", ""), string(prev.Status), string(next.Status), next.Cause))
	}

	for _, l := range listeners {
		l(prev, next)
	}
}

// Start marks the status as connecting, probes once right away and then on
// every interval until Stop is called or ctx is done.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	prev := m.current
	m.current = Snapshot{Status: StatusConnecting, CheckedAt: time.Now()}
	m.mu.Unlock()

	if prev.Status != StatusConnecting {
		events.Publish(m.sink, events.NewStatusChangedEvent(
			events.NewMetadata("", ""), string(prev.Status), string(StatusConnecting), ""))
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if ctx.Err() != nil {
			return
		}
		m.Probe(ctx)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Probe(ctx)
			}
		}
	}()
	return nil
}

// Stop ends the probe loop and waits for an in-flight probe to return.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
}
