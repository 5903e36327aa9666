// Package connectivity tracks whether the backend is reachable, combining the
// host's network signal with active, debounced probes.
package connectivity

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/JohanCodinha/reportq/internal/logger"
)

var log = logger.Named("connectivity")

// Quality describes how usable the connection is.
type Quality string

const (
	QualityOffline Quality = "offline"
	QualityPoor    Quality = "poor"
	QualityGood    Quality = "good"
)

// Status is a snapshot of the monitor's state.
type Status struct {
	Online      bool
	// Checking is true while a probe runs. Both edges are published.
	Checking    bool
	Quality     Quality
	Latency     time.Duration
	LastChecked time.Time
}

// Prober performs one reachability check and returns its round-trip time.
type Prober interface {
	Probe(ctx context.Context) (time.Duration, error)
}

// ProberFunc adapts a function, such as remote.Client.Ping, to Prober.
type ProberFunc func(ctx context.Context) (time.Duration, error)

func (f ProberFunc) Probe(ctx context.Context) (time.Duration, error) { return f(ctx) }

// FirstOf tries each prober in order and succeeds with the first that does.
func FirstOf(probers ...Prober) Prober {
	return ProberFunc(func(ctx context.Context) (time.Duration, error) {
		var errs []error
		for _, p := range probers {
			d, err := p.Probe(ctx)
			if err == nil {
				return d, nil
			}
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
		if len(errs) == 0 {
			return 0, errors.New("no probers configured")
		}
		return 0, errors.Join(errs...)
	})
}

// Options configures a Monitor. Zero values take the defaults.
type Options struct {
	Interval      time.Duration // between periodic probes, default 30s
	Timeout       time.Duration // per probe, default 5s
	Confirmations int           // consistent probes needed to flip online state, default 2
	PoorLatency   time.Duration // latency at or above which quality is poor, default 2s
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Confirmations <= 0 {
		o.Confirmations = 2
	}
	if o.PoorLatency <= 0 {
		o.PoorLatency = 2 * time.Second
	}
	return o
}

// Monitor publishes online/offline edges and quality changes.
type Monitor struct {
	prober Prober
	opts   Options
	now    func() time.Time

	mu     sync.Mutex
	status Status
	known  bool // false until the first probe or native signal
	// candidate is the opposite online state seen by the last streak probes.
	candidate bool
	streak    int
	published int
	subs      map[int]chan Status
	nextSub   int

	trigger chan struct{}
}

// New creates a monitor. It starts offline until a probe proves otherwise.
func New(prober Prober, opts Options) *Monitor {
	return &Monitor{
		prober:  prober,
		opts:    opts.withDefaults(),
		now:     time.Now,
		status:  Status{Quality: QualityOffline},
		subs:    make(map[int]chan Status),
		trigger: make(chan struct{}, 1),
	}
}

// Status returns the current state.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe returns a channel receiving every published change. A slow
// reader only sees the most recent one. The returned func unsubscribes and
// closes the channel.
func (m *Monitor) Subscribe() (<-chan Status, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	ch := make(chan Status, 1)
	m.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			close(ch)
		})
	}
}

// publish must be called with m.mu held.
func (m *Monitor) publish() {
	m.published++
	s := m.status
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}

// NotifyNative feeds the host's network signal. Going offline is applied at
// once; coming online only schedules a probe.
func (m *Monitor) NotifyNative(online bool) {
	if online {
		log.Debug("native online signal, scheduling probe")
		select {
		case m.trigger <- struct{}{}:
		default:
		}
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.streak = 0
	m.known = true
	if !m.status.Online && m.status.Quality == QualityOffline {
		return
	}
	log.Info("native offline signal")
	m.status.Online = false
	m.status.Quality = QualityOffline
	m.status.Latency = 0
	m.publish()
}

// Check runs one probe immediately and returns the resulting state.
func (m *Monitor) Check(ctx context.Context) Status {
	m.mu.Lock()
	m.status.Checking = true
	m.publish()
	m.mu.Unlock()

	pctx, cancel := context.WithTimeout(ctx, m.opts.Timeout)
	latency, err := m.prober.Probe(pctx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.status.Checking = false
	m.status.LastChecked = m.now()
	before := m.published
	if err != nil {
		log.Debug("probe failed: %v", err)
		m.apply(false, 0)
	} else {
		log.Debug("probe ok in %s", latency)
		m.apply(true, latency)
	}
	if m.published == before {
		m.publish()
	}
	return m.status
}

// apply runs one probe result through the debounce. m.mu must be held.
func (m *Monitor) apply(online bool, latency time.Duration) {
	quality := QualityOffline
	if online {
		quality = QualityGood
		if latency >= m.opts.PoorLatency {
			quality = QualityPoor
		}
	}

	if !m.known {
		m.known = true
		m.set(online, quality, latency)
		return
	}

	if online == m.status.Online {
		m.streak = 0
		m.status.Latency = latency
		if m.status.Quality != quality {
			m.status.Quality = quality
			log.Info("connection quality %s", quality)
			m.publish()
		}
		return
	}

	if m.streak > 0 && m.candidate == online {
		m.streak++
	} else {
		m.candidate = online
		m.streak = 1
	}
	if m.streak < m.opts.Confirmations {
		log.Debug("online=%v seen %d/%d times, waiting", online, m.streak, m.opts.Confirmations)
		return
	}
	m.streak = 0
	m.set(online, quality, latency)
}

func (m *Monitor) set(online bool, quality Quality, latency time.Duration) {
	m.status.Online = online
	m.status.Quality = quality
	m.status.Latency = latency
	if online {
		log.Info("online (%s)", quality)
	} else {
		log.Info("offline")
	}
	m.publish()
}

// Run probes immediately, then on every interval and native online signal,
// until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		case <-m.trigger:
			m.Check(ctx)
		}
	}
}
