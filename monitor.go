package configmonitor

import (
	"sync"
	"time"

	"github.com/1261385937/config-monitor/backend"
)

const defaultRecoverInterval = time.Second

type monitorOptions struct {
	logger          backend.Logger
	faultHandler    func(err error)
	recoverInterval time.Duration
}

// Option is the option of the Monitor.
type Option func(opts *monitorOptions)

// WithLogger configures the logger.
func WithLogger(logger backend.Logger) Option {
	return func(opts *monitorOptions) {
		opts.logger = logger
	}
}

// WithFaultHandler is called when a watch loop could not even queue a request to the backend.
// The loop is terminated after the handler returns.
func WithFaultHandler(handler func(err error)) Option {
	return func(opts *monitorOptions) {
		opts.faultHandler = handler
	}
}

// WithRecoverInterval sets the delay between two attempts to re-initialize the backend
// after a session expiry.
func WithRecoverInterval(d time.Duration) Option {
	return func(opts *monitorOptions) {
		opts.recoverInterval = d
	}
}

// Monitor watches and mutates a hierarchical key value store through a backend.
type Monitor struct {
	backend backend.Backend
	opts    monitorOptions

	// serializes session recovery
	recoverMut sync.Mutex

	mut       sync.Mutex
	closed    bool
	records   map[watchKey]*watchRecord
	snapshots map[string]map[string]struct{}
}

// New creates a Monitor on top of b, the backend is not initialized before Init.
func New(b backend.Backend, options ...Option) *Monitor {
	opts := monitorOptions{
		logger:          backend.NewLogger("CM"),
		recoverInterval: defaultRecoverInterval,
	}
	for _, fn := range options {
		fn(&opts)
	}
	if opts.faultHandler == nil {
		logger := opts.logger
		opts.faultHandler = func(err error) {
			logger.Errorf("Watch terminated: %v", err)
		}
	}

	return &Monitor{
		backend:   b,
		opts:      opts,
		records:   map[watchKey]*watchRecord{},
		snapshots: map[string]map[string]struct{}{},
	}
}

// Backend returns the backend the monitor was created with.
func (m *Monitor) Backend() backend.Backend {
	return m.backend
}

// Init initializes the backend. For backends with sessions, an expired session is
// recovered automatically: the backend is re-initialized and every watch is registered again.
func (m *Monitor) Init() error {
	if n, ok := m.backend.(backend.SessionNotifier); ok {
		n.SetExpiredCallback(m.recoverSession)
	}

	if err := m.backend.Init(); err != nil {
		return err
	}

	m.mut.Lock()
	m.closed = false
	m.mut.Unlock()
	return nil
}

// Close stops every watch loop and closes the backend.
func (m *Monitor) Close() error {
	m.mut.Lock()
	m.closed = true
	for key, rec := range m.records {
		m.stopRecordLocked(rec)
		delete(m.records, key)
	}
	m.snapshots = map[string]map[string]struct{}{}
	m.mut.Unlock()

	return m.backend.Close()
}

// ClientIP returns the local address used to reach the backend, empty if the backend has none.
func (m *Monitor) ClientIP() string {
	if p, ok := m.backend.(backend.ClientIPProvider); ok {
		return p.ClientIP()
	}
	return ""
}

func (m *Monitor) isClosed() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.closed
}

func (m *Monitor) recoverSession() {
	m.recoverMut.Lock()
	defer m.recoverMut.Unlock()

	m.mut.Lock()
	if m.closed {
		m.mut.Unlock()
		return
	}
	m.snapshots = map[string]map[string]struct{}{}
	m.mut.Unlock()

	m.opts.logger.Warnf("Session expired, re-initializing backend")

	for {
		if err := m.backend.Close(); err != nil {
			m.opts.logger.Warnf("Close backend: %v", err)
		}
		err := m.backend.Init()
		if err == nil {
			if m.isClosed() {
				// closed while initializing, the backend close of the monitor found nothing to close
				if err := m.backend.Close(); err != nil {
					m.opts.logger.Warnf("Close backend: %v", err)
				}
				return
			}
			break
		}
		m.opts.logger.Errorf("Re-initialize backend: %v", err)

		time.Sleep(m.opts.recoverInterval)
		if m.isClosed() {
			return
		}
	}

	m.mut.Lock()
	records := make([]*watchRecord, 0, len(m.records))
	for _, rec := range m.records {
		records = append(records, rec)
	}
	m.mut.Unlock()

	m.opts.logger.Infof("Backend re-initialized, replaying %d watches", len(records))
	for _, rec := range records {
		m.replay(rec)
	}
}
