package zkbackend

import (
	"errors"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/1261385937/config-monitor/backend"
)

const (
	defaultConnectRetry    = 1000
	defaultConnectInterval = 10 * time.Millisecond
	maxDetectInterval      = 3 * time.Second
	rearmBackoff           = 100 * time.Millisecond
)

// Backend implements backend.Backend on a ZooKeeper ensemble.
type Backend struct {
	servers        []string
	sessionTimeout time.Duration
	opts           backendOptions
	dialer         *localAddrDialer

	// serializes Init and Close
	lifecycle sync.Mutex

	wg sync.WaitGroup

	mut             sync.Mutex
	conn            Conn
	generation      uint64
	expiredFired    bool
	stopCh          chan struct{}
	watches         map[watchKey]map[*armedWatch]struct{}
	expiredCallback func()
}

var _ backend.Backend = &Backend{}
var _ backend.SessionNotifier = &Backend{}
var _ backend.ClientIPProvider = &Backend{}

// New creates a ZooKeeper backend, no connection is made before Init.
func New(servers []string, sessionTimeout time.Duration, options ...Option) *Backend {
	opts := backendOptions{
		logger:          backend.NewLogger("ZK"),
		connector:       DefaultConnector,
		connectRetry:    defaultConnectRetry,
		connectInterval: defaultConnectInterval,
		acl:             zk.WorldACL(zk.PermAll),
	}
	for _, fn := range options {
		fn(&opts)
	}
	if opts.hostProvider == nil {
		opts.hostProvider = NewServerListSelector(time.Now().UnixNano())
	}

	return &Backend{
		servers:        servers,
		sessionTimeout: sessionTimeout,
		opts:           opts,
		dialer: &localAddrDialer{
			tlsConfig: opts.tlsConfig,
		},
		watches: map[watchKey]map[*armedWatch]struct{}{},
	}
}

// SetExpiredCallback installs the function called once for each expired session.
func (b *Backend) SetExpiredCallback(fn func()) {
	b.mut.Lock()
	defer b.mut.Unlock()
	b.expiredCallback = fn
}

// Init opens a new session and blocks until it is established or the retry budget is exhausted.
// Init on an initialized backend does nothing.
func (b *Backend) Init() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mut.Lock()
	if b.conn != nil {
		b.mut.Unlock()
		return nil
	}
	b.generation++
	gen := b.generation
	b.expiredFired = false
	b.mut.Unlock()

	conn, err := b.opts.connector(ConnectParams{
		Servers:        b.servers,
		SessionTimeout: b.sessionTimeout,
		HostProvider:   b.opts.hostProvider,
		Dialer:         b.dialer.dial,
		Logger:         zkLogger{logger: b.opts.logger},
		EventCallback: func(ev zk.Event) {
			b.onEvent(gen, ev)
		},
	})
	if err != nil {
		return MapError(err)
	}

	if err := b.waitForSession(conn); err != nil {
		conn.Close()
		return err
	}

	if b.opts.authScheme != "" {
		if err := conn.AddAuth(b.opts.authScheme, b.opts.auth); err != nil {
			conn.Close()
			return MapError(err)
		}
	}

	stopCh := make(chan struct{})

	b.mut.Lock()
	b.conn = conn
	b.stopCh = stopCh
	b.mut.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runDetector(gen, conn, stopCh)
	}()

	b.opts.logger.Infof("Session established, id: 0x%x", conn.SessionID())
	return nil
}

func (b *Backend) waitForSession(conn Conn) error {
	for i := 0; i < b.opts.connectRetry; i++ {
		if conn.State() == zk.StateHasSession {
			return nil
		}
		time.Sleep(b.opts.connectInterval)
	}
	if conn.State() == zk.StateHasSession {
		return nil
	}
	return backend.NewError(backend.CodeConnectionLoss,
		"can not establish session to %v after %d retries", b.servers, b.opts.connectRetry)
}

// Close closes the session, every armed watch receives EventNotWatching.
func (b *Backend) Close() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mut.Lock()
	conn := b.conn
	stopCh := b.stopCh
	watches := b.watches

	b.conn = nil
	b.stopCh = nil
	b.watches = map[watchKey]map[*armedWatch]struct{}{}
	b.mut.Unlock()

	if conn == nil {
		return nil
	}

	close(stopCh)
	conn.Close()
	b.wg.Wait()

	for _, set := range watches {
		for w := range set {
			close(w.cancel)
		}
	}

	b.opts.logger.Infof("Session closed")
	return nil
}

// ClientIP returns the local IP address of the last connection to the ensemble.
func (b *Backend) ClientIP() string {
	return b.dialer.getLocalAddr()
}

// SessionID returns the id of the current session, zero if not initialized.
func (b *Backend) SessionID() int64 {
	b.mut.Lock()
	conn := b.conn
	b.mut.Unlock()

	if conn == nil {
		return 0
	}
	return conn.SessionID()
}

func (b *Backend) detectInterval() time.Duration {
	if b.opts.detectInterval > 0 {
		return b.opts.detectInterval
	}
	interval := b.sessionTimeout / 5
	if interval > maxDetectInterval {
		interval = maxDetectInterval
	}
	if interval <= 0 {
		interval = maxDetectInterval
	}
	return interval
}

// runDetector keeps the session warm, a read is needed for the client to notice an expired session.
func (b *Backend) runDetector(gen uint64, conn Conn, stopCh <-chan struct{}) {
	ticker := time.NewTicker(b.detectInterval())
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		_, _, err := conn.Exists("/zookeeper")
		if errors.Is(err, zk.ErrSessionExpired) || conn.State() == zk.StateExpired {
			b.sessionExpired(gen)
		}
	}
}

func (b *Backend) isCurrent(gen uint64) bool {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.conn != nil && b.generation == gen
}

func (b *Backend) onEvent(gen uint64, ev zk.Event) {
	if ev.Type != zk.EventSession {
		return
	}

	switch ev.State {
	case zk.StateHasSession:
		if b.opts.sessEstablishedCallback != nil {
			go b.opts.sessEstablishedCallback()
		}

	case zk.StateDisconnected:
		if !b.isCurrent(gen) {
			return
		}
		b.opts.logger.Warnf("Connection lost to %s", ev.Server)
		if b.opts.reconnectingCallback != nil {
			go b.opts.reconnectingCallback()
		}

	case zk.StateExpired:
		b.sessionExpired(gen)

	default:
	}
}

// sessionExpired runs the expiry callbacks at most once per session.
func (b *Backend) sessionExpired(gen uint64) {
	b.mut.Lock()
	if b.generation != gen || b.expiredFired || b.conn == nil {
		b.mut.Unlock()
		return
	}
	b.expiredFired = true
	callback := b.expiredCallback
	b.mut.Unlock()

	b.opts.logger.Warnf("Session expired")

	if b.opts.sessExpiredCallback != nil {
		go b.opts.sessExpiredCallback()
	}
	if callback != nil {
		go callback()
	}
}

func (b *Backend) getConn() (Conn, uint64, error) {
	b.mut.Lock()
	defer b.mut.Unlock()
	if b.conn == nil {
		return nil, 0, backend.NewError(backend.CodeClosed, "zookeeper backend is not initialized")
	}
	return b.conn, b.generation, nil
}
