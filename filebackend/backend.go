package filebackend

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/oklog/ulid/v2"

	"github.com/1261385937/config-monitor/backend"
	"github.com/1261385937/config-monitor/task"
)

const defaultPollInterval = time.Second

type backendOptions struct {
	logger       backend.Logger
	pollInterval time.Duration
	useFSNotify  bool
}

// Option is the option of the filesystem backend.
type Option func(opts *backendOptions)

// WithLogger configures the logger.
func WithLogger(logger backend.Logger) Option {
	return func(opts *backendOptions) {
		opts.logger = logger
	}
}

// WithPollInterval sets the interval between two poll cycles.
func WithPollInterval(d time.Duration) Option {
	return func(opts *backendOptions) {
		opts.pollInterval = d
	}
}

// WithFSNotify enables or disables waking up the poller on filesystem notifications.
func WithFSNotify(enabled bool) Option {
	return func(opts *backendOptions) {
		opts.useFSNotify = enabled
	}
}

// Backend implements backend.Backend on a directory tree.
// A node with a value is a regular file, a node without value is a directory.
//
// Every operation runs on a single worker goroutine, the same goroutine polls
// the watched paths after draining the queued operations.
type Backend struct {
	root string
	opts backendOptions

	lifecycle sync.Mutex
	wg        sync.WaitGroup

	mut     sync.Mutex
	running bool
	queue   []func()
	stopCh  chan struct{}
	wakeCh  chan struct{}
	session ulid.ULID

	notifier *fsnotify.Watcher
	notifyCh chan struct{}

	// accessed only by the worker goroutine, or by Close after the worker stopped
	existsWatches   map[string][]*existsWatch
	childrenWatches map[string][]*childrenWatch
	versions        map[string]uint64
	sequences       map[string]int64
	ephemerals      map[string]struct{}
	ttls            map[string]time.Duration
}

var _ backend.Backend = &Backend{}

// New creates a filesystem backend rooted at root, nothing is touched before Init.
func New(root string, options ...Option) *Backend {
	opts := backendOptions{
		logger:       backend.NewLogger("FILE"),
		pollInterval: defaultPollInterval,
		useFSNotify:  true,
	}
	for _, fn := range options {
		fn(&opts)
	}
	if opts.pollInterval <= 0 {
		opts.pollInterval = defaultPollInterval
	}

	return &Backend{
		root:     root,
		opts:     opts,
		wakeCh:   make(chan struct{}, 1),
		notifyCh: make(chan struct{}, 1),
	}
}

// Init creates the root directory and starts the worker.
func (b *Backend) Init() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mut.Lock()
	running := b.running
	b.mut.Unlock()
	if running {
		return nil
	}

	if err := os.MkdirAll(b.root, 0o755); err != nil {
		return mapFileError(err)
	}

	b.existsWatches = map[string][]*existsWatch{}
	b.childrenWatches = map[string][]*childrenWatch{}
	b.versions = map[string]uint64{}
	b.sequences = map[string]int64{}
	b.ephemerals = map[string]struct{}{}
	b.ttls = map[string]time.Duration{}

	var notifier *fsnotify.Watcher
	if b.opts.useFSNotify {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			b.opts.logger.Warnf("Can not create fsnotify watcher, polling only: %v", err)
		} else {
			notifier = w
		}
	}

	stopCh := make(chan struct{})

	b.mut.Lock()
	b.running = true
	b.stopCh = stopCh
	b.session = ulid.Make()
	b.notifier = notifier
	session := b.session
	b.mut.Unlock()

	if notifier != nil {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			b.forwardNotifications(notifier, stopCh)
		}()
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.runWorker(stopCh)
	}()

	b.opts.logger.Infof("Started on %s, session: %s", b.root, session)
	return nil
}

// Close stops the worker after it executed the queued operations, removes the ephemeral
// nodes of the session and resolves every armed watch with EventNotWatching.
func (b *Backend) Close() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	b.mut.Lock()
	if !b.running {
		b.mut.Unlock()
		return nil
	}
	b.running = false
	stopCh := b.stopCh
	notifier := b.notifier
	session := b.session
	b.stopCh = nil
	b.notifier = nil
	b.mut.Unlock()

	close(stopCh)
	if notifier != nil {
		_ = notifier.Close()
	}
	b.wg.Wait()

	b.removeEphemerals(session)
	b.cancelAllWatches()
	return nil
}

// SessionID returns the ULID identifying the current session, owner of the ephemeral nodes.
func (b *Backend) SessionID() string {
	b.mut.Lock()
	defer b.mut.Unlock()
	return b.session.String()
}

func (b *Backend) removeEphemerals(session ulid.ULID) {
	if len(b.ephemerals) == 0 {
		return
	}

	paths := make([]string, 0, len(b.ephemerals))
	for p := range b.ephemerals {
		paths = append(paths, p)
	}
	// deepest first
	slices.SortFunc(paths, func(x, y string) int {
		return strings.Count(y, "/") - strings.Count(x, "/")
	})

	b.opts.logger.Infof("Removing %d ephemeral nodes of session %s", len(paths), session)
	for _, p := range paths {
		if err := os.RemoveAll(b.realPath(p)); err != nil {
			b.opts.logger.Warnf("Can not remove ephemeral node %s: %v", p, err)
		}
	}
	b.ephemerals = map[string]struct{}{}
}

func (b *Backend) realPath(path string) string {
	return filepath.Join(b.root, filepath.FromSlash(path))
}

// submit queues fn to the worker, the awaiter is resumed with its result.
func submit[T any](b *Backend, fn func() T) (*task.Awaiter[T], error) {
	a := task.NewAwaiter[T]()

	b.mut.Lock()
	if !b.running {
		b.mut.Unlock()
		return nil, backend.NewError(backend.CodeClosed, "file backend is not initialized")
	}
	b.queue = append(b.queue, func() {
		a.Resume(fn())
	})
	b.mut.Unlock()

	select {
	case b.wakeCh <- struct{}{}:
	default:
	}
	return a, nil
}

func (b *Backend) runWorker(stopCh <-chan struct{}) {
	ticker := time.NewTicker(b.opts.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			b.drainQueue()
			return
		case <-b.wakeCh:
		case <-b.notifyCh:
		case <-ticker.C:
		}

		b.drainQueue()
		b.poll()
	}
}

func (b *Backend) drainQueue() {
	for {
		b.mut.Lock()
		queue := b.queue
		b.queue = nil
		b.mut.Unlock()

		if len(queue) == 0 {
			return
		}
		for _, fn := range queue {
			fn()
		}
	}
}

func (b *Backend) forwardNotifications(notifier *fsnotify.Watcher, stopCh <-chan struct{}) {
	for {
		select {
		case _, ok := <-notifier.Events:
			if !ok {
				return
			}
			select {
			case b.notifyCh <- struct{}{}:
			default:
			}
		case err, ok := <-notifier.Errors:
			if !ok {
				return
			}
			b.opts.logger.Warnf("fsnotify error: %v", err)
		case <-stopCh:
			return
		}
	}
}

// watchDir is called on the worker, missing directories are covered by polling.
func (b *Backend) watchDir(path string) {
	b.mut.Lock()
	notifier := b.notifier
	b.mut.Unlock()

	if notifier == nil {
		return
	}
	_ = notifier.Add(b.realPath(path))
}
