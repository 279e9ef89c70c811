package configmonitor

import (
	"bytes"
	"time"

	"github.com/1261385937/config-monitor/backend"
	"github.com/1261385937/config-monitor/task"
)

// PathEvent is the event delivered to watch callbacks.
type PathEvent int

const (
	// PathChanged is delivered when the path is created or its value updated, with the current value.
	PathChanged PathEvent = iota + 1
	// PathDel is delivered when the path is deleted.
	PathDel
)

func (e PathEvent) String() string {
	switch e {
	case PathChanged:
		return "changed"
	case PathDel:
		return "del"
	default:
		return "unknown"
	}
}

const fetchRetryInterval = 50 * time.Millisecond

type watchKey struct {
	path string
	kind backend.WatchKind
}

// watchRecord is one registered watch, replaced on re-registration and replayed
// after a session expiry with the same run func.
type watchRecord struct {
	key  watchKey
	run  func(rec *watchRecord)
	done chan struct{}

	// guarded by Monitor.mut
	stopped  bool
	children map[string]*childMonitor
	values   map[string][]byte
}

type childMonitor struct {
	name string
	done chan struct{}

	// guarded by Monitor.mut
	absent  bool
	stopped bool
}

func newWatchRecord(key watchKey, run func(rec *watchRecord)) *watchRecord {
	return &watchRecord{
		key:      key,
		run:      run,
		done:     make(chan struct{}),
		children: map[string]*childMonitor{},
		values:   map[string][]byte{},
	}
}

func (c *childMonitor) stopLocked() {
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.done)
}

func (m *Monitor) stopRecordLocked(rec *watchRecord) {
	if rec.stopped {
		return
	}
	rec.stopped = true
	close(rec.done)
	for name, c := range rec.children {
		c.stopLocked()
		delete(rec.children, name)
	}
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// faultHandler drops the faults of loops that were already stopped.
func (m *Monitor) faultHandler(done <-chan struct{}) func(err error) {
	return func(err error) {
		if isDone(done) {
			return
		}
		m.opts.faultHandler(err)
	}
}

// register replaces the record of the same key and starts its loop.
func (m *Monitor) register(rec *watchRecord) error {
	m.mut.Lock()
	if m.closed {
		m.mut.Unlock()
		return backend.NewError(backend.CodeClosed, "monitor is closed")
	}
	if old, ok := m.records[rec.key]; ok {
		m.stopRecordLocked(old)
	}
	m.records[rec.key] = rec
	m.mut.Unlock()

	m.startRecord(rec)
	return nil
}

// replay restarts old with the same callback, unless it was removed or replaced meanwhile.
func (m *Monitor) replay(old *watchRecord) {
	rec := newWatchRecord(old.key, old.run)

	m.mut.Lock()
	if m.closed || m.records[old.key] != old {
		m.mut.Unlock()
		return
	}
	m.stopRecordLocked(old)
	m.records[old.key] = rec
	m.mut.Unlock()

	m.startRecord(rec)
}

func (m *Monitor) startRecord(rec *watchRecord) {
	task.Detach(func() {
		rec.run(rec)
	}, m.faultHandler(rec.done))
}

// WatchPath calls callback with PathChanged each time path is created or updated, and with
// PathDel when it is deleted. When path already has a value, PathChanged is delivered at once.
// A second WatchPath on the same path replaces the callback.
func (m *Monitor) WatchPath(path string, callback func(ev PathEvent, value []byte)) error {
	if err := backend.ValidatePath(path); err != nil {
		return err
	}

	key := watchKey{path: path, kind: backend.WatchPath}
	return m.register(newWatchRecord(key, func(rec *watchRecord) {
		m.watchValue(path, rec.done, valueHandler{
			changed: func(value []byte) {
				callback(PathChanged, value)
			},
			deleted: func() bool {
				callback(PathDel, nil)
				return true
			},
		})
	}))
}

// WatchSubPath watches every child of path (not their descendants). The callback
// receives the full path of the child, a del event has no value.
// Also valid for a path that does not exist yet.
func (m *Monitor) WatchSubPath(path string, callback func(ev PathEvent, childPath string, value []byte)) error {
	if err := backend.ValidatePath(path); err != nil {
		return err
	}

	key := watchKey{path: path, kind: backend.WatchSubPath}
	return m.register(newWatchRecord(key, func(rec *watchRecord) {
		m.watchChildren(rec, childHandler{
			changed: func(childPath string, value []byte) {
				callback(PathChanged, childPath, value)
			},
			deleted: func(childPath string) {
				callback(PathDel, childPath, nil)
			},
		})
	}))
}

// WatchSubPathValues is WatchSubPath without the child path: the last value of each child
// is kept and passed back with its del event.
func (m *Monitor) WatchSubPathValues(path string, callback func(ev PathEvent, value []byte)) error {
	if err := backend.ValidatePath(path); err != nil {
		return err
	}

	key := watchKey{path: path, kind: backend.WatchSubPath}
	return m.register(newWatchRecord(key, func(rec *watchRecord) {
		m.watchChildren(rec, childHandler{
			changed: func(childPath string, value []byte) {
				m.mut.Lock()
				rec.values[childPath] = value
				m.mut.Unlock()

				callback(PathChanged, value)
			},
			deleted: func(childPath string) {
				m.mut.Lock()
				last := rec.values[childPath]
				delete(rec.values, childPath)
				m.mut.Unlock()

				callback(PathDel, last)
			},
		})
	}))
}

type valueHandler struct {
	changed func(value []byte)
	// deleted returns false to stop the loop
	deleted func() bool
	// missing is called when the path has no value and nothing was delivered, optional
	missing func() bool
}

// valueState is what the loop delivered last.
type valueState struct {
	present bool
	value   []byte
}

// next computes the events to deliver after a fetch, prev is the event that woke the loop.
func (s *valueState) next(prev backend.EventType, exists bool, value []byte) (del bool, changed bool) {
	if prev == backend.EventDeleted && s.present {
		del = true
		s.present = false
		s.value = nil
	}

	switch {
	case !exists || value == nil:
		if s.present {
			del = true
		}
		s.present = false
		s.value = nil

	case !s.present || prev == backend.EventChanged || !bytes.Equal(s.value, value):
		changed = true
		s.present = true
		s.value = value
	}
	return del, changed
}

type fetchStatus int

const (
	fetchOK fetchStatus = iota
	// the armed watch fired before a fetch succeeded
	fetchFired
	// the loop is done or the backend closed
	fetchStopped
)

// fetchWithRetry repeats fetch after a failure until it succeeds.
// The session may still be alive on a connection loss, so only a closed backend stops the loop.
// A session expiry ends it through the terminal event of the armed watch.
func fetchWithRetry[T any](
	m *Monitor, desc string, done <-chan struct{},
	watch *task.Awaiter[backend.Event], fetch func() (T, error),
) (T, fetchStatus) {
	for {
		res, err := fetch()
		if isDone(done) {
			return res, fetchStopped
		}
		if err == nil {
			return res, fetchOK
		}
		if backend.CodeOf(err) == backend.CodeClosed {
			m.opts.logger.Warnf("Stop watching, %s: %v", desc, err)
			return res, fetchStopped
		}

		m.opts.logger.Warnf("Retry %s: %v", desc, err)

		timer := time.NewTimer(fetchRetryInterval)
		select {
		case <-done:
			timer.Stop()
			return res, fetchStopped
		case <-watch.Done():
			timer.Stop()
			return res, fetchFired
		case <-timer.C:
		}
	}
}

// watchValue is the single path loop: arm, fetch, deliver, wait for the event.
// The watch is armed before the fetch so no update between them is lost.
func (m *Monitor) watchValue(path string, done <-chan struct{}, h valueHandler) {
	var state valueState
	var prev backend.EventType

	for {
		watch, err := m.backend.WatchExists(path)
		if err != nil {
			task.Raise("watch exists "+path, err)
		}

		res, status := fetchWithRetry(m, "get value of "+path, done, watch, func() (backend.ValueResult, error) {
			res := task.Await(m.backend.GetValue(path))
			if res.Err != nil && !backend.IsNotFound(res.Err) {
				return res, res.Err
			}
			return res, nil
		})
		switch status {
		case fetchStopped:
			return

		case fetchOK:
			del, changed := state.next(prev, res.Err == nil, res.Value)
			if del && !h.deleted() {
				return
			}
			if changed {
				h.changed(res.Value)
			}
			if !del && !state.present && h.missing != nil && !h.missing() {
				return
			}
		}

		select {
		case <-done:
			return
		case <-watch.Done():
		}

		ev := watch.Result()
		if ev.Terminal() {
			return
		}
		// a deletion not fetched yet is kept until it is delivered
		if status == fetchOK || prev != backend.EventDeleted {
			prev = ev.Type
		}
	}
}

type childHandler struct {
	changed func(childPath string, value []byte)
	deleted func(childPath string)
}

// watchChildren is the children loop of a sub path record.
func (m *Monitor) watchChildren(rec *watchRecord, h childHandler) {
	path := rec.key.path

	for {
		watch, err := m.backend.WatchChildren(path)
		if err != nil {
			task.Raise("watch children "+path, err)
		}

		children, status := fetchWithRetry(m, "get children of "+path, rec.done, watch, func() ([]string, error) {
			res := task.Await(m.backend.GetChildren(path))
			if backend.IsNotFound(res.Err) {
				return nil, nil
			}
			return res.Children, res.Err
		})
		switch status {
		case fetchStopped:
			return
		case fetchOK:
			m.applyListing(rec, children, h)
		}

		select {
		case <-rec.done:
			return
		case <-watch.Done():
		}

		if watch.Result().Terminal() {
			return
		}
	}
}

// applyListing replaces the snapshot of the parent with children and starts
// a monitor for every child not monitored yet.
func (m *Monitor) applyListing(rec *watchRecord, children []string, h childHandler) {
	listed := make(map[string]struct{}, len(children))
	for _, name := range children {
		listed[name] = struct{}{}
	}

	var added []*childMonitor

	m.mut.Lock()
	if rec.stopped {
		m.mut.Unlock()
		return
	}

	m.snapshots[rec.key.path] = listed

	for name, c := range rec.children {
		if _, ok := listed[name]; ok || !c.absent {
			continue
		}
		c.stopLocked()
		delete(rec.children, name)
	}

	for _, name := range children {
		if _, ok := rec.children[name]; ok {
			continue
		}
		c := &childMonitor{
			name: name,
			done: make(chan struct{}),
		}
		rec.children[name] = c
		added = append(added, c)
	}
	m.mut.Unlock()

	for _, c := range added {
		m.startChild(rec, c, h)
	}
}

func (m *Monitor) startChild(rec *watchRecord, c *childMonitor, h childHandler) {
	childPath := backend.JoinChild(rec.key.path, c.name)

	task.Detach(func() {
		defer m.forgetChild(rec, c)

		m.watchValue(childPath, c.done, valueHandler{
			changed: func(value []byte) {
				m.mut.Lock()
				if c.stopped {
					m.mut.Unlock()
					return
				}
				c.absent = false
				m.mut.Unlock()

				h.changed(childPath, value)
			},
			deleted: func() bool {
				h.deleted(childPath)
				return m.keepChild(rec, c)
			},
			missing: func() bool {
				return m.keepChild(rec, c)
			},
		})
	}, m.faultHandler(c.done))
}

// keepChild marks c as absent and reports whether it must keep watching, which is
// the case while the last listing of the parent still contains it.
// Otherwise c is forgotten in the same critical section, so a listing applied
// later starts a new monitor.
func (m *Monitor) keepChild(rec *watchRecord, c *childMonitor) bool {
	m.mut.Lock()
	defer m.mut.Unlock()

	c.absent = true
	if c.stopped {
		return false
	}
	if _, listed := m.snapshots[rec.key.path][c.name]; listed {
		return true
	}
	m.forgetChildLocked(rec, c)
	return false
}

func (m *Monitor) forgetChild(rec *watchRecord, c *childMonitor) {
	m.mut.Lock()
	defer m.mut.Unlock()
	m.forgetChildLocked(rec, c)
}

func (m *Monitor) forgetChildLocked(rec *watchRecord, c *childMonitor) {
	if rec.children[c.name] == c {
		delete(rec.children, c.name)
	}
	c.stopLocked()
}
