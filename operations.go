package configmonitor

import (
	"strings"
	"time"

	"github.com/1261385937/config-monitor/backend"
	"github.com/1261385937/config-monitor/task"
)

type createOptions struct {
	mode backend.CreateMode
	ttl  time.Duration
}

// CreateOption is the option of Create and CreateAsync.
type CreateOption func(opts *createOptions)

// WithMode sets the creation mode, default is backend.ModePersistent.
func WithMode(mode backend.CreateMode) CreateOption {
	return func(opts *createOptions) {
		opts.mode = mode
	}
}

// WithTTL sets the time to live of the TTL modes.
func WithTTL(ttl time.Duration) CreateOption {
	return func(opts *createOptions) {
		opts.ttl = ttl
	}
}

func (m *Monitor) create(path string, value []byte, options []CreateOption) backend.CreateResult {
	opts := createOptions{
		mode: backend.ModePersistent,
	}
	for _, fn := range options {
		fn(&opts)
	}

	if err := backend.CheckCreate(path, opts.mode, opts.ttl); err != nil {
		return backend.CreateResult{Err: err}
	}
	res := task.Await(m.backend.Create(path, value, opts.mode, opts.ttl))
	if res.Err != nil {
		res.Path = ""
	}
	return res
}

// Create creates path with its missing ancestors and returns the final path,
// which has a sequence suffix for the sequential modes.
// A nil value creates a node without value.
func (m *Monitor) Create(path string, value []byte, options ...CreateOption) (string, error) {
	res, err := task.RunSync(func() backend.CreateResult {
		return m.create(path, value, options)
	})
	if err != nil {
		return "", err
	}
	return res.Path, res.Err
}

// CreateAsync is the asynchronous version of Create.
func (m *Monitor) CreateAsync(
	path string, value []byte,
	callback func(err error, path string),
	options ...CreateOption,
) {
	task.Go(func() backend.CreateResult {
		return m.create(path, value, options)
	}).Then(func(res backend.CreateResult, err error) {
		if err != nil {
			res = backend.CreateResult{Err: err}
		}
		if callback != nil {
			callback(res.Err, res.Path)
		}
	})
}

func (m *Monitor) delete(path string) error {
	if err := backend.ValidatePath(path); err != nil {
		return err
	}
	err := task.Await(m.backend.Delete(path))
	if err == nil {
		m.discardSnapshots(path)
	}
	return err
}

// Delete removes path and all of its descendants.
func (m *Monitor) Delete(path string) error {
	return runErr(func() error {
		return m.delete(path)
	})
}

// DeleteAsync is the asynchronous version of Delete.
func (m *Monitor) DeleteAsync(path string, callback func(err error)) {
	goErr(func() error {
		return m.delete(path)
	}, callback)
}

func (m *Monitor) setValue(path string, value []byte) error {
	if err := backend.ValidatePath(path); err != nil {
		return err
	}
	return task.Await(m.backend.SetValue(path, value))
}

// SetValue replaces the value of an existing path.
func (m *Monitor) SetValue(path string, value []byte) error {
	return runErr(func() error {
		return m.setValue(path, value)
	})
}

// SetValueAsync is the asynchronous version of SetValue.
func (m *Monitor) SetValueAsync(path string, value []byte, callback func(err error)) {
	goErr(func() error {
		return m.setValue(path, value)
	}, callback)
}

func (m *Monitor) getValue(path string) backend.ValueResult {
	if err := backend.ValidatePath(path); err != nil {
		return backend.ValueResult{Err: err}
	}
	return task.Await(m.backend.GetValue(path))
}

// GetValue returns the value of path, nil for a node without value.
func (m *Monitor) GetValue(path string) ([]byte, error) {
	res, err := task.RunSync(func() backend.ValueResult {
		return m.getValue(path)
	})
	if err != nil {
		return nil, err
	}
	return res.Value, res.Err
}

// GetValueAsync is the asynchronous version of GetValue.
func (m *Monitor) GetValueAsync(path string, callback func(err error, value []byte)) {
	task.Go(func() backend.ValueResult {
		return m.getValue(path)
	}).Then(func(res backend.ValueResult, err error) {
		if err != nil {
			res = backend.ValueResult{Err: err}
		}
		if callback != nil {
			callback(res.Err, res.Value)
		}
	})
}

func (m *Monitor) getChildren(path string) backend.ChildrenResult {
	if err := backend.ValidatePath(path); err != nil {
		return backend.ChildrenResult{Err: err}
	}
	res := task.Await(m.backend.GetChildren(path))
	if res.Err != nil {
		return res
	}

	paths := make([]string, 0, len(res.Children))
	for _, name := range res.Children {
		paths = append(paths, backend.JoinChild(path, name))
	}
	return backend.ChildrenResult{Children: paths}
}

// GetChildren returns the full paths of the children of path.
func (m *Monitor) GetChildren(path string) ([]string, error) {
	res, err := task.RunSync(func() backend.ChildrenResult {
		return m.getChildren(path)
	})
	if err != nil {
		return nil, err
	}
	return res.Children, res.Err
}

// GetChildrenAsync is the asynchronous version of GetChildren.
func (m *Monitor) GetChildrenAsync(path string, callback func(err error, children []string)) {
	task.Go(func() backend.ChildrenResult {
		return m.getChildren(path)
	}).Then(func(res backend.ChildrenResult, err error) {
		if err != nil {
			res = backend.ChildrenResult{Err: err}
		}
		if callback != nil {
			callback(res.Err, res.Children)
		}
	})
}

func (m *Monitor) removeWatches(path string, kind backend.WatchKind) error {
	m.mut.Lock()
	key := watchKey{path: path, kind: kind}
	if rec, ok := m.records[key]; ok {
		m.stopRecordLocked(rec)
		delete(m.records, key)
	}
	if kind == backend.WatchSubPath {
		delete(m.snapshots, path)
	}
	m.mut.Unlock()

	return task.Await(m.backend.RemoveWatches(path, kind))
}

// RemoveWatches stops the watch of (path, kind), its callback is not called anymore.
// Removing a watch that does not exist is not an error.
func (m *Monitor) RemoveWatches(path string, kind backend.WatchKind) error {
	return runErr(func() error {
		return m.removeWatches(path, kind)
	})
}

// RemoveWatchesAsync is the asynchronous version of RemoveWatches.
func (m *Monitor) RemoveWatchesAsync(path string, kind backend.WatchKind, callback func(err error)) {
	goErr(func() error {
		return m.removeWatches(path, kind)
	}, callback)
}

// discardSnapshots forgets the children snapshots of path and its descendants.
func (m *Monitor) discardSnapshots(path string) {
	prefix := strings.TrimRight(path, "/")

	m.mut.Lock()
	defer m.mut.Unlock()
	for p := range m.snapshots {
		if p == prefix || strings.HasPrefix(p, prefix+"/") {
			delete(m.snapshots, p)
		}
	}
}

func runErr(body func() error) error {
	res, err := task.RunSync(body)
	if err != nil {
		return err
	}
	return res
}

func goErr(body func() error, callback func(err error)) {
	task.Go(body).Then(func(res error, err error) {
		if err != nil {
			res = err
		}
		if callback != nil {
			callback(res)
		}
	})
}
