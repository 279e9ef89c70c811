package filebackend

import (
	"os"
	"slices"
	"strings"
	"time"

	"github.com/1261385937/config-monitor/backend"
	"github.com/1261385937/config-monitor/task"
)

type nodeState struct {
	exists  bool
	isDir   bool
	modTime time.Time
	size    int64
	version uint64
}

type existsWatch struct {
	base   nodeState
	result *task.Awaiter[backend.Event]
}

type childrenWatch struct {
	exists   bool
	children []string
	result   *task.Awaiter[backend.Event]
}

func (b *Backend) statNode(path string) nodeState {
	st, err := os.Stat(b.realPath(path))
	if err != nil {
		return nodeState{}
	}
	return nodeState{
		exists:  true,
		isDir:   st.IsDir(),
		modTime: st.ModTime(),
		size:    st.Size(),
		version: b.versions[path],
	}
}

// compareState returns the event to deliver, a directory only changes when it becomes a file.
func compareState(base nodeState, current nodeState) (backend.EventType, bool) {
	switch {
	case !base.exists && !current.exists:
		return 0, false
	case !base.exists:
		return backend.EventCreated, true
	case !current.exists:
		return backend.EventDeleted, true
	case base.isDir != current.isDir:
		return backend.EventChanged, true
	case current.isDir:
		return 0, false
	case base.version != current.version, base.size != current.size, !base.modTime.Equal(current.modTime):
		return backend.EventChanged, true
	default:
		return 0, false
	}
}

func (b *Backend) listChildren(path string) (bool, []string) {
	entries, err := os.ReadDir(b.realPath(path))
	if err != nil {
		st, statErr := os.Stat(b.realPath(path))
		return statErr == nil && !st.IsDir(), nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return true, names
}

// WatchExists queues a one-shot watch. The worker takes the state of path as the baseline
// before running any operation queued after this call.
func (b *Backend) WatchExists(path string) (*task.Awaiter[backend.Event], error) {
	path = strings.TrimRight(path, "/")
	result := task.NewAwaiter[backend.Event]()
	_, err := submit(b, func() struct{} {
		w := &existsWatch{
			base:   b.statNode(path),
			result: result,
		}
		b.existsWatches[path] = append(b.existsWatches[path], w)
		b.watchDir(backend.ParentPath(path))
		return struct{}{}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// WatchChildren queues a one-shot watch on the listing of path, with the same ordering as WatchExists.
func (b *Backend) WatchChildren(path string) (*task.Awaiter[backend.Event], error) {
	path = strings.TrimRight(path, "/")
	result := task.NewAwaiter[backend.Event]()
	_, err := submit(b, func() struct{} {
		exists, children := b.listChildren(path)
		w := &childrenWatch{
			exists:   exists,
			children: children,
			result:   result,
		}
		b.childrenWatches[path] = append(b.childrenWatches[path], w)
		b.watchDir(path)
		b.watchDir(backend.ParentPath(path))
		return struct{}{}
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RemoveWatches resolves the armed watches of (path, kind) with EventNotWatching.
func (b *Backend) RemoveWatches(path string, kind backend.WatchKind) (*task.Awaiter[error], error) {
	path = strings.TrimRight(path, "/")
	return submit(b, func() error {
		notWatching := backend.Event{Type: backend.EventNotWatching, Path: path}
		if kind == backend.WatchPath {
			for _, w := range b.existsWatches[path] {
				w.result.Resume(notWatching)
			}
			delete(b.existsWatches, path)
			return nil
		}

		for _, w := range b.childrenWatches[path] {
			w.result.Resume(notWatching)
		}
		delete(b.childrenWatches, path)
		return nil
	})
}

func (b *Backend) cancelAllWatches() {
	for path, list := range b.existsWatches {
		for _, w := range list {
			w.result.Resume(backend.Event{Type: backend.EventNotWatching, Path: path})
		}
	}
	for path, list := range b.childrenWatches {
		for _, w := range list {
			w.result.Resume(backend.Event{Type: backend.EventNotWatching, Path: path})
		}
	}
	b.existsWatches = map[string][]*existsWatch{}
	b.childrenWatches = map[string][]*childrenWatch{}
}

// poll fires every watch whose path differs from its baseline and reaps expired TTL nodes.
func (b *Backend) poll() {
	b.reapTTL()

	for path, list := range b.existsWatches {
		current := b.statNode(path)
		kept := list[:0]
		for _, w := range list {
			eventType, changed := compareState(w.base, current)
			if !changed {
				kept = append(kept, w)
				continue
			}
			w.result.Resume(backend.Event{Type: eventType, Path: path})
		}
		if len(kept) == 0 {
			delete(b.existsWatches, path)
		} else {
			b.existsWatches[path] = kept
		}
	}

	for path, list := range b.childrenWatches {
		exists, children := b.listChildren(path)
		kept := list[:0]
		for _, w := range list {
			var eventType backend.EventType
			switch {
			case !w.exists && exists:
				eventType = backend.EventCreated
			case w.exists && !exists:
				eventType = backend.EventDeleted
			case !slices.Equal(w.children, children):
				eventType = backend.EventChildren
			default:
				kept = append(kept, w)
				continue
			}
			w.result.Resume(backend.Event{Type: eventType, Path: path})
		}
		if len(kept) == 0 {
			delete(b.childrenWatches, path)
		} else {
			b.childrenWatches[path] = kept
		}
	}
}

// reapTTL removes TTL nodes without children not modified during their TTL.
func (b *Backend) reapTTL() {
	now := time.Now()
	for path, ttl := range b.ttls {
		st, err := os.Stat(b.realPath(path))
		if err != nil {
			delete(b.ttls, path)
			continue
		}
		if now.Sub(st.ModTime()) < ttl {
			continue
		}
		if st.IsDir() {
			entries, err := os.ReadDir(b.realPath(path))
			if err != nil || len(entries) > 0 {
				continue
			}
		}

		if err := os.RemoveAll(b.realPath(path)); err != nil {
			b.opts.logger.Warnf("Can not remove expired ttl node %s: %v", path, err)
			continue
		}
		b.opts.logger.Infof("Removed expired ttl node %s", path)
		delete(b.ttls, path)
		delete(b.ephemerals, path)
	}
}
