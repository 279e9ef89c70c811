package zkbackend

import (
	"errors"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/1261385937/config-monitor/backend"
	"github.com/1261385937/config-monitor/task"
)

type watchKey struct {
	path string
	kind backend.WatchKind
}

type armedWatch struct {
	cancel chan struct{}
}

// WatchExists arms a one-shot watch on path, the watch is registered on the
// server when WatchExists returns.
func (b *Backend) WatchExists(path string) (*task.Awaiter[backend.Event], error) {
	conn, gen, err := b.getConn()
	if err != nil {
		return nil, err
	}

	ch, err := b.armWithRetry(gen, func() (<-chan zk.Event, error) {
		_, _, ch, err := conn.ExistsW(path)
		return ch, err
	})
	if err != nil {
		return b.armFailed(path, err), nil
	}
	return b.track(gen, watchKey{path: path, kind: backend.WatchPath}, ch), nil
}

// WatchChildren arms a one-shot watch on the children of path.
// When path does not exist the watch fires on its creation instead.
func (b *Backend) WatchChildren(path string) (*task.Awaiter[backend.Event], error) {
	conn, gen, err := b.getConn()
	if err != nil {
		return nil, err
	}

	ch, err := b.armWithRetry(gen, func() (<-chan zk.Event, error) {
		for {
			_, _, ch, err := conn.ChildrenW(path)
			if !errors.Is(err, zk.ErrNoNode) {
				return ch, err
			}

			exists, _, ch, err := conn.ExistsW(path)
			if err != nil {
				return nil, err
			}
			if !exists {
				return ch, nil
			}
			// created in between, the children watch can be armed now
		}
	})
	if err != nil {
		return b.armFailed(path, err), nil
	}
	return b.track(gen, watchKey{path: path, kind: backend.WatchSubPath}, ch), nil
}

// armWithRetry retries while the connection is lost but the session may still be alive.
func (b *Backend) armWithRetry(gen uint64, arm func() (<-chan zk.Event, error)) (<-chan zk.Event, error) {
	for {
		ch, err := arm()
		if err == nil {
			return ch, nil
		}
		if !errors.Is(err, zk.ErrConnectionClosed) && !errors.Is(err, zk.ErrNoServer) {
			return nil, err
		}
		if !b.isCurrent(gen) {
			return nil, err
		}
		time.Sleep(rearmBackoff)
	}
}

func (b *Backend) armFailed(path string, err error) *task.Awaiter[backend.Event] {
	ev := backend.Event{Type: backend.EventNotWatching, Path: path}
	if errors.Is(err, zk.ErrSessionExpired) {
		ev.Type = backend.EventSessionLost
	} else if !errors.Is(err, zk.ErrClosing) {
		b.opts.logger.Warnf("Can not arm watch on %s: %v", path, err)
	}
	return task.Resolved(ev)
}

func (b *Backend) track(gen uint64, key watchKey, ch <-chan zk.Event) *task.Awaiter[backend.Event] {
	a := task.NewAwaiter[backend.Event]()
	w := &armedWatch{
		cancel: make(chan struct{}),
	}

	b.mut.Lock()
	if b.conn == nil || b.generation != gen {
		b.mut.Unlock()
		a.Resume(backend.Event{Type: backend.EventNotWatching, Path: key.path})
		return a
	}
	set, ok := b.watches[key]
	if !ok {
		set = map[*armedWatch]struct{}{}
		b.watches[key] = set
	}
	set[w] = struct{}{}
	b.mut.Unlock()

	go func() {
		var ev backend.Event
		select {
		case zev, ok := <-ch:
			ev = toEvent(key.path, zev, ok)
			b.untrack(key, w)
		case <-w.cancel:
			ev = backend.Event{Type: backend.EventNotWatching, Path: key.path}
		}
		a.Resume(ev)
	}()
	return a
}

func (b *Backend) untrack(key watchKey, w *armedWatch) {
	b.mut.Lock()
	defer b.mut.Unlock()

	set, ok := b.watches[key]
	if !ok {
		return
	}
	delete(set, w)
	if len(set) == 0 {
		delete(b.watches, key)
	}
}

func toEvent(path string, zev zk.Event, ok bool) backend.Event {
	ev := backend.Event{Path: path}
	if !ok {
		ev.Type = backend.EventNotWatching
		return ev
	}

	switch zev.Type {
	case zk.EventNodeCreated:
		ev.Type = backend.EventCreated
	case zk.EventNodeDeleted:
		ev.Type = backend.EventDeleted
	case zk.EventNodeDataChanged:
		ev.Type = backend.EventChanged
	case zk.EventNodeChildrenChanged:
		ev.Type = backend.EventChildren
	default:
		if errors.Is(zev.Err, zk.ErrSessionExpired) {
			ev.Type = backend.EventSessionLost
		} else {
			ev.Type = backend.EventNotWatching
		}
	}
	return ev
}

// RemoveWatches resolves every armed watch of (path, kind) with EventNotWatching.
// The library keeps the server side watch until it fires, its event is dropped.
func (b *Backend) RemoveWatches(path string, kind backend.WatchKind) (*task.Awaiter[error], error) {
	if _, _, err := b.getConn(); err != nil {
		return nil, err
	}

	key := watchKey{path: path, kind: kind}

	b.mut.Lock()
	set := b.watches[key]
	delete(b.watches, key)
	b.mut.Unlock()

	for w := range set {
		close(w.cancel)
	}
	return task.Resolved[error](nil), nil
}
