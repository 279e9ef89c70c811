package configmonitor

import (
	"errors"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1261385937/config-monitor/backend"
	"github.com/1261385937/config-monitor/filebackend"
	"github.com/1261385937/config-monitor/task"
	"github.com/1261385937/config-monitor/zkbackend"
)

const quietWindow = 150 * time.Millisecond

type nopLogger struct{}

func (nopLogger) Infof(string, ...any)  {}
func (nopLogger) Warnf(string, ...any)  {}
func (nopLogger) Errorf(string, ...any) {}

type monitorTest struct {
	m      *Monitor
	server *zkbackend.FakeServer
}

func newZooKeeperMonitorTest(t *testing.T) *monitorTest {
	server := zkbackend.NewFakeServer()
	b := zkbackend.New([]string{"localhost"}, 6*time.Second,
		zkbackend.WithConnector(server.Connector()),
		zkbackend.WithLogger(nopLogger{}),
		zkbackend.WithConnectRetry(10, time.Millisecond),
	)
	m := New(b, WithLogger(nopLogger{}), WithRecoverInterval(10*time.Millisecond))
	require.Equal(t, nil, m.Init())
	t.Cleanup(func() {
		_ = m.Close()
	})
	return &monitorTest{m: m, server: server}
}

func newFileMonitorTest(t *testing.T) *monitorTest {
	b := filebackend.New(filepath.Join(t.TempDir(), "root"),
		filebackend.WithLogger(nopLogger{}),
		filebackend.WithPollInterval(10*time.Millisecond),
	)
	m := New(b, WithLogger(nopLogger{}))
	require.Equal(t, nil, m.Init())
	t.Cleanup(func() {
		_ = m.Close()
	})
	return &monitorTest{m: m}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, mt *monitorTest)) {
	t.Run("zookeeper", func(t *testing.T) {
		fn(t, newZooKeeperMonitorTest(t))
	})
	t.Run("file", func(t *testing.T) {
		fn(t, newFileMonitorTest(t))
	})
}

type recordedEvent struct {
	event PathEvent
	path  string
	value string
}

type eventRecorder struct {
	mut    sync.Mutex
	events []recordedEvent
}

func (r *eventRecorder) add(ev recordedEvent) {
	r.mut.Lock()
	r.events = append(r.events, ev)
	r.mut.Unlock()
}

func (r *eventRecorder) pathCallback() func(ev PathEvent, value []byte) {
	return func(ev PathEvent, value []byte) {
		r.add(recordedEvent{event: ev, value: string(value)})
	}
}

func (r *eventRecorder) subPathCallback() func(ev PathEvent, childPath string, value []byte) {
	return func(ev PathEvent, childPath string, value []byte) {
		r.add(recordedEvent{event: ev, path: childPath, value: string(value)})
	}
}

func (r *eventRecorder) get() []recordedEvent {
	r.mut.Lock()
	defer r.mut.Unlock()
	result := make([]recordedEvent, len(r.events))
	copy(result, r.events)
	return result
}

// wait returns the events once n of them were recorded and no more arrived during the quiet window.
func (r *eventRecorder) wait(t *testing.T, n int) []recordedEvent {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.get()) >= n
	}, 3*time.Second, 5*time.Millisecond)
	time.Sleep(quietWindow)
	return r.get()
}

func changedEvent(path string, value string) recordedEvent {
	return recordedEvent{event: PathChanged, path: path, value: value}
}

func delEvent(path string, value string) recordedEvent {
	return recordedEvent{event: PathDel, path: path, value: value}
}

func sortEvents(events []recordedEvent) []recordedEvent {
	sort.Slice(events, func(i, j int) bool {
		return events[i].path < events[j].path
	})
	return events
}

func TestMonitor_Create(t *testing.T) {
	forEachBackend(t, func(t *testing.T, mt *monitorTest) {
		t.Run("round trip", func(t *testing.T) {
			p, err := mt.m.Create("/round", []byte("hello"))
			assert.Equal(t, nil, err)
			assert.Equal(t, "/round", p)

			value, err := mt.m.GetValue("/round")
			assert.Equal(t, nil, err)
			assert.Equal(t, []byte("hello"), value)
		})

		t.Run("collision", func(t *testing.T) {
			_, err := mt.m.Create("/collide", []byte("v1"))
			require.Equal(t, nil, err)

			p, err := mt.m.Create("/collide", []byte("v2"))
			assert.True(t, errors.Is(err, backend.ErrAlreadyExists))
			assert.Equal(t, "", p)

			value, err := mt.m.GetValue("/collide")
			assert.Equal(t, nil, err)
			assert.Equal(t, []byte("v1"), value)
		})

		t.Run("ancestors", func(t *testing.T) {
			p, err := mt.m.Create("/anc/b/c", []byte("leaf"))
			assert.Equal(t, nil, err)
			assert.Equal(t, "/anc/b/c", p)

			children, err := mt.m.GetChildren("/anc")
			assert.Equal(t, nil, err)
			assert.Equal(t, []string{"/anc/b"}, children)

			value, err := mt.m.GetValue("/anc/b")
			assert.Equal(t, nil, err)
			assert.Equal(t, []byte(nil), value)
		})

		t.Run("ttl mode without ttl", func(t *testing.T) {
			_, err := mt.m.Create("/ttl", []byte("v"), WithMode(backend.ModePersistentWithTTL))
			assert.True(t, errors.Is(err, backend.ErrInvalidArgument))

			_, err = mt.m.Create("/ttl", []byte("v"), WithMode(backend.ModePersistentSequentialWithTTL))
			assert.True(t, errors.Is(err, backend.ErrInvalidArgument))

			_, err = mt.m.GetValue("/ttl")
			assert.True(t, errors.Is(err, backend.ErrNotFound))

			p, err := mt.m.Create("/ttl", []byte("v"),
				WithMode(backend.ModePersistentWithTTL), WithTTL(time.Minute))
			assert.Equal(t, nil, err)
			assert.Equal(t, "/ttl", p)
		})

		t.Run("sequential", func(t *testing.T) {
			p1, err := mt.m.Create("/seq/n-", []byte("1"), WithMode(backend.ModePersistentSequential))
			assert.Equal(t, nil, err)
			p2, err := mt.m.Create("/seq/n-", []byte("2"), WithMode(backend.ModePersistentSequential))
			assert.Equal(t, nil, err)

			assert.Equal(t, "/seq/n-0000000000", p1)
			assert.Equal(t, "/seq/n-0000000001", p2)

			children, err := mt.m.GetChildren("/seq")
			assert.Equal(t, nil, err)
			sort.Strings(children)
			assert.Equal(t, []string{p1, p2}, children)
		})

		t.Run("invalid path", func(t *testing.T) {
			_, err := mt.m.Create("no-slash", []byte("v"))
			assert.True(t, errors.Is(err, backend.ErrInvalidArgument))
			assert.True(t, errors.Is(mt.m.WatchPath("no-slash", func(PathEvent, []byte) {}), backend.ErrInvalidArgument))
		})
	})
}

func TestMonitor_Delete(t *testing.T) {
	forEachBackend(t, func(t *testing.T, mt *monitorTest) {
		_, err := mt.m.Create("/del/a/b", []byte("1"))
		require.Equal(t, nil, err)
		_, err = mt.m.Create("/del/c", []byte("2"))
		require.Equal(t, nil, err)

		assert.Equal(t, nil, mt.m.Delete("/del"))

		for _, p := range []string{"/del", "/del/a", "/del/a/b", "/del/c"} {
			_, err := mt.m.GetValue(p)
			assert.True(t, errors.Is(err, backend.ErrNotFound), p)
		}

		assert.True(t, errors.Is(mt.m.Delete("/del"), backend.ErrNotFound))

		_, err = mt.m.GetChildren("/del")
		assert.True(t, errors.Is(err, backend.ErrNotFound))
	})
}

func TestMonitor_SetValue(t *testing.T) {
	forEachBackend(t, func(t *testing.T, mt *monitorTest) {
		_, err := mt.m.Create("/set", []byte("1"))
		require.Equal(t, nil, err)

		assert.Equal(t, nil, mt.m.SetValue("/set", []byte("2")))
		value, err := mt.m.GetValue("/set")
		assert.Equal(t, nil, err)
		assert.Equal(t, []byte("2"), value)

		assert.True(t, errors.Is(mt.m.SetValue("/missing", []byte("2")), backend.ErrNotFound))
	})
}

func TestMonitor_Async(t *testing.T) {
	forEachBackend(t, func(t *testing.T, mt *monitorTest) {
		type result struct {
			err   error
			value string
		}
		results := make(chan result, 1)

		mt.m.CreateAsync("/async/a", []byte("v1"), func(err error, path string) {
			results <- result{err: err, value: path}
		})
		assert.Equal(t, result{value: "/async/a"}, <-results)

		mt.m.CreateAsync("/async/a", []byte("v1"), func(err error, path string) {
			results <- result{err: err, value: path}
		})
		r := <-results
		assert.True(t, errors.Is(r.err, backend.ErrAlreadyExists))
		assert.Equal(t, "", r.value)

		mt.m.SetValueAsync("/async/a", []byte("v2"), func(err error) {
			results <- result{err: err}
		})
		assert.Equal(t, result{}, <-results)

		mt.m.GetValueAsync("/async/a", func(err error, value []byte) {
			results <- result{err: err, value: string(value)}
		})
		assert.Equal(t, result{value: "v2"}, <-results)

		mt.m.GetChildrenAsync("/async", func(err error, children []string) {
			results <- result{err: err, value: children[0]}
		})
		assert.Equal(t, result{value: "/async/a"}, <-results)

		mt.m.DeleteAsync("/async", func(err error) {
			results <- result{err: err}
		})
		assert.Equal(t, result{}, <-results)

		mt.m.RemoveWatchesAsync("/async", backend.WatchPath, func(err error) {
			results <- result{err: err}
		})
		assert.Equal(t, result{}, <-results)
	})
}

func TestMonitor_Not_Initialized(t *testing.T) {
	b := filebackend.New(filepath.Join(t.TempDir(), "root"), filebackend.WithLogger(nopLogger{}))
	m := New(b, WithLogger(nopLogger{}))

	_, err := m.Create("/a", []byte("v"))
	assert.True(t, errors.Is(err, backend.ErrClosed))

	var fault *task.Fault
	assert.True(t, errors.As(err, &fault))

	errCh := make(chan error, 1)
	m.GetValueAsync("/a", func(err error, _ []byte) {
		errCh <- err
	})
	assert.True(t, errors.As(<-errCh, &fault))

	assert.Equal(t, "", m.ClientIP())
}

func TestMonitor_WatchPath(t *testing.T) {
	forEachBackend(t, func(t *testing.T, mt *monitorTest) {
		t.Run("watch before create", func(t *testing.T) {
			r := &eventRecorder{}
			require.Equal(t, nil, mt.m.WatchPath("/x", r.pathCallback()))

			_, err := mt.m.Create("/x", []byte("hello"))
			require.Equal(t, nil, err)

			assert.Equal(t, []recordedEvent{changedEvent("", "hello")}, r.wait(t, 1))
		})

		t.Run("existing value delivered at once", func(t *testing.T) {
			_, err := mt.m.Create("/y", []byte("v1"))
			require.Equal(t, nil, err)

			r := &eventRecorder{}
			require.Equal(t, nil, mt.m.WatchPath("/y", r.pathCallback()))
			assert.Equal(t, []recordedEvent{changedEvent("", "v1")}, r.wait(t, 1))

			require.Equal(t, nil, mt.m.SetValue("/y", []byte("v2")))
			r.wait(t, 2)

			require.Equal(t, nil, mt.m.Delete("/y"))
			r.wait(t, 3)

			_, err = mt.m.Create("/y", []byte("v3"))
			require.Equal(t, nil, err)

			assert.Equal(t, []recordedEvent{
				changedEvent("", "v1"),
				changedEvent("", "v2"),
				delEvent("", ""),
				changedEvent("", "v3"),
			}, r.wait(t, 4))
		})

		t.Run("removal silences events", func(t *testing.T) {
			_, err := mt.m.Create("/z", []byte("v1"))
			require.Equal(t, nil, err)

			r := &eventRecorder{}
			require.Equal(t, nil, mt.m.WatchPath("/z", r.pathCallback()))
			r.wait(t, 1)

			assert.Equal(t, nil, mt.m.RemoveWatches("/z", backend.WatchPath))
			require.Equal(t, nil, mt.m.SetValue("/z", []byte("v2")))

			time.Sleep(quietWindow)
			assert.Equal(t, []recordedEvent{changedEvent("", "v1")}, r.get())
		})

		t.Run("idempotent removal", func(t *testing.T) {
			r := &eventRecorder{}
			require.Equal(t, nil, mt.m.WatchPath("/idem", r.pathCallback()))

			assert.Equal(t, nil, mt.m.RemoveWatches("/idem", backend.WatchPath))
			assert.Equal(t, nil, mt.m.RemoveWatches("/idem", backend.WatchPath))
			assert.Equal(t, nil, mt.m.RemoveWatches("/idem", backend.WatchSubPath))
			assert.Equal(t, nil, mt.m.RemoveWatches("/idem", backend.WatchSubPath))

			_, err := mt.m.Create("/idem", []byte("v"))
			require.Equal(t, nil, err)

			time.Sleep(quietWindow)
			assert.Equal(t, 0, len(r.get()))
		})

		t.Run("re-registration replaces callback", func(t *testing.T) {
			_, err := mt.m.Create("/re", []byte("v1"))
			require.Equal(t, nil, err)

			r1 := &eventRecorder{}
			require.Equal(t, nil, mt.m.WatchPath("/re", r1.pathCallback()))
			r1.wait(t, 1)

			r2 := &eventRecorder{}
			require.Equal(t, nil, mt.m.WatchPath("/re", r2.pathCallback()))
			r2.wait(t, 1)

			require.Equal(t, nil, mt.m.SetValue("/re", []byte("v2")))

			assert.Equal(t, []recordedEvent{
				changedEvent("", "v1"),
				changedEvent("", "v2"),
			}, r2.wait(t, 2))
			assert.Equal(t, []recordedEvent{changedEvent("", "v1")}, r1.get())
		})
	})
}

func TestMonitor_WatchSubPath(t *testing.T) {
	forEachBackend(t, func(t *testing.T, mt *monitorTest) {
		t.Run("fan out", func(t *testing.T) {
			r := &eventRecorder{}
			require.Equal(t, nil, mt.m.WatchSubPath("/p", r.subPathCallback()))

			_, err := mt.m.Create("/p/c1", []byte("v1"))
			require.Equal(t, nil, err)
			r.wait(t, 1)

			_, err = mt.m.Create("/p/c2", []byte("v2"))
			require.Equal(t, nil, err)
			r.wait(t, 2)

			_, err = mt.m.Create("/p/c3", []byte("v3"))
			require.Equal(t, nil, err)

			assert.Equal(t, []recordedEvent{
				changedEvent("/p/c1", "v1"),
				changedEvent("/p/c2", "v2"),
				changedEvent("/p/c3", "v3"),
			}, sortEvents(r.wait(t, 3)))
		})

		t.Run("existing children and updates", func(t *testing.T) {
			_, err := mt.m.Create("/q/a", []byte("1"))
			require.Equal(t, nil, err)
			_, err = mt.m.Create("/q/b", []byte("2"))
			require.Equal(t, nil, err)

			r := &eventRecorder{}
			require.Equal(t, nil, mt.m.WatchSubPath("/q", r.subPathCallback()))
			assert.Equal(t, []recordedEvent{
				changedEvent("/q/a", "1"),
				changedEvent("/q/b", "2"),
			}, sortEvents(r.wait(t, 2)))

			require.Equal(t, nil, mt.m.SetValue("/q/a", []byte("11")))
			assert.Equal(t, changedEvent("/q/a", "11"), r.wait(t, 3)[2])

			require.Equal(t, nil, mt.m.Delete("/q/b"))
			events := r.wait(t, 4)
			assert.Equal(t, 4, len(events))
			assert.Equal(t, delEvent("/q/b", ""), events[3])
		})

		t.Run("delete clears diff state", func(t *testing.T) {
			r := &eventRecorder{}
			require.Equal(t, nil, mt.m.WatchSubPath("/d", r.subPathCallback()))

			_, err := mt.m.Create("/d/c1", []byte("v1"))
			require.Equal(t, nil, err)
			r.wait(t, 1)

			require.Equal(t, nil, mt.m.Delete("/d"))
			r.wait(t, 2)

			_, err = mt.m.Create("/d/c1", []byte("v2"))
			require.Equal(t, nil, err)

			assert.Equal(t, []recordedEvent{
				changedEvent("/d/c1", "v1"),
				delEvent("/d/c1", ""),
				changedEvent("/d/c1", "v2"),
			}, r.wait(t, 3))
		})

		t.Run("removal silences events", func(t *testing.T) {
			_, err := mt.m.Create("/s/a", []byte("1"))
			require.Equal(t, nil, err)

			r := &eventRecorder{}
			require.Equal(t, nil, mt.m.WatchSubPath("/s", r.subPathCallback()))
			r.wait(t, 1)

			assert.Equal(t, nil, mt.m.RemoveWatches("/s", backend.WatchSubPath))
			assert.Equal(t, nil, mt.m.RemoveWatches("/s", backend.WatchSubPath))

			require.Equal(t, nil, mt.m.SetValue("/s/a", []byte("2")))
			_, err = mt.m.Create("/s/b", []byte("3"))
			require.Equal(t, nil, err)

			time.Sleep(quietWindow)
			assert.Equal(t, []recordedEvent{changedEvent("/s/a", "1")}, r.get())
		})

		t.Run("child watched by both", func(t *testing.T) {
			_, err := mt.m.Create("/both/a", []byte("1"))
			require.Equal(t, nil, err)

			sub := &eventRecorder{}
			require.Equal(t, nil, mt.m.WatchSubPath("/both", sub.subPathCallback()))
			single := &eventRecorder{}
			require.Equal(t, nil, mt.m.WatchPath("/both/a", single.pathCallback()))
			sub.wait(t, 1)
			single.wait(t, 1)

			assert.Equal(t, nil, mt.m.RemoveWatches("/both", backend.WatchSubPath))
			require.Equal(t, nil, mt.m.SetValue("/both/a", []byte("2")))

			assert.Equal(t, []recordedEvent{
				changedEvent("", "1"),
				changedEvent("", "2"),
			}, single.wait(t, 2))
			assert.Equal(t, []recordedEvent{changedEvent("/both/a", "1")}, sub.get())
		})
	})
}

func TestMonitor_WatchSubPathValues(t *testing.T) {
	forEachBackend(t, func(t *testing.T, mt *monitorTest) {
		r := &eventRecorder{}
		require.Equal(t, nil, mt.m.WatchSubPathValues("/v", r.pathCallback()))

		_, err := mt.m.Create("/v/a", []byte("1"))
		require.Equal(t, nil, err)
		r.wait(t, 1)

		require.Equal(t, nil, mt.m.SetValue("/v/a", []byte("2")))
		r.wait(t, 2)

		require.Equal(t, nil, mt.m.Delete("/v/a"))

		assert.Equal(t, []recordedEvent{
			changedEvent("", "1"),
			changedEvent("", "2"),
			delEvent("", "2"),
		}, r.wait(t, 3))
	})
}

func TestMonitor_Session_Expired_Replay(t *testing.T) {
	mt := newZooKeeperMonitorTest(t)

	_, err := mt.m.Create("/cfg/a", []byte("1"))
	require.Equal(t, nil, err)
	_, err = mt.m.Create("/single", []byte("s1"))
	require.Equal(t, nil, err)

	sub := &eventRecorder{}
	require.Equal(t, nil, mt.m.WatchSubPath("/cfg", sub.subPathCallback()))
	single := &eventRecorder{}
	require.Equal(t, nil, mt.m.WatchPath("/single", single.pathCallback()))
	removed := &eventRecorder{}
	require.Equal(t, nil, mt.m.WatchPath("/removed", removed.pathCallback()))
	require.Equal(t, nil, mt.m.RemoveWatches("/removed", backend.WatchPath))

	sub.wait(t, 1)
	single.wait(t, 1)

	oldConn := mt.server.LastConn()
	mt.server.ExpireSession(oldConn)

	require.Eventually(t, func() bool {
		if mt.server.LastConn() == oldConn {
			return false
		}
		_, err := mt.m.GetValue("/single")
		return err == nil
	}, 3*time.Second, 5*time.Millisecond)

	// replayed loops deliver the current values again
	single.wait(t, 2)
	sub.wait(t, 2)

	require.Equal(t, nil, mt.m.SetValue("/single", []byte("s2")))
	_, err = mt.m.Create("/cfg/b", []byte("2"))
	require.Equal(t, nil, err)
	_, err = mt.m.Create("/removed", []byte("r"))
	require.Equal(t, nil, err)

	assert.Equal(t, []recordedEvent{
		changedEvent("", "s1"),
		changedEvent("", "s1"),
		changedEvent("", "s2"),
	}, single.wait(t, 3))

	assert.Equal(t, []recordedEvent{
		changedEvent("/cfg/a", "1"),
		changedEvent("/cfg/a", "1"),
		changedEvent("/cfg/b", "2"),
	}, sub.wait(t, 3))

	assert.Equal(t, 0, len(removed.get()))
}

func TestMonitor_Close(t *testing.T) {
	forEachBackend(t, func(t *testing.T, mt *monitorTest) {
		r := &eventRecorder{}
		require.Equal(t, nil, mt.m.WatchPath("/closed", r.pathCallback()))

		assert.Equal(t, nil, mt.m.Close())

		err := mt.m.WatchPath("/closed", r.pathCallback())
		assert.True(t, errors.Is(err, backend.ErrClosed))

		_, err = mt.m.GetValue("/closed")
		assert.True(t, errors.Is(err, backend.ErrClosed))

		time.Sleep(quietWindow)
		assert.Equal(t, 0, len(r.get()))
	})
}

func TestMonitor_Fault_Handler(t *testing.T) {
	b := filebackend.New(filepath.Join(t.TempDir(), "root"), filebackend.WithLogger(nopLogger{}))

	faults := make(chan error, 1)
	m := New(b, WithLogger(nopLogger{}), WithFaultHandler(func(err error) {
		faults <- err
	}))

	// backend not initialized: the loop can not arm its first watch
	require.Equal(t, nil, m.WatchPath("/a", func(PathEvent, []byte) {}))

	select {
	case err := <-faults:
		var fault *task.Fault
		assert.True(t, errors.As(err, &fault))
		assert.True(t, errors.Is(err, backend.ErrClosed))
	case <-time.After(3 * time.Second):
		t.Fatal("fault not reported")
	}
}

func TestValueState(t *testing.T) {
	var s valueState

	d, c := s.next(0, false, nil)
	assert.Equal(t, [2]bool{false, false}, [2]bool{d, c})

	d, c = s.next(backend.EventCreated, true, []byte("a"))
	assert.Equal(t, [2]bool{false, true}, [2]bool{d, c})

	// created event for a value already delivered
	d, c = s.next(backend.EventCreated, true, []byte("a"))
	assert.Equal(t, [2]bool{false, false}, [2]bool{d, c})

	d, c = s.next(backend.EventChanged, true, []byte("a"))
	assert.Equal(t, [2]bool{false, true}, [2]bool{d, c})

	// deleted then created again before the fetch
	d, c = s.next(backend.EventDeleted, true, []byte("a"))
	assert.Equal(t, [2]bool{true, true}, [2]bool{d, c})

	d, c = s.next(backend.EventDeleted, false, nil)
	assert.Equal(t, [2]bool{true, false}, [2]bool{d, c})

	d, c = s.next(backend.EventDeleted, false, nil)
	assert.Equal(t, [2]bool{false, false}, [2]bool{d, c})
}

// flakyBackend fails the next fetches of a path with a connection loss.
type flakyBackend struct {
	backend.Backend

	mut      sync.Mutex
	failures map[string]int
}

func (f *flakyBackend) failNext(path string, n int) {
	f.mut.Lock()
	defer f.mut.Unlock()
	f.failures[path] += n
}

func (f *flakyBackend) pending(path string) int {
	f.mut.Lock()
	defer f.mut.Unlock()
	return f.failures[path]
}

func (f *flakyBackend) takeFailure(path string) bool {
	f.mut.Lock()
	defer f.mut.Unlock()
	if f.failures[path] == 0 {
		return false
	}
	f.failures[path]--
	return true
}

func connectionLost() error {
	return backend.NewError(backend.CodeConnectionLoss, "connection lost")
}

func (f *flakyBackend) GetValue(path string) (*task.Awaiter[backend.ValueResult], error) {
	if f.takeFailure(path) {
		return task.Resolved(backend.ValueResult{Err: connectionLost()}), nil
	}
	return f.Backend.GetValue(path)
}

func (f *flakyBackend) GetChildren(path string) (*task.Awaiter[backend.ChildrenResult], error) {
	if f.takeFailure(path) {
		return task.Resolved(backend.ChildrenResult{Err: connectionLost()}), nil
	}
	return f.Backend.GetChildren(path)
}

func forEachFlakyBackend(t *testing.T, fn func(t *testing.T, m *Monitor, fb *flakyBackend)) {
	run := func(t *testing.T, b backend.Backend) {
		fb := &flakyBackend{Backend: b, failures: map[string]int{}}
		m := New(fb, WithLogger(nopLogger{}))
		require.Equal(t, nil, m.Init())
		t.Cleanup(func() {
			_ = m.Close()
		})
		fn(t, m, fb)
	}

	t.Run("zookeeper", func(t *testing.T) {
		server := zkbackend.NewFakeServer()
		run(t, zkbackend.New([]string{"localhost"}, 6*time.Second,
			zkbackend.WithConnector(server.Connector()),
			zkbackend.WithLogger(nopLogger{}),
			zkbackend.WithConnectRetry(10, time.Millisecond),
		))
	})
	t.Run("file", func(t *testing.T) {
		run(t, filebackend.New(filepath.Join(t.TempDir(), "root"),
			filebackend.WithLogger(nopLogger{}),
			filebackend.WithPollInterval(10*time.Millisecond),
		))
	})
}

func waitFailuresTaken(t *testing.T, fb *flakyBackend, path string) {
	t.Helper()
	require.Eventually(t, func() bool {
		return fb.pending(path) == 0
	}, 3*time.Second, 5*time.Millisecond)
}

func TestMonitor_Watch_Connection_Loss(t *testing.T) {
	forEachFlakyBackend(t, func(t *testing.T, m *Monitor, fb *flakyBackend) {
		t.Run("first fetch fails", func(t *testing.T) {
			fb.failNext("/first", 2)

			r := &eventRecorder{}
			require.Equal(t, nil, m.WatchPath("/first", r.pathCallback()))
			waitFailuresTaken(t, fb, "/first")

			_, err := m.Create("/first", []byte("hello"))
			require.Equal(t, nil, err)
			r.wait(t, 1)

			require.Equal(t, nil, m.SetValue("/first", []byte("world")))
			assert.Equal(t, []recordedEvent{
				changedEvent("", "hello"),
				changedEvent("", "world"),
			}, r.wait(t, 2))
		})

		t.Run("fetch after event fails", func(t *testing.T) {
			_, err := m.Create("/later", []byte("a"))
			require.Equal(t, nil, err)

			r := &eventRecorder{}
			require.Equal(t, nil, m.WatchPath("/later", r.pathCallback()))
			r.wait(t, 1)

			fb.failNext("/later", 1)
			require.Equal(t, nil, m.SetValue("/later", []byte("b")))
			r.wait(t, 2)
			assert.Equal(t, 0, fb.pending("/later"))

			require.Equal(t, nil, m.SetValue("/later", []byte("c")))
			assert.Equal(t, []recordedEvent{
				changedEvent("", "a"),
				changedEvent("", "b"),
				changedEvent("", "c"),
			}, r.wait(t, 3))
		})

		t.Run("sub path", func(t *testing.T) {
			fb.failNext("/flaky", 1)
			fb.failNext("/flaky/b", 1)

			r := &eventRecorder{}
			require.Equal(t, nil, m.WatchSubPath("/flaky", r.subPathCallback()))
			waitFailuresTaken(t, fb, "/flaky")

			_, err := m.Create("/flaky/a", []byte("1"))
			require.Equal(t, nil, err)
			r.wait(t, 1)

			_, err = m.Create("/flaky/b", []byte("2"))
			require.Equal(t, nil, err)

			assert.Equal(t, []recordedEvent{
				changedEvent("/flaky/a", "1"),
				changedEvent("/flaky/b", "2"),
			}, sortEvents(r.wait(t, 2)))
			assert.Equal(t, 0, fb.pending("/flaky/b"))
		})
	})
}

// gatedInitBackend blocks the n-th Init until the gate is opened.
type gatedInitBackend struct {
	*zkbackend.Backend

	gateAt   int
	entered  chan struct{}
	gate     chan struct{}
	finished chan struct{}

	mut   sync.Mutex
	inits int
}

func (g *gatedInitBackend) Init() error {
	g.mut.Lock()
	g.inits++
	n := g.inits
	g.mut.Unlock()

	if n != g.gateAt {
		return g.Backend.Init()
	}

	close(g.entered)
	<-g.gate
	defer close(g.finished)
	return g.Backend.Init()
}

func TestMonitor_Close_During_Recovery(t *testing.T) {
	server := zkbackend.NewFakeServer()
	zb := zkbackend.New([]string{"localhost"}, 6*time.Second,
		zkbackend.WithConnector(server.Connector()),
		zkbackend.WithLogger(nopLogger{}),
		zkbackend.WithConnectRetry(10, time.Millisecond),
	)
	gb := &gatedInitBackend{
		Backend:  zb,
		gateAt:   2,
		entered:  make(chan struct{}),
		gate:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	m := New(gb, WithLogger(nopLogger{}), WithRecoverInterval(10*time.Millisecond))
	require.Equal(t, nil, m.Init())
	assert.NotEqual(t, int64(0), zb.SessionID())

	server.ExpireSession(server.LastConn())

	select {
	case <-gb.entered:
	case <-time.After(3 * time.Second):
		t.Fatal("backend not re-initialized")
	}

	require.Equal(t, nil, m.Close())
	close(gb.gate)

	select {
	case <-gb.finished:
	case <-time.After(3 * time.Second):
		t.Fatal("init not finished")
	}

	require.Eventually(t, func() bool {
		return zb.SessionID() == 0
	}, 3*time.Second, 5*time.Millisecond)
}
