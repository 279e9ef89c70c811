package configmonitor

import (
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1261385937/config-monitor/backend"
)

// subPathMirror rebuilds the children values from the events of a sub path watch.
type subPathMirror struct {
	mut    sync.Mutex
	values map[string]string
	errors []string
}

func newSubPathMirror() *subPathMirror {
	return &subPathMirror{
		values: map[string]string{},
	}
}

func (s *subPathMirror) callback(ev PathEvent, childPath string, value []byte) {
	s.mut.Lock()
	defer s.mut.Unlock()

	switch ev {
	case PathChanged:
		s.values[childPath] = string(value)
	case PathDel:
		if _, ok := s.values[childPath]; !ok {
			s.errors = append(s.errors, "del without changed: "+childPath)
		}
		delete(s.values, childPath)
	}
}

func (s *subPathMirror) snapshot() (map[string]string, []string) {
	s.mut.Lock()
	defer s.mut.Unlock()

	values := map[string]string{}
	for k, v := range s.values {
		values[k] = v
	}
	return values, append([]string(nil), s.errors...)
}

func (mt *monitorTest) storedChildren(t *testing.T, parent string) map[string]string {
	result := map[string]string{}
	children, err := mt.m.GetChildren(parent)
	if errors.Is(err, backend.ErrNotFound) {
		return result
	}
	require.Equal(t, nil, err)

	for _, child := range children {
		value, err := mt.m.GetValue(child)
		if errors.Is(err, backend.ErrNotFound) {
			continue
		}
		require.Equal(t, nil, err)
		if value != nil {
			result[child] = string(value)
		}
	}
	return result
}

func runRandomOperations(t *testing.T, mt *monitorTest, seed int64, steps int, expire bool) {
	randSource := rand.New(rand.NewSource(seed))
	childPath := func() string {
		return "/prop/c" + strconv.Itoa(randSource.Intn(5))
	}

	for i := 0; i < steps; i++ {
		value := []byte(strconv.Itoa(i))

		var err error
		switch n := randSource.Intn(100); {
		case n < 35:
			_, err = mt.m.Create(childPath(), value)
		case n < 70:
			err = mt.m.SetValue(childPath(), value)
		case n < 90:
			err = mt.m.Delete(childPath())
		case n < 95:
			err = mt.m.Delete("/prop")
		default:
			if expire && mt.server != nil {
				mt.server.ExpireSession(mt.server.LastConn())
				waitSession(t, mt)
			}
		}

		switch backend.CodeOf(err) {
		case backend.CodeOK, backend.CodeNotFound, backend.CodeAlreadyExists:
		default:
			require.Equal(t, nil, err)
		}

		if randSource.Intn(4) == 0 {
			time.Sleep(time.Duration(randSource.Intn(3)) * time.Millisecond)
		}
	}
}

func waitSession(t *testing.T, mt *monitorTest) {
	require.Eventually(t, func() bool {
		_, err := mt.m.GetChildren("/")
		return err == nil
	}, 3*time.Second, 5*time.Millisecond)
}

// checkMirror compares the mirror with the stored children. With allowStale, children deleted
// while the session was being recovered may remain in the mirror.
func checkMirror(t *testing.T, mt *monitorTest, mirror *subPathMirror, allowStale bool) {
	t.Helper()

	matches := func(expected map[string]string, values map[string]string) bool {
		if !allowStale {
			return assert.ObjectsAreEqual(expected, values)
		}
		for k, v := range expected {
			if values[k] != v {
				return false
			}
		}
		return true
	}

	var expected map[string]string
	assert.Eventually(t, func() bool {
		expected = mt.storedChildren(t, "/prop")
		values, _ := mirror.snapshot()
		return matches(expected, values)
	}, 5*time.Second, 20*time.Millisecond)

	values, errs := mirror.snapshot()
	assert.True(t, matches(expected, values), "expected: %v, got: %v", expected, values)
	assert.Equal(t, []string(nil), errs)
}

func TestMonitor_WatchSubPath_Random_Operations(t *testing.T) {
	for _, seed := range []int64{1234, 5678, 91011} {
		forEachBackend(t, func(t *testing.T, mt *monitorTest) {
			fmt.Println("SEED:", seed)

			mirror := newSubPathMirror()
			require.Equal(t, nil, mt.m.WatchSubPath("/prop", mirror.callback))

			runRandomOperations(t, mt, seed, 200, false)
			checkMirror(t, mt, mirror, false)
		})
	}
}

func TestMonitor_WatchSubPath_Random_Operations__With_Session_Expired(t *testing.T) {
	for _, seed := range []int64{4321, 8765} {
		mt := newZooKeeperMonitorTest(t)
		fmt.Println("SEED:", seed)

		mirror := newSubPathMirror()
		require.Equal(t, nil, mt.m.WatchSubPath("/prop", mirror.callback))

		runRandomOperations(t, mt, seed, 200, true)
		checkMirror(t, mt, mirror, true)
	}
}
