package zkbackend

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/go-zookeeper/zk"
)

// ServerListSelector is a zk.HostProvider that shuffles the server list once
// and then walks it round-robin, reconnecting to the last server that worked first.
type ServerListSelector struct {
	mut          sync.Mutex
	servers      []string
	lastIndex    int
	numNextCalls int
	rand         *rand.Rand
	notified     bool
}

var _ zk.HostProvider = &ServerListSelector{}

// NewServerListSelector creates a selector with a deterministic shuffle seed.
func NewServerListSelector(seed int64) *ServerListSelector {
	return &ServerListSelector{
		rand: rand.New(rand.NewSource(seed)),
	}
}

// Init ...
func (s *ServerListSelector) Init(servers []string) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	if len(servers) == 0 {
		return errors.New("zkbackend: empty server list")
	}

	s.servers = zk.FormatServers(servers)
	s.rand.Shuffle(len(s.servers), func(i, j int) {
		s.servers[i], s.servers[j] = s.servers[j], s.servers[i]
	})
	s.lastIndex = -1
	s.numNextCalls = 0
	return nil
}

// Len ...
func (s *ServerListSelector) Len() int {
	s.mut.Lock()
	defer s.mut.Unlock()
	return len(s.servers)
}

// Next returns the next server, retryStart is true once every server has been tried
// since the last successful connection.
func (s *ServerListSelector) Next() (string, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()

	s.notified = false

	s.lastIndex++
	s.lastIndex = s.lastIndex % len(s.servers)
	s.numNextCalls++

	retryStart := false
	if s.numNextCalls >= len(s.servers) {
		retryStart = true
	}

	return s.servers[s.lastIndex], retryStart
}

// Connected ...
func (s *ServerListSelector) Connected() {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.notified {
		return
	}
	s.lastIndex--
	s.notified = true
	s.numNextCalls = 0
}
