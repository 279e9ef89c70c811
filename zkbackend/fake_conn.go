package zkbackend

import (
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"
)

// FakeServer is an in-memory ZooKeeper ensemble for tests.
// It supports ephemeral and sequential nodes, one-shot watches and session expiry.
// TTL nodes are accepted but never expire.
type FakeServer struct {
	mut           sync.Mutex
	root          *fakeNode
	nextSessionID int64
	conns         []*FakeConn
	unavailable   bool
}

type fakeNode struct {
	data           []byte
	children       map[string]*fakeNode
	version        int32
	cversion       int32
	ephemeralOwner int64
	ttl            time.Duration
}

type fakeWatchType int

const (
	fakeWatchExist fakeWatchType = iota
	fakeWatchData
	fakeWatchChild
)

type fakeWatchKey struct {
	path      string
	watchType fakeWatchType
}

// FakeConn is a session to a FakeServer, it implements Conn.
type FakeConn struct {
	server    *FakeServer
	sessionID int64
	callback  func(ev zk.Event)

	// guarded by server.mut
	state    zk.State
	closed   bool
	watchers map[fakeWatchKey][]chan zk.Event
}

var _ Conn = &FakeConn{}

// NewFakeServer creates a server containing only the /zookeeper node.
func NewFakeServer() *FakeServer {
	s := &FakeServer{
		root:          newFakeNode(nil),
		nextSessionID: 0x1000,
	}
	s.root.children["zookeeper"] = newFakeNode(nil)
	return s
}

func newFakeNode(data []byte) *fakeNode {
	return &fakeNode{
		data:     cloneData(data),
		children: map[string]*fakeNode{},
	}
}

func cloneData(data []byte) []byte {
	if data == nil {
		return nil
	}
	result := make([]byte, len(data))
	copy(result, data)
	return result
}

// Connector returns a Connector creating sessions to this server.
func (s *FakeServer) Connector() Connector {
	return func(params ConnectParams) (Conn, error) {
		return s.Connect(params.EventCallback), nil
	}
}

// Connect opens a new session, callback receives the session events.
func (s *FakeServer) Connect(callback func(ev zk.Event)) *FakeConn {
	s.mut.Lock()
	s.nextSessionID++
	c := &FakeConn{
		server:    s,
		sessionID: s.nextSessionID,
		callback:  callback,
		state:     zk.StateHasSession,
		watchers:  map[fakeWatchKey][]chan zk.Event{},
	}
	unavailable := s.unavailable
	if unavailable {
		c.state = zk.StateConnecting
	}
	s.conns = append(s.conns, c)
	s.mut.Unlock()

	if !unavailable {
		c.sendSessionEvent(zk.StateHasSession)
	}
	return c
}

// SetUnavailable makes new sessions stay in the connecting state.
func (s *FakeServer) SetUnavailable(unavailable bool) {
	s.mut.Lock()
	defer s.mut.Unlock()
	s.unavailable = unavailable
}

// Conns returns every session ever opened, oldest first.
func (s *FakeServer) Conns() []*FakeConn {
	s.mut.Lock()
	defer s.mut.Unlock()
	return slices.Clone(s.conns)
}

// LastConn returns the most recent session.
func (s *FakeServer) LastConn() *FakeConn {
	s.mut.Lock()
	defer s.mut.Unlock()
	if len(s.conns) == 0 {
		return nil
	}
	return s.conns[len(s.conns)-1]
}

// ExpireSession expires the session of c: its ephemeral nodes are deleted, its watches
// receive EventNotWatching with zk.ErrSessionExpired and every later request fails.
func (s *FakeServer) ExpireSession(c *FakeConn) {
	s.mut.Lock()
	if c.closed || c.state == zk.StateExpired {
		s.mut.Unlock()
		return
	}
	c.state = zk.StateExpired
	s.endSession(c, zk.ErrSessionExpired)
	s.mut.Unlock()

	c.sendSessionEvent(zk.StateExpired)
}

// Disconnect simulates a lost connection without expiring the session.
func (s *FakeServer) Disconnect(c *FakeConn) {
	s.mut.Lock()
	if c.closed || c.state != zk.StateHasSession {
		s.mut.Unlock()
		return
	}
	c.state = zk.StateDisconnected
	s.mut.Unlock()

	c.sendSessionEvent(zk.StateDisconnected)
}

// Reconnect restores a session after Disconnect.
func (s *FakeServer) Reconnect(c *FakeConn) {
	s.mut.Lock()
	if c.closed || c.state != zk.StateDisconnected {
		s.mut.Unlock()
		return
	}
	c.state = zk.StateHasSession
	s.mut.Unlock()

	c.sendSessionEvent(zk.StateHasSession)
}

// Data returns the data of path and whether it exists.
func (s *FakeServer) Data(path string) ([]byte, bool) {
	s.mut.Lock()
	defer s.mut.Unlock()

	node := s.findNode(path)
	if node == nil {
		return nil, false
	}
	return cloneData(node.data), true
}

// Paths returns every node path except the root and /zookeeper, sorted.
func (s *FakeServer) Paths() []string {
	s.mut.Lock()
	defer s.mut.Unlock()

	var result []string
	var walk func(prefix string, node *fakeNode)
	walk = func(prefix string, node *fakeNode) {
		for name, child := range node.children {
			p := prefix + "/" + name
			if p == "/zookeeper" {
				continue
			}
			result = append(result, p)
			walk(p, child)
		}
	}
	walk("", s.root)
	slices.Sort(result)
	return result
}

// WatchCount returns the number of registered watches of c.
func (c *FakeConn) WatchCount() int {
	c.server.mut.Lock()
	defer c.server.mut.Unlock()

	count := 0
	for _, list := range c.watchers {
		count += len(list)
	}
	return count
}

func (c *FakeConn) sendSessionEvent(state zk.State) {
	if c.callback == nil {
		return
	}
	c.callback(zk.Event{
		Type:  zk.EventSession,
		State: state,
	})
}

// endSession is called with the server lock held.
func (s *FakeServer) endSession(c *FakeConn, err error) {
	var owned []string
	var walk func(prefix string, node *fakeNode)
	walk = func(prefix string, node *fakeNode) {
		for name, child := range node.children {
			p := prefix + "/" + name
			if child.ephemeralOwner == c.sessionID {
				owned = append(owned, p)
			}
			walk(p, child)
		}
	}
	walk("", s.root)

	for key, list := range c.watchers {
		for _, ch := range list {
			ch <- zk.Event{
				Type:  zk.EventNotWatching,
				State: zk.StateDisconnected,
				Path:  key.path,
				Err:   err,
			}
			close(ch)
		}
	}
	c.watchers = map[fakeWatchKey][]chan zk.Event{}

	for _, p := range owned {
		s.deleteNode(p)
	}
}

func splitFakePath(path string) ([]string, error) {
	if path == "/" {
		return nil, nil
	}
	if !strings.HasPrefix(path, "/") || strings.HasSuffix(path, "/") {
		return nil, zk.ErrInvalidPath
	}
	parts := strings.Split(path[1:], "/")
	for _, p := range parts {
		if p == "" || p == "." || p == ".." {
			return nil, zk.ErrInvalidPath
		}
	}
	return parts, nil
}

func (s *FakeServer) findNode(path string) *fakeNode {
	parts, err := splitFakePath(path)
	if err != nil {
		return nil
	}
	node := s.root
	for _, p := range parts {
		node = node.children[p]
		if node == nil {
			return nil
		}
	}
	return node
}

func parentOf(path string) (string, string) {
	index := strings.LastIndexByte(path, '/')
	if index == 0 {
		return "/", path[1:]
	}
	return path[:index], path[index+1:]
}

func (s *FakeServer) notify(path string, eventType zk.EventType, types ...fakeWatchType) {
	for _, c := range s.conns {
		if c.closed {
			continue
		}
		for _, t := range types {
			key := fakeWatchKey{path: path, watchType: t}
			list := c.watchers[key]
			if len(list) == 0 {
				continue
			}
			for _, ch := range list {
				ch <- zk.Event{
					Type:  eventType,
					State: zk.StateHasSession,
					Path:  path,
				}
				close(ch)
			}
			delete(c.watchers, key)
		}
	}
}

// deleteNode is called with the server lock held, it removes the node with its subtree.
func (s *FakeServer) deleteNode(path string) {
	parentPath, name := parentOf(path)
	parent := s.findNode(parentPath)
	if parent == nil {
		return
	}
	node := parent.children[name]
	if node == nil {
		return
	}
	for childName := range node.children {
		s.deleteNode(path + "/" + childName)
	}
	delete(parent.children, name)
	parent.cversion++

	s.notify(path, zk.EventNodeDeleted, fakeWatchExist, fakeWatchData, fakeWatchChild)
	s.notify(parentPath, zk.EventNodeChildrenChanged, fakeWatchChild)
}

// checkSession is called with the server lock held.
func (c *FakeConn) checkSession() error {
	if c.closed {
		return zk.ErrClosing
	}
	switch c.state {
	case zk.StateExpired:
		return zk.ErrSessionExpired
	case zk.StateHasSession:
		return nil
	default:
		return zk.ErrConnectionClosed
	}
}

func (c *FakeConn) addWatch(path string, t fakeWatchType) <-chan zk.Event {
	ch := make(chan zk.Event, 1)
	key := fakeWatchKey{path: path, watchType: t}
	c.watchers[key] = append(c.watchers[key], ch)
	return ch
}

func fakeStat(node *fakeNode) *zk.Stat {
	return &zk.Stat{
		Version:        node.version,
		Cversion:       node.cversion,
		EphemeralOwner: node.ephemeralOwner,
		DataLength:     int32(len(node.data)),
		NumChildren:    int32(len(node.children)),
	}
}

// Create ...
func (c *FakeConn) Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error) {
	if flags == zk.FlagTTL || flags == zk.FlagPersistentSequentialWithTTL {
		return "", fmt.Errorf("Create with TTL flag disallowed: %w", zk.ErrInvalidFlags)
	}
	return c.create(path, data, flags, 0)
}

// CreateTTL ...
func (c *FakeConn) CreateTTL(path string, data []byte, flags int32, acl []zk.ACL, ttl time.Duration) (string, error) {
	if flags != zk.FlagTTL && flags != zk.FlagPersistentSequentialWithTTL {
		return "", fmt.Errorf("CreateTTL requires TTL flag: %w", zk.ErrInvalidFlags)
	}
	if ttl <= 0 {
		return "", zk.ErrBadArguments
	}
	return c.create(path, data, flags, ttl)
}

func (c *FakeConn) create(path string, data []byte, flags int32, ttl time.Duration) (string, error) {
	s := c.server
	s.mut.Lock()
	defer s.mut.Unlock()

	if err := c.checkSession(); err != nil {
		return "", err
	}
	if flags < zk.FlagPersistent || flags > zk.FlagPersistentSequentialWithTTL || flags == zk.FlagContainer {
		return "", zk.ErrInvalidFlags
	}
	if path == "/" {
		return "", zk.ErrNodeExists
	}
	if _, err := splitFakePath(path); err != nil {
		return "", err
	}

	parentPath, name := parentOf(path)
	parent := s.findNode(parentPath)
	if parent == nil {
		return "", zk.ErrNoNode
	}
	if parent.ephemeralOwner != 0 {
		return "", zk.ErrNoChildrenForEphemerals
	}

	sequential := flags == zk.FlagSequence || flags == zk.FlagEphemeralSequential ||
		flags == zk.FlagPersistentSequentialWithTTL
	if sequential {
		name = fmt.Sprintf("%s%010d", name, parent.cversion)
		path = fmt.Sprintf("%s%010d", path, parent.cversion)
	}

	if _, existed := parent.children[name]; existed {
		return "", zk.ErrNodeExists
	}

	node := newFakeNode(data)
	node.ttl = ttl
	if flags == zk.FlagEphemeral || flags == zk.FlagEphemeralSequential {
		node.ephemeralOwner = c.sessionID
	}
	parent.children[name] = node
	parent.cversion++

	s.notify(path, zk.EventNodeCreated, fakeWatchExist)
	s.notify(parentPath, zk.EventNodeChildrenChanged, fakeWatchChild)
	return path, nil
}

// Delete ...
func (c *FakeConn) Delete(path string, version int32) error {
	s := c.server
	s.mut.Lock()
	defer s.mut.Unlock()

	if err := c.checkSession(); err != nil {
		return err
	}
	if path == "/" {
		return zk.ErrBadArguments
	}
	if _, err := splitFakePath(path); err != nil {
		return err
	}

	node := s.findNode(path)
	if node == nil {
		return zk.ErrNoNode
	}
	if version != -1 && version != node.version {
		return zk.ErrBadVersion
	}
	if len(node.children) > 0 {
		return zk.ErrNotEmpty
	}

	s.deleteNode(path)
	return nil
}

// Set ...
func (c *FakeConn) Set(path string, data []byte, version int32) (*zk.Stat, error) {
	s := c.server
	s.mut.Lock()
	defer s.mut.Unlock()

	if err := c.checkSession(); err != nil {
		return nil, err
	}
	if _, err := splitFakePath(path); err != nil {
		return nil, err
	}

	node := s.findNode(path)
	if node == nil {
		return nil, zk.ErrNoNode
	}
	if version != -1 && version != node.version {
		return nil, zk.ErrBadVersion
	}

	node.data = cloneData(data)
	node.version++

	s.notify(path, zk.EventNodeDataChanged, fakeWatchExist, fakeWatchData)
	return fakeStat(node), nil
}

// Get ...
func (c *FakeConn) Get(path string) ([]byte, *zk.Stat, error) {
	s := c.server
	s.mut.Lock()
	defer s.mut.Unlock()

	if err := c.checkSession(); err != nil {
		return nil, nil, err
	}
	if _, err := splitFakePath(path); err != nil {
		return nil, nil, err
	}

	node := s.findNode(path)
	if node == nil {
		return nil, nil, zk.ErrNoNode
	}
	return cloneData(node.data), fakeStat(node), nil
}

// Exists ...
func (c *FakeConn) Exists(path string) (bool, *zk.Stat, error) {
	exists, stat, _, err := c.exists(path, false)
	return exists, stat, err
}

// ExistsW sets a data watch if the node exists, an exist watch otherwise.
func (c *FakeConn) ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error) {
	return c.exists(path, true)
}

func (c *FakeConn) exists(path string, watch bool) (bool, *zk.Stat, <-chan zk.Event, error) {
	s := c.server
	s.mut.Lock()
	defer s.mut.Unlock()

	if err := c.checkSession(); err != nil {
		return false, nil, nil, err
	}
	if _, err := splitFakePath(path); err != nil {
		return false, nil, nil, err
	}

	node := s.findNode(path)

	var ch <-chan zk.Event
	if watch {
		if node != nil {
			ch = c.addWatch(path, fakeWatchData)
		} else {
			ch = c.addWatch(path, fakeWatchExist)
		}
	}

	if node == nil {
		return false, nil, ch, nil
	}
	return true, fakeStat(node), ch, nil
}

// Children ...
func (c *FakeConn) Children(path string) ([]string, *zk.Stat, error) {
	children, stat, _, err := c.children(path, false)
	return children, stat, err
}

// ChildrenW ...
func (c *FakeConn) ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error) {
	return c.children(path, true)
}

func (c *FakeConn) children(path string, watch bool) ([]string, *zk.Stat, <-chan zk.Event, error) {
	s := c.server
	s.mut.Lock()
	defer s.mut.Unlock()

	if err := c.checkSession(); err != nil {
		return nil, nil, nil, err
	}
	if _, err := splitFakePath(path); err != nil {
		return nil, nil, nil, err
	}

	node := s.findNode(path)
	if node == nil {
		return nil, nil, nil, zk.ErrNoNode
	}

	names := make([]string, 0, len(node.children))
	for name := range node.children {
		names = append(names, name)
	}
	slices.Sort(names)

	var ch <-chan zk.Event
	if watch {
		ch = c.addWatch(path, fakeWatchChild)
	}
	return names, fakeStat(node), ch, nil
}

// AddAuth accepts any credential.
func (c *FakeConn) AddAuth(scheme string, auth []byte) error {
	s := c.server
	s.mut.Lock()
	defer s.mut.Unlock()
	return c.checkSession()
}

// State ...
func (c *FakeConn) State() zk.State {
	s := c.server
	s.mut.Lock()
	defer s.mut.Unlock()

	if c.closed {
		return zk.StateDisconnected
	}
	return c.state
}

// SessionID ...
func (c *FakeConn) SessionID() int64 {
	return c.sessionID
}

// Close ends the session, its watches receive EventNotWatching with zk.ErrClosing.
func (c *FakeConn) Close() {
	s := c.server
	s.mut.Lock()
	if c.closed {
		s.mut.Unlock()
		return
	}
	c.closed = true
	if c.state != zk.StateExpired {
		s.endSession(c, zk.ErrClosing)
	}
	c.watchers = map[fakeWatchKey][]chan zk.Event{}
	s.mut.Unlock()

	c.sendSessionEvent(zk.StateDisconnected)
}
