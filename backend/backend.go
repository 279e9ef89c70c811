package backend

import (
	"time"

	"github.com/1261385937/config-monitor/task"
)

// CreateMode is the creation mode of a node, values match ZooKeeper create flags.
type CreateMode int32

const (
	ModePersistent                  CreateMode = 0
	ModeEphemeral                   CreateMode = 1
	ModePersistentSequential        CreateMode = 2
	ModeEphemeralSequential         CreateMode = 3
	ModePersistentWithTTL           CreateMode = 5
	ModePersistentSequentialWithTTL CreateMode = 6
)

// IsValid reports whether m is one of the supported modes.
func (m CreateMode) IsValid() bool {
	switch m {
	case ModePersistent, ModeEphemeral, ModePersistentSequential, ModeEphemeralSequential,
		ModePersistentWithTTL, ModePersistentSequentialWithTTL:
		return true
	default:
		return false
	}
}

// NeedsTTL reports whether the mode requires a positive ttl.
func (m CreateMode) NeedsTTL() bool {
	return m == ModePersistentWithTTL || m == ModePersistentSequentialWithTTL
}

// IsSequential ...
func (m CreateMode) IsSequential() bool {
	return m == ModePersistentSequential || m == ModeEphemeralSequential || m == ModePersistentSequentialWithTTL
}

// IsEphemeral ...
func (m CreateMode) IsEphemeral() bool {
	return m == ModeEphemeral || m == ModeEphemeralSequential
}

func (m CreateMode) String() string {
	switch m {
	case ModePersistent:
		return "persistent"
	case ModeEphemeral:
		return "ephemeral"
	case ModePersistentSequential:
		return "persistent_sequential"
	case ModeEphemeralSequential:
		return "ephemeral_sequential"
	case ModePersistentWithTTL:
		return "persistent_with_ttl"
	case ModePersistentSequentialWithTTL:
		return "persistent_sequential_with_ttl"
	default:
		return "unknown"
	}
}

// ParseCreateMode is the inverse of CreateMode.String.
func ParseCreateMode(s string) (CreateMode, error) {
	for _, m := range []CreateMode{
		ModePersistent, ModeEphemeral, ModePersistentSequential, ModeEphemeralSequential,
		ModePersistentWithTTL, ModePersistentSequentialWithTTL,
	} {
		if m.String() == s {
			return m, nil
		}
	}
	return 0, NewError(CodeInvalidArgument, "unknown create mode: %q", s)
}

// CheckCreate validates the mode and ttl before anything is sent to a backend.
func CheckCreate(path string, mode CreateMode, ttl time.Duration) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if !mode.IsValid() {
		return NewError(CodeInvalidArgument, "invalid create mode: %d", int32(mode))
	}
	if mode.NeedsTTL() && ttl <= 0 {
		return NewError(CodeInvalidArgument, "create mode %s requires a positive ttl", mode)
	}
	return nil
}

// EventType is the kind of notification delivered by a watch.
type EventType int

const (
	EventCreated EventType = iota + 1
	EventDeleted
	EventChanged
	EventChildren

	// EventSessionLost is delivered when the session the watch belongs to has expired.
	EventSessionLost
	// EventNotWatching is delivered when the watch was removed or the backend closed.
	EventNotWatching
)

func (t EventType) String() string {
	switch t {
	case EventCreated:
		return "created"
	case EventDeleted:
		return "deleted"
	case EventChanged:
		return "changed"
	case EventChildren:
		return "children"
	case EventSessionLost:
		return "session_lost"
	case EventNotWatching:
		return "not_watching"
	default:
		return "unknown"
	}
}

// Event is the single notification of an armed watch.
type Event struct {
	Type EventType
	Path string
}

// Terminal reports whether the watch loop receiving the event must stop.
func (e Event) Terminal() bool {
	return e.Type == EventSessionLost || e.Type == EventNotWatching
}

// WatchKind distinguishes single-path watches from sub-path (children) watches.
type WatchKind int

const (
	WatchPath WatchKind = iota
	WatchSubPath
)

func (k WatchKind) String() string {
	if k == WatchSubPath {
		return "sub_path"
	}
	return "path"
}

// CreateResult is the outcome of a create, Path is the final path (with sequence suffix if any).
type CreateResult struct {
	Path string
	Err  error
}

// ValueResult is the outcome of a get value, Value is nil when absent.
type ValueResult struct {
	Value []byte
	Err   error
}

// ChildrenResult is the outcome of a get children, Children holds child names (not full paths).
type ChildrenResult struct {
	Children []string
	Err      error
}

// Backend is the contract implemented by the coordination service and filesystem adapters.
// Every operation returns an awaiter for its result, or an initiation error when the request
// could not be queued at all.
type Backend interface {
	Init() error
	Close() error

	Create(path string, value []byte, mode CreateMode, ttl time.Duration) (*task.Awaiter[CreateResult], error)
	Delete(path string) (*task.Awaiter[error], error)
	SetValue(path string, value []byte) (*task.Awaiter[error], error)
	GetValue(path string) (*task.Awaiter[ValueResult], error)
	GetChildren(path string) (*task.Awaiter[ChildrenResult], error)

	// WatchExists arms a one-shot watch on the existence and value of path.
	WatchExists(path string) (*task.Awaiter[Event], error)
	// WatchChildren arms a one-shot watch on the children of path.
	WatchChildren(path string) (*task.Awaiter[Event], error)
	RemoveWatches(path string, kind WatchKind) (*task.Awaiter[error], error)
}

// SessionNotifier is implemented by backends having sessions that can expire.
type SessionNotifier interface {
	SetExpiredCallback(fn func())
}

// ClientIPProvider is implemented by backends knowing the local address used.
type ClientIPProvider interface {
	ClientIP() string
}
