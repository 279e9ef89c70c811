package zkbackend

import (
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/1261385937/config-monitor/backend"
)

// Conn is the part of *zk.Conn used by the backend.
type Conn interface {
	Create(path string, data []byte, flags int32, acl []zk.ACL) (string, error)
	CreateTTL(path string, data []byte, flags int32, acl []zk.ACL, ttl time.Duration) (string, error)
	Delete(path string, version int32) error
	Set(path string, data []byte, version int32) (*zk.Stat, error)
	Get(path string) ([]byte, *zk.Stat, error)
	Exists(path string) (bool, *zk.Stat, error)
	ExistsW(path string) (bool, *zk.Stat, <-chan zk.Event, error)
	Children(path string) ([]string, *zk.Stat, error)
	ChildrenW(path string) ([]string, *zk.Stat, <-chan zk.Event, error)
	AddAuth(scheme string, auth []byte) error
	State() zk.State
	SessionID() int64
	Close()
}

var _ Conn = &zk.Conn{}

// ConnectParams is everything a Connector needs to open a session.
type ConnectParams struct {
	Servers        []string
	SessionTimeout time.Duration
	HostProvider   zk.HostProvider
	Dialer         zk.Dialer
	Logger         zk.Logger

	// EventCallback receives session events, it must not block.
	EventCallback func(ev zk.Event)
}

// Connector opens a new session.
type Connector func(params ConnectParams) (Conn, error)

// DefaultConnector connects with github.com/go-zookeeper/zk.
func DefaultConnector(params ConnectParams) (Conn, error) {
	hostProvider := params.HostProvider
	if hostProvider == nil {
		hostProvider = zk.NewDNSHostProvider()
	}
	logger := params.Logger
	if logger == nil {
		logger = zk.DefaultLogger
	}
	dialer := params.Dialer
	if dialer == nil {
		dialer = net.DialTimeout
	}

	conn, _, err := zk.Connect(params.Servers, params.SessionTimeout,
		zk.WithLogger(logger),
		zk.WithEventCallback(params.EventCallback),
		zk.WithHostProvider(hostProvider),
		zk.WithDialer(dialer),
	)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// localAddrDialer remembers the local address of the last successful dial.
type localAddrDialer struct {
	tlsConfig *tls.Config

	mut       sync.Mutex
	localAddr string
}

func (d *localAddrDialer) dial(network, address string, timeout time.Duration) (net.Conn, error) {
	var conn net.Conn
	var err error
	if d.tlsConfig != nil {
		conn, err = tls.DialWithDialer(&net.Dialer{Timeout: timeout}, network, address, d.tlsConfig)
	} else {
		conn, err = net.DialTimeout(network, address, timeout)
	}
	if err != nil {
		return nil, err
	}

	host, _, splitErr := net.SplitHostPort(conn.LocalAddr().String())
	if splitErr != nil {
		host = conn.LocalAddr().String()
	}

	d.mut.Lock()
	d.localAddr = host
	d.mut.Unlock()

	return conn, nil
}

func (d *localAddrDialer) getLocalAddr() string {
	d.mut.Lock()
	defer d.mut.Unlock()
	return d.localAddr
}

type zkLogger struct {
	logger backend.Logger
}

func (l zkLogger) Printf(format string, args ...any) {
	l.logger.Infof("%s", fmt.Sprintf(format, args...))
}
