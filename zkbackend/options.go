package zkbackend

import (
	"crypto/tls"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/1261385937/config-monitor/backend"
)

type backendOptions struct {
	logger    backend.Logger
	connector Connector

	hostProvider zk.HostProvider
	tlsConfig    *tls.Config

	authScheme string
	auth       []byte
	acl        []zk.ACL

	connectRetry    int
	connectInterval time.Duration
	detectInterval  time.Duration

	sessEstablishedCallback func()
	reconnectingCallback    func()
	sessExpiredCallback     func()
}

// Option is the option of the ZooKeeper backend.
type Option func(opts *backendOptions)

// WithLogger configures the logger.
func WithLogger(logger backend.Logger) Option {
	return func(opts *backendOptions) {
		opts.logger = logger
	}
}

// WithConnector replaces the connection factory, tests use FakeServer.Connector.
func WithConnector(connector Connector) Option {
	return func(opts *backendOptions) {
		opts.connector = connector
	}
}

// WithServerSelector configures the strategy for choosing the server to connect to.
func WithServerSelector(selector zk.HostProvider) Option {
	return func(opts *backendOptions) {
		opts.hostProvider = selector
	}
}

// WithTLSConfig makes the connections use TLS.
func WithTLSConfig(conf *tls.Config) Option {
	return func(opts *backendOptions) {
		opts.tlsConfig = conf
	}
}

// WithDigestCredential authenticates with the digest scheme and creates nodes
// readable and writable only by user.
func WithDigestCredential(user string, password string) Option {
	return func(opts *backendOptions) {
		opts.authScheme = "digest"
		opts.auth = []byte(user + ":" + password)
		opts.acl = zk.DigestACL(zk.PermAll, user, password)
	}
}

// WithCredential adds an auth info of any scheme, nodes keep the open ACL.
func WithCredential(scheme string, auth []byte) Option {
	return func(opts *backendOptions) {
		opts.authScheme = scheme
		opts.auth = auth
	}
}

// WithConnectRetry bounds the wait for the first session, retry times x interval.
func WithConnectRetry(retry int, interval time.Duration) Option {
	return func(opts *backendOptions) {
		opts.connectRetry = retry
		opts.connectInterval = interval
	}
}

// WithDetectInterval overrides the interval of the session expiry detector.
func WithDetectInterval(d time.Duration) Option {
	return func(opts *backendOptions) {
		opts.detectInterval = d
	}
}

// WithSessionEstablishedCallback is called each time a session is (re)established.
func WithSessionEstablishedCallback(callback func()) Option {
	return func(opts *backendOptions) {
		opts.sessEstablishedCallback = callback
	}
}

// WithReconnectingCallback is called when the connection is lost but the session may still be alive.
func WithReconnectingCallback(callback func()) Option {
	return func(opts *backendOptions) {
		opts.reconnectingCallback = callback
	}
}

// WithSessionExpiredCallback is called when the session expired, in addition to the
// callback installed with SetExpiredCallback.
func WithSessionExpiredCallback(callback func()) Option {
	return func(opts *backendOptions) {
		opts.sessExpiredCallback = callback
	}
}
