package zkbackend

import (
	"errors"

	"github.com/go-zookeeper/zk"

	"github.com/1261385937/config-monitor/backend"
)

const errorCategory = "zookeeper"

type nativeCode struct {
	err   error
	value int
	code  backend.Code
}

// native values are the ZooKeeper server error codes
var nativeCodes = []nativeCode{
	{err: zk.ErrNoNode, value: -101, code: backend.CodeNotFound},
	{err: zk.ErrNodeExists, value: -110, code: backend.CodeAlreadyExists},
	{err: zk.ErrBadArguments, value: -8, code: backend.CodeInvalidArgument},
	{err: zk.ErrInvalidPath, value: -8, code: backend.CodeInvalidArgument},
	{err: zk.ErrInvalidFlags, value: -8, code: backend.CodeInvalidArgument},
	{err: zk.ErrInvalidACL, value: -114, code: backend.CodeInvalidArgument},
	{err: zk.ErrNoChildrenForEphemerals, value: -108, code: backend.CodeInvalidArgument},
	{err: zk.ErrConnectionClosed, value: -4, code: backend.CodeConnectionLoss},
	{err: zk.ErrNoServer, value: -4, code: backend.CodeConnectionLoss},
	{err: zk.ErrSessionMoved, value: -118, code: backend.CodeConnectionLoss},
	{err: zk.ErrSessionExpired, value: -112, code: backend.CodeSessionExpired},
	{err: zk.ErrClosing, value: -116, code: backend.CodeClosed},
	{err: zk.ErrNoAuth, value: -102, code: backend.CodeSystem},
	{err: zk.ErrAuthFailed, value: -115, code: backend.CodeSystem},
	{err: zk.ErrBadVersion, value: -103, code: backend.CodeSystem},
	{err: zk.ErrNotEmpty, value: -111, code: backend.CodeSystem},
	{err: zk.ErrAPIError, value: -100, code: backend.CodeSystem},
}

// MapError converts a go-zookeeper error into the normalized *backend.Error.
func MapError(err error) error {
	if err == nil {
		return nil
	}

	var already *backend.Error
	if errors.As(err, &already) {
		return err
	}

	for _, c := range nativeCodes {
		if errors.Is(err, c.err) {
			return &backend.Error{
				Code:     c.code,
				Category: errorCategory,
				Value:    c.value,
				Message:  err.Error(),
				Err:      err,
			}
		}
	}

	return &backend.Error{
		Code:     backend.CodeSystem,
		Category: errorCategory,
		Value:    -1,
		Message:  err.Error(),
		Err:      err,
	}
}
