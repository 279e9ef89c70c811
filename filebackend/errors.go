package filebackend

import (
	"errors"
	"io/fs"
	"syscall"

	"github.com/1261385937/config-monitor/backend"
)

const errorCategory = "file"

func mapFileError(err error) error {
	if err == nil {
		return nil
	}

	var already *backend.Error
	if errors.As(err, &already) {
		return err
	}

	value := -1
	var errno syscall.Errno
	if errors.As(err, &errno) {
		value = int(errno)
	}

	code := backend.CodeSystem
	switch {
	case errors.Is(err, fs.ErrNotExist):
		code = backend.CodeNotFound
	case errors.Is(err, fs.ErrExist):
		code = backend.CodeAlreadyExists
	case errors.Is(err, syscall.ENOTDIR), errors.Is(err, syscall.EISDIR), errors.Is(err, fs.ErrInvalid):
		code = backend.CodeInvalidArgument
	}

	return &backend.Error{
		Code:     code,
		Category: errorCategory,
		Value:    value,
		Message:  err.Error(),
		Err:      err,
	}
}
