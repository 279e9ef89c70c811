package filebackend

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/1261385937/config-monitor/backend"
	"github.com/1261385937/config-monitor/task"
)

const sequenceDigits = 10

func checkFilePath(path string) error {
	if err := backend.ValidatePath(path); err != nil {
		return err
	}
	if !strings.HasPrefix(path, "/") {
		return backend.NewError(backend.CodeInvalidArgument, "path must be absolute: %q", path)
	}
	for _, part := range strings.Split(path, "/") {
		if part == "." || part == ".." {
			return backend.NewError(backend.CodeInvalidArgument, "invalid path component in %q", path)
		}
	}
	return nil
}

// Create ...
func (b *Backend) Create(
	path string, value []byte, mode backend.CreateMode, ttl time.Duration,
) (*task.Awaiter[backend.CreateResult], error) {
	return submit(b, func() backend.CreateResult {
		newPath, err := b.create(path, value, mode, ttl)
		return backend.CreateResult{Path: newPath, Err: err}
	})
}

func (b *Backend) create(path string, value []byte, mode backend.CreateMode, ttl time.Duration) (string, error) {
	if err := backend.CheckCreate(path, mode, ttl); err != nil {
		return "", err
	}
	if err := checkFilePath(path); err != nil {
		return "", err
	}

	ancestors, leaf, err := backend.SplitPath(path)
	if err != nil {
		return "", err
	}

	for _, p := range ancestors {
		if err := b.ensureDir(p); err != nil {
			return "", err
		}
	}

	if mode.IsSequential() {
		seq, err := b.nextSequence(backend.ParentPath(leaf))
		if err != nil {
			return "", mapFileError(err)
		}
		leaf = fmt.Sprintf("%s%0*d", leaf, sequenceDigits, seq)
	}

	if err := b.writeNew(leaf, value); err != nil {
		return "", mapFileError(err)
	}

	b.versions[leaf]++
	if mode.IsEphemeral() {
		b.ephemerals[leaf] = struct{}{}
	}
	if mode.NeedsTTL() {
		b.ttls[leaf] = ttl
	}
	return leaf, nil
}

func (b *Backend) ensureDir(path string) error {
	err := os.Mkdir(b.realPath(path), 0o755)
	if err == nil {
		return nil
	}
	if !errors.Is(err, fs.ErrExist) {
		return mapFileError(err)
	}

	st, err := os.Stat(b.realPath(path))
	if err != nil {
		return mapFileError(err)
	}
	if !st.IsDir() {
		return backend.NewError(backend.CodeInvalidArgument, "%s has a value, it can not have children", path)
	}
	return nil
}

func (b *Backend) writeNew(path string, value []byte) error {
	if value == nil {
		return os.Mkdir(b.realPath(path), 0o755)
	}

	f, err := os.OpenFile(b.realPath(path), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(value); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// nextSequence returns a counter greater than every sequence suffix under parent.
func (b *Backend) nextSequence(parent string) (int64, error) {
	entries, err := os.ReadDir(b.realPath(parent))
	if err != nil {
		return 0, err
	}

	next := b.sequences[parent]
	for _, e := range entries {
		name := e.Name()
		if len(name) < sequenceDigits {
			continue
		}
		n, err := strconv.ParseInt(name[len(name)-sequenceDigits:], 10, 64)
		if err != nil {
			continue
		}
		if n+1 > next {
			next = n + 1
		}
	}
	b.sequences[parent] = next + 1
	return next, nil
}

// Delete removes path with its whole subtree.
func (b *Backend) Delete(path string) (*task.Awaiter[error], error) {
	return submit(b, func() error {
		return b.delete(path)
	})
}

func (b *Backend) delete(path string) error {
	if err := checkFilePath(path); err != nil {
		return err
	}
	if strings.Trim(path, "/") == "" {
		return backend.NewError(backend.CodeInvalidArgument, "can not delete the root")
	}

	if _, err := os.Lstat(b.realPath(path)); err != nil {
		return mapFileError(err)
	}
	if err := os.RemoveAll(b.realPath(path)); err != nil {
		return mapFileError(err)
	}

	prefix := strings.TrimRight(path, "/")
	inSubtree := func(p string) bool {
		return p == prefix || strings.HasPrefix(p, prefix+"/")
	}
	for p := range b.ephemerals {
		if inSubtree(p) {
			delete(b.ephemerals, p)
		}
	}
	for p := range b.ttls {
		if inSubtree(p) {
			delete(b.ttls, p)
		}
	}
	return nil
}

// SetValue ...
func (b *Backend) SetValue(path string, value []byte) (*task.Awaiter[error], error) {
	return submit(b, func() error {
		return b.setValue(path, value)
	})
}

func (b *Backend) setValue(path string, value []byte) error {
	if err := checkFilePath(path); err != nil {
		return err
	}

	st, err := os.Stat(b.realPath(path))
	if err != nil {
		return mapFileError(err)
	}
	if st.IsDir() {
		return backend.NewError(backend.CodeInvalidArgument, "%s has children, it can not have a value", path)
	}

	if err := os.WriteFile(b.realPath(path), value, 0o644); err != nil {
		return mapFileError(err)
	}
	b.versions[strings.TrimRight(path, "/")]++
	return nil
}

// GetValue returns a nil value for a directory.
func (b *Backend) GetValue(path string) (*task.Awaiter[backend.ValueResult], error) {
	return submit(b, func() backend.ValueResult {
		value, err := b.getValue(path)
		return backend.ValueResult{Value: value, Err: err}
	})
}

func (b *Backend) getValue(path string) ([]byte, error) {
	if err := checkFilePath(path); err != nil {
		return nil, err
	}

	st, err := os.Stat(b.realPath(path))
	if err != nil {
		return nil, mapFileError(err)
	}
	if st.IsDir() {
		return nil, nil
	}

	data, err := os.ReadFile(b.realPath(path))
	if err != nil {
		return nil, mapFileError(err)
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// GetChildren returns the sorted entry names, a regular file has no children.
func (b *Backend) GetChildren(path string) (*task.Awaiter[backend.ChildrenResult], error) {
	return submit(b, func() backend.ChildrenResult {
		children, err := b.getChildren(path)
		return backend.ChildrenResult{Children: children, Err: err}
	})
}

func (b *Backend) getChildren(path string) ([]string, error) {
	if err := checkFilePath(path); err != nil {
		return nil, err
	}

	st, err := os.Stat(b.realPath(path))
	if err != nil {
		return nil, mapFileError(err)
	}
	if !st.IsDir() {
		return []string{}, nil
	}

	entries, err := os.ReadDir(b.realPath(path))
	if err != nil {
		return nil, mapFileError(err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}
