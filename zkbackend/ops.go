package zkbackend

import (
	"errors"
	"slices"
	"time"

	"github.com/go-zookeeper/zk"
	"golang.org/x/sync/errgroup"

	"github.com/1261385937/config-monitor/backend"
	"github.com/1261385937/config-monitor/task"
)

const listConcurrency = 8

// Create creates path with all missing ancestors, ancestors are persistent nodes without value.
func (b *Backend) Create(
	path string, value []byte, mode backend.CreateMode, ttl time.Duration,
) (*task.Awaiter[backend.CreateResult], error) {
	conn, _, err := b.getConn()
	if err != nil {
		return nil, err
	}

	a := task.NewAwaiter[backend.CreateResult]()
	if err := backend.CheckCreate(path, mode, ttl); err != nil {
		a.Resume(backend.CreateResult{Err: err})
		return a, nil
	}

	go func() {
		newPath, err := b.createPath(conn, path, value, mode, ttl)
		a.Resume(backend.CreateResult{
			Path: newPath,
			Err:  MapError(err),
		})
	}()
	return a, nil
}

func (b *Backend) createPath(
	conn Conn, path string, value []byte, mode backend.CreateMode, ttl time.Duration,
) (string, error) {
	ancestors, leaf, err := backend.SplitPath(path)
	if err != nil {
		return "", err
	}

	for _, p := range ancestors {
		_, err := conn.Create(p, nil, zk.FlagPersistent, b.opts.acl)
		if err != nil && !errors.Is(err, zk.ErrNodeExists) {
			return "", err
		}
	}

	if mode.NeedsTTL() {
		return conn.CreateTTL(leaf, value, int32(mode), b.opts.acl, ttl)
	}
	return conn.Create(leaf, value, int32(mode), b.opts.acl)
}

// Delete removes path and all of its descendants, children before parents.
// It stops at the first failure, nodes already deleted stay deleted.
func (b *Backend) Delete(path string) (*task.Awaiter[error], error) {
	conn, _, err := b.getConn()
	if err != nil {
		return nil, err
	}

	a := task.NewAwaiter[error]()
	if err := backend.ValidatePath(path); err != nil {
		a.Resume(err)
		return a, nil
	}

	go func() {
		a.Resume(MapError(deleteRecursive(conn, path)))
	}()
	return a, nil
}

func deleteRecursive(conn Conn, path string) error {
	nodes, err := listSubtree(conn, path)
	if err != nil {
		return err
	}

	// nodes is in pre-order, reversed it puts every node after its descendants
	for i := len(nodes) - 1; i >= 0; i-- {
		if err := conn.Delete(nodes[i], -1); err != nil {
			return err
		}
	}
	return nil
}

// listSubtree returns path and all of its descendants in depth-first pre-order.
func listSubtree(conn Conn, path string) ([]string, error) {
	children, _, err := conn.Children(path)
	if err != nil {
		return nil, err
	}
	slices.Sort(children)

	subtrees := make([][]string, len(children))

	var g errgroup.Group
	g.SetLimit(listConcurrency)
	for i, child := range children {
		i, child := i, child
		g.Go(func() error {
			nodes, err := listSubtree(conn, backend.JoinChild(path, child))
			if err != nil {
				return err
			}
			subtrees[i] = nodes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := []string{path}
	for _, nodes := range subtrees {
		result = append(result, nodes...)
	}
	return result, nil
}

// SetValue ...
func (b *Backend) SetValue(path string, value []byte) (*task.Awaiter[error], error) {
	conn, _, err := b.getConn()
	if err != nil {
		return nil, err
	}

	a := task.NewAwaiter[error]()
	go func() {
		_, err := conn.Set(path, value, -1)
		a.Resume(MapError(err))
	}()
	return a, nil
}

// GetValue returns a nil value for a node created without data.
func (b *Backend) GetValue(path string) (*task.Awaiter[backend.ValueResult], error) {
	conn, _, err := b.getConn()
	if err != nil {
		return nil, err
	}

	a := task.NewAwaiter[backend.ValueResult]()
	go func() {
		data, _, err := conn.Get(path)
		a.Resume(backend.ValueResult{
			Value: data,
			Err:   MapError(err),
		})
	}()
	return a, nil
}

// GetChildren returns the sorted child names.
func (b *Backend) GetChildren(path string) (*task.Awaiter[backend.ChildrenResult], error) {
	conn, _, err := b.getConn()
	if err != nil {
		return nil, err
	}

	a := task.NewAwaiter[backend.ChildrenResult]()
	go func() {
		children, _, err := conn.Children(path)
		slices.Sort(children)
		a.Resume(backend.ChildrenResult{
			Children: children,
			Err:      MapError(err),
		})
	}()
	return a, nil
}
