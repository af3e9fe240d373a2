package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/S1riyS/naivefs/internal/storage"
)

// Resolve walks an absolute path down to the directory that contains its last
// component. It returns that directory, opened and owned by the caller, and the
// index of the last '/' in path, so SplitLast(path, idx) is the name to look
// up in it. Empty components are skipped.
func (e *Engine) Resolve(path string) (*DirRecord, int, error) {
	const op = "engine.Engine.Resolve"

	if !strings.HasPrefix(path, "/") {
		return nil, 0, fmt.Errorf("%s: `%s` is not absolute: %w", op, path, storage.ErrInvalid)
	}
	last := strings.LastIndexByte(path, '/')

	rec, err := e.OpenDir(storage.RootBlock)
	if err != nil {
		return nil, 0, fmt.Errorf("%s: %w", op, err)
	}

	for _, name := range strings.Split(path[1:last+1], "/") {
		if name == "" {
			continue
		}
		next, err := e.step(rec, name)
		if err != nil {
			return nil, 0, fmt.Errorf("%s: `%s`: %w", op, path, errors.Join(err, rec.Release()))
		}
		if err := rec.Release(); err != nil {
			next.Release()
			return nil, 0, fmt.Errorf("%s: %w", op, err)
		}
		rec = next
	}
	return rec, last, nil
}

// SplitLast returns the component of path after the '/' at idx.
func SplitLast(path string, idx int) string {
	return path[idx+1:]
}

// step opens the directory called name inside rec.
func (e *Engine) step(rec *DirRecord, name string) (*DirRecord, error) {
	i, ok := rec.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("`%s`: %w", name, storage.ErrNotFound)
	}
	next, err := e.OpenDir(rec.Entries[i].Block)
	if err != nil {
		return nil, fmt.Errorf("`%s`: %w", name, err)
	}
	return next, nil
}
