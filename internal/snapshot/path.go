package snapshot

import (
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyPath is returned when a write targets an empty dotted path.
var ErrEmptyPath = errors.New("snapshot path is empty")

// SplitPath splits a dotted path into its segments.
func SplitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Lookup resolves a dotted path against root. A missing key, or a segment that
// lands on a non-object, reports ok=false rather than an error.
func Lookup(root Value, path string) (Value, bool) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return nil, false
	}
	cur := root
	for _, seg := range segments {
		obj, isObj := cur.(Object)
		if !isObj {
			return nil, false
		}
		next, exists := obj[seg]
		if !exists {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Set writes v at the dotted path inside obj, creating intermediate objects and
// replacing any non-object found along the way. obj is modified in place.
func Set(obj Object, path string, v Value) error {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return ErrEmptyPath
	}
	if obj == nil {
		return fmt.Errorf("set %s: nil object", path)
	}
	for _, seg := range segments {
		if seg == "" {
			return fmt.Errorf("set %s: empty path segment", path)
		}
	}
	if v == nil {
		v = Null{}
	}
	cur := obj
	for _, seg := range segments[:len(segments)-1] {
		child, ok := cur[seg].(Object)
		if !ok {
			child = Object{}
			cur[seg] = child
		}
		cur = child
	}
	cur[segments[len(segments)-1]] = v
	return nil
}

// Delete removes the value at path. Missing paths are a no-op.
func Delete(obj Object, path string) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return
	}
	cur := obj
	for _, seg := range segments[:len(segments)-1] {
		child, ok := cur[seg].(Object)
		if !ok {
			return
		}
		cur = child
	}
	delete(cur, segments[len(segments)-1])
}
