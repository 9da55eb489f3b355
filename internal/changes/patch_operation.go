package changes

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// JSON Patch operation names.
const (
	OpAdd     = "add"
	OpRemove  = "remove"
	OpReplace = "replace"
	OpMove    = "move"
	OpCopy    = "copy"
	OpTest    = "test"
)

// PatchOperation is one RFC 6902 operation.
type PatchOperation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Segments splits the JSON pointer path into unescaped tokens.
func (o PatchOperation) Segments() []string {
	return splitPointer(o.Path)
}

// Field returns the first path segment, the top-level field the operation touches.
func (o PatchOperation) Field() string {
	segments := o.Segments()
	if len(segments) == 0 {
		return ""
	}
	return segments[0]
}

// Index interprets the second path segment as a collection index. "-" resolves to
// the last element of a collection of the given length; a missing segment resolves to 0.
func (o PatchOperation) Index(length int) (int, bool, error) {
	segments := o.Segments()
	if len(segments) < 2 {
		return 0, false, nil
	}
	if segments[1] == "-" {
		return length - 1, true, nil
	}
	index, err := strconv.Atoi(segments[1])
	if err != nil || index < 0 {
		return 0, true, fmt.Errorf("invalid collection index %q in %s", segments[1], o.Path)
	}
	return index, true, nil
}

func splitPointer(path string) []string {
	trimmed := strings.TrimPrefix(path, "/")
	if trimmed == "" {
		return nil
	}
	segments := strings.Split(trimmed, "/")
	for i, segment := range segments {
		segment = strings.ReplaceAll(segment, "~1", "/")
		segments[i] = strings.ReplaceAll(segment, "~0", "~")
	}
	return segments
}

func isIndexSegment(segment string) bool {
	if segment == "-" {
		return true
	}
	_, err := strconv.Atoi(segment)
	return err == nil
}
