// Package patch rewrites generic JSON Patch edits of an entity into domain changes.
package patch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
)

var (
	// ErrUnsupportedOperation marks an operation the rewriter cannot express as a change.
	ErrUnsupportedOperation = errors.New("patch: unsupported operation")
	// ErrIndexOutOfRange marks a collection index that does not exist in the entity.
	ErrIndexOutOfRange = errors.New("patch: collection index out of range")
)

// IDProvider mints ids for collection items added without one.
type IDProvider interface {
	NewID() (uuid.UUID, error)
}

type uuidV7Provider struct{}

func (uuidV7Provider) NewID() (uuid.UUID, error) {
	return uuid.NewV7()
}

// Rewriter turns patches into changes.
type Rewriter struct {
	ids IDProvider
}

// NewRewriter builds a rewriter; a nil provider mints UUIDv7 ids.
func NewRewriter(ids IDProvider) *Rewriter {
	if ids == nil {
		ids = uuidV7Provider{}
	}
	return &Rewriter{ids: ids}
}

// Rewrite converts operations against before into changes. Collection edits become dedicated
// changes; everything else ends up in at most one JsonPatchChange.
func (r *Rewriter) Rewrite(before lexicon.Object, operations []changes.PatchOperation) ([]changes.Change, error) {
	if before == nil {
		return nil, fmt.Errorf("%w: no entity", ErrUnsupportedOperation)
	}
	switch typed := before.(type) {
	case *lexicon.Sense:
		return r.rewriteSense(typed, operations)
	case *lexicon.Entry:
		return r.rewriteEntry(typed, operations)
	default:
		return genericChange(before, operations, nil)
	}
}

// genericChange collects the operations the caller did not handle into one JsonPatchChange,
// dropping an operation that is immediately overwritten by a later write to the same path.
func genericChange(before lexicon.Object, operations []changes.PatchOperation, handled []changes.Change) ([]changes.Change, error) {
	collapsed := make([]changes.PatchOperation, 0, len(operations))
	for _, operation := range operations {
		if n := len(collapsed); n > 0 && isWrite(operation) && isWrite(collapsed[n-1]) && collapsed[n-1].Path == operation.Path {
			collapsed[n-1] = operation
			continue
		}
		collapsed = append(collapsed, operation)
	}
	if len(collapsed) == 0 {
		return handled, nil
	}
	change, err := changes.NewJsonPatchChange(before.ObjectID(), before.TypeName(), collapsed)
	if err != nil {
		return nil, err
	}
	return append(handled, change), nil
}

func isWrite(operation changes.PatchOperation) bool {
	return operation.Op == changes.OpReplace || operation.Op == changes.OpAdd
}

func decodeValue(operation changes.PatchOperation, target any) error {
	if len(operation.Value) == 0 {
		return fmt.Errorf("%w: %s %s requires a value", ErrUnsupportedOperation, operation.Op, operation.Path)
	}
	if err := json.Unmarshal(operation.Value, target); err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUnsupportedOperation, operation.Op, operation.Path, err)
	}
	return nil
}

// resolveIndex maps an operation's index segment to a position in a collection of length n.
// A missing index means the first element, matching how editors address single-item lists.
func resolveIndex(operation changes.PatchOperation, length int) (int, error) {
	index, _, err := operation.Index(length)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedOperation, err)
	}
	if index < 0 || index >= length {
		return 0, fmt.Errorf("%w: %s (length %d)", ErrIndexOutOfRange, operation.Path, length)
	}
	return index, nil
}

// resolveInsertIndex maps an add operation's index segment to an insertion point in a
// collection of length n. "-" or a missing index appends.
func resolveInsertIndex(operation changes.PatchOperation, length int) (int, error) {
	segments := operation.Segments()
	if len(segments) < 2 || segments[1] == "-" {
		return length, nil
	}
	index, _, err := operation.Index(length + 1)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnsupportedOperation, err)
	}
	if index > length {
		return 0, fmt.Errorf("%w: %s (length %d)", ErrIndexOutOfRange, operation.Path, length)
	}
	return index, nil
}

// resolveAppendIndex is resolveInsertIndex for collections whose changes can only append.
func resolveAppendIndex(operation changes.PatchOperation, length int) error {
	index, err := resolveInsertIndex(operation, length)
	if err != nil {
		return err
	}
	if index != length {
		return fmt.Errorf("%w: %s inserts before existing items; %s only appends", ErrUnsupportedOperation, operation.Path, operation.Field())
	}
	return nil
}

func unsupported(operation changes.PatchOperation) error {
	return fmt.Errorf("%w: %s %s", ErrUnsupportedOperation, operation.Op, operation.Path)
}
