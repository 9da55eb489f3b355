package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"
)

var protectedFields = []string{"id", "deletedAt"}

// DeleteChange soft-deletes any entity.
type DeleteChange struct {
	EntityID   uuid.UUID        `json:"entityId"`
	EntityType lexicon.TypeName `json:"entityType"`
}

// NewDeleteChange builds a delete for the given entity.
func NewDeleteChange(object lexicon.Object) *DeleteChange {
	return &DeleteChange{EntityID: object.ObjectID(), EntityType: object.TypeName()}
}

func (c *DeleteChange) TypeName() string             { return "DeleteChange" }
func (c *DeleteChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *DeleteChange) TargetType() lexicon.TypeName { return c.EntityType }
func (c *DeleteChange) sealed()                      {}

func (c *DeleteChange) Apply(_ context.Context, current lexicon.Object, env ApplyContext) (lexicon.Object, error) {
	current.MarkDeleted(env.CommitTime())
	return current, nil
}

// SetFieldChange overwrites one top-level CRDT-managed field. Concurrent writes to the
// same field resolve last-writer-wins by commit order.
type SetFieldChange struct {
	EntityID   uuid.UUID        `json:"entityId"`
	EntityType lexicon.TypeName `json:"entityType"`
	Field      string           `json:"field"`
	Value      json.RawMessage  `json:"value"`
}

func (c *SetFieldChange) TypeName() string             { return "SetFieldChange" }
func (c *SetFieldChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *SetFieldChange) TargetType() lexicon.TypeName { return c.EntityType }
func (c *SetFieldChange) sealed()                      {}

func (c *SetFieldChange) validate() error {
	if c.Field == "" {
		return errors.New("field required")
	}
	if slices.Contains(protectedFields, c.Field) {
		return fmt.Errorf("field %q is not writable", c.Field)
	}
	if len(c.Value) == 0 || !json.Valid(c.Value) {
		return errors.New("value must be valid JSON")
	}
	return nil
}

func (c *SetFieldChange) Apply(_ context.Context, current lexicon.Object, _ ApplyContext) (lexicon.Object, error) {
	if slices.Contains(current.DerivedFields(), c.Field) {
		return nil, fmt.Errorf("%w: field %q of %s is derived", ErrInvalidChange, c.Field, current.TypeName())
	}
	stored, err := lexicon.EncodeObject(current)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(stored, &fields); err != nil {
		return nil, err
	}
	if _, ok := fields[c.Field]; !ok {
		return nil, fmt.Errorf("%w: %s has no field %q", ErrInvalidChange, current.TypeName(), c.Field)
	}
	fields[c.Field] = c.Value
	updated, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return decodeKeepingIdentity(current, updated)
}

// SetOrderChange moves an orderable entity among its siblings.
type SetOrderChange struct {
	EntityID   uuid.UUID        `json:"entityId"`
	EntityType lexicon.TypeName `json:"entityType"`
	Order      float64          `json:"order"`
}

func (c *SetOrderChange) TypeName() string             { return "SetOrderChange" }
func (c *SetOrderChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *SetOrderChange) TargetType() lexicon.TypeName { return c.EntityType }
func (c *SetOrderChange) sealed()                      {}

func (c *SetOrderChange) Apply(_ context.Context, current lexicon.Object, _ ApplyContext) (lexicon.Object, error) {
	orderable, err := castTarget[lexicon.Orderable](current, c)
	if err != nil {
		return nil, err
	}
	orderable.SetOrder(c.Order)
	return orderable, nil
}

// JsonPatchChange carries field edits that have no dedicated change type.
type JsonPatchChange struct {
	EntityID   uuid.UUID        `json:"entityId"`
	EntityType lexicon.TypeName `json:"entityType"`
	Operations []PatchOperation `json:"operations"`
}

// NewJsonPatchChange validates the operations against the target entity type.
func NewJsonPatchChange(entityID uuid.UUID, entityType lexicon.TypeName, operations []PatchOperation) (*JsonPatchChange, error) {
	change := &JsonPatchChange{EntityID: entityID, EntityType: entityType, Operations: operations}
	if err := Validate(change); err != nil {
		return nil, err
	}
	return change, nil
}

func (c *JsonPatchChange) TypeName() string             { return "JsonPatchChange" }
func (c *JsonPatchChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *JsonPatchChange) TargetType() lexicon.TypeName { return c.EntityType }
func (c *JsonPatchChange) sealed()                      {}

func (c *JsonPatchChange) validate() error {
	if len(c.Operations) == 0 {
		return errors.New("at least one operation required")
	}
	template, err := lexicon.NewObject(c.EntityType)
	if err != nil {
		return err
	}
	for _, operation := range c.Operations {
		switch operation.Op {
		case OpAdd, OpRemove, OpReplace, OpMove, OpCopy, OpTest:
		default:
			return fmt.Errorf("unsupported operation %q", operation.Op)
		}
		for _, path := range []string{operation.Path, operation.From} {
			field := PatchOperation{Path: path}.Field()
			if slices.Contains(protectedFields, field) || slices.Contains(template.DerivedFields(), field) {
				return fmt.Errorf("path %q is not writable", path)
			}
		}
		if operation.Field() == "" {
			return errors.New("operations must target a field")
		}
	}
	return nil
}

func (c *JsonPatchChange) Apply(_ context.Context, current lexicon.Object, _ ApplyContext) (lexicon.Object, error) {
	return ApplyPatch(current, c.Operations)
}

// ApplyPatch applies RFC 6902 operations to the stored form of an entity. A replace of an
// object member behaves like add, so localized text can be set for a writing system that
// had no value.
func ApplyPatch(current lexicon.Object, operations []PatchOperation) (lexicon.Object, error) {
	stored, err := lexicon.EncodeObject(current)
	if err != nil {
		return nil, err
	}
	normalized := make([]PatchOperation, 0, len(operations))
	for _, operation := range operations {
		segments := operation.Segments()
		if operation.Op == OpReplace && len(segments) > 0 && !isIndexSegment(segments[len(segments)-1]) {
			operation.Op = OpAdd
		}
		normalized = append(normalized, operation)
	}
	encodedPatch, err := json.Marshal(normalized)
	if err != nil {
		return nil, err
	}
	patch, err := jsonpatch.DecodePatch(encodedPatch)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	options := jsonpatch.NewApplyOptions()
	options.EnsurePathExistsOnAdd = true
	options.AllowMissingPathOnRemove = true
	patched, err := patch.ApplyWithOptions(stored, options)
	if err != nil {
		return nil, fmt.Errorf("%w: apply patch to %s %s: %v", ErrInvalidChange, current.TypeName(), current.ObjectID(), err)
	}
	return decodeKeepingIdentity(current, patched)
}

func decodeKeepingIdentity(current lexicon.Object, data []byte) (lexicon.Object, error) {
	updated, err := lexicon.DecodeObject(current.TypeName(), data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	if updated.ObjectID() != current.ObjectID() {
		return nil, fmt.Errorf("%w: entity id cannot change", ErrInvalidChange)
	}
	return updated, nil
}
