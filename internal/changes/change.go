// Package changes defines the closed set of typed mutations a commit can carry.
package changes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
)

var (
	// ErrInvalidChange marks a change whose payload violates its own invariants.
	ErrInvalidChange = errors.New("changes: invalid change")
	// ErrUnknownChangeType marks a payload naming a variant outside the registry.
	ErrUnknownChangeType = errors.New("changes: unknown change type")
	// ErrTargetType marks a change applied to an entity of the wrong type.
	ErrTargetType = errors.New("changes: unexpected target type")
)

// Rules reported through ApplyContext.ReportConflict.
const (
	RuleDanglingReference = "dangling_reference"
	RuleReferenceCycle    = "reference_cycle"
)

// ApplyContext exposes the materialized state a change may consult while applying.
type ApplyContext interface {
	CommitID() uuid.UUID
	CommitTime() time.Time
	// Lookup returns the current version of an entity, or nil when it does not exist.
	Lookup(ctx context.Context, id uuid.UUID) (lexicon.Object, error)
	// ReferencingObjects returns current entities whose references include id.
	ReferencingObjects(ctx context.Context, id uuid.UUID) ([]lexicon.Object, error)
	// ReportConflict records a deterministic resolution for diagnostics.
	ReportConflict(rule string, entityID uuid.UUID, referenceID uuid.UUID)
}

// Change is one typed mutation of one entity. The set of implementations is closed.
type Change interface {
	TypeName() string
	TargetID() uuid.UUID
	TargetType() lexicon.TypeName
	// Apply returns the entity after the change. current is owned by the caller and may be modified.
	Apply(ctx context.Context, current lexicon.Object, env ApplyContext) (lexicon.Object, error)
	sealed()
}

// Creator is implemented by changes that bring a new entity into existence.
type Creator interface {
	Change
	NewEntity(ctx context.Context, env ApplyContext) (lexicon.Object, error)
}

// Dependent is implemented by changes that require other entities to exist when committed locally.
type Dependent interface {
	RequiredReferences() []uuid.UUID
}

type validator interface {
	validate() error
}

var registry = map[string]func() Change{
	"CreateEntryChange":             func() Change { return &CreateEntryChange{} },
	"CreateSenseChange":             func() Change { return &CreateSenseChange{} },
	"CreateExampleSentenceChange":   func() Change { return &CreateExampleSentenceChange{} },
	"CreateWritingSystemChange":     func() Change { return &CreateWritingSystemChange{} },
	"CreatePartOfSpeechChange":      func() Change { return &CreatePartOfSpeechChange{} },
	"CreateSemanticDomainChange":    func() Change { return &CreateSemanticDomainChange{} },
	"CreateComplexFormTypeChange":   func() Change { return &CreateComplexFormTypeChange{} },
	"AddEntryComponentChange":       func() Change { return &AddEntryComponentChange{} },
	"DeleteChange":                  func() Change { return &DeleteChange{} },
	"SetFieldChange":                func() Change { return &SetFieldChange{} },
	"SetOrderChange":                func() Change { return &SetOrderChange{} },
	"SetPartOfSpeechChange":         func() Change { return &SetPartOfSpeechChange{} },
	"AddSemanticDomainChange":       func() Change { return &AddSemanticDomainChange{} },
	"RemoveSemanticDomainChange":    func() Change { return &RemoveSemanticDomainChange{} },
	"ReplaceSemanticDomainChange":   func() Change { return &ReplaceSemanticDomainChange{} },
	"SetComplexFormComponentChange": func() Change { return &SetComplexFormComponentChange{} },
	"AddComplexFormTypeChange":      func() Change { return &AddComplexFormTypeChange{} },
	"RemoveComplexFormTypeChange":   func() Change { return &RemoveComplexFormTypeChange{} },
	"ReplaceComplexFormTypeChange":  func() Change { return &ReplaceComplexFormTypeChange{} },
	"JsonPatchChange":               func() Change { return &JsonPatchChange{} },
}

// TypeNames lists every registered change variant.
func TypeNames() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks the invariants shared by every change plus the variant's own.
func Validate(change Change) error {
	if change == nil {
		return fmt.Errorf("%w: nil change", ErrInvalidChange)
	}
	if change.TargetID() == uuid.Nil {
		return fmt.Errorf("%w: %s has no entity id", ErrInvalidChange, change.TypeName())
	}
	if _, err := lexicon.NewObject(change.TargetType()); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidChange, change.TypeName(), err)
	}
	if v, ok := change.(validator); ok {
		if err := v.validate(); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidChange, change.TypeName(), err)
		}
	}
	return nil
}

// Encode returns the registry name and JSON payload of a change.
func Encode(change Change) (string, []byte, error) {
	if change == nil {
		return "", nil, fmt.Errorf("%w: nil change", ErrInvalidChange)
	}
	if _, ok := registry[change.TypeName()]; !ok {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownChangeType, change.TypeName())
	}
	payload, err := json.Marshal(change)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", change.TypeName(), err)
	}
	return change.TypeName(), payload, nil
}

// Decode restores a change from its registry name and payload.
func Decode(typeName string, payload []byte) (Change, error) {
	factory, ok := registry[typeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownChangeType, typeName)
	}
	change := factory()
	if err := json.Unmarshal(payload, change); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrInvalidChange, typeName, err)
	}
	return change, nil
}

// IsCreate reports whether the change creates its target.
func IsCreate(change Change) bool {
	_, ok := change.(Creator)
	return ok
}

func castTarget[T lexicon.Object](current lexicon.Object, change Change) (T, error) {
	typed, ok := current.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s expects %s, got %T", ErrTargetType, change.TypeName(), change.TargetType(), current)
	}
	return typed, nil
}

// lookupLive resolves a reference, returning nil when the entity is absent, deleted, or of another type.
func lookupLive[T lexicon.Object](ctx context.Context, env ApplyContext, id uuid.UUID) (T, bool, error) {
	var zero T
	object, err := env.Lookup(ctx, id)
	if err != nil {
		return zero, false, err
	}
	if object == nil || object.IsDeleted() {
		return zero, false, nil
	}
	typed, ok := object.(T)
	if !ok {
		return zero, false, nil
	}
	return typed, true, nil
}
