// Package lexicon defines the entities stored in a project and the capability every
// entity exposes to the change engine.
package lexicon

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// TypeName identifies an entity type in snapshots and on the wire.
type TypeName string

const (
	TypeEntry                TypeName = "Entry"
	TypeSense                TypeName = "Sense"
	TypeExampleSentence      TypeName = "ExampleSentence"
	TypeWritingSystem        TypeName = "WritingSystem"
	TypePartOfSpeech         TypeName = "PartOfSpeech"
	TypeSemanticDomain       TypeName = "SemanticDomain"
	TypeComplexFormType      TypeName = "ComplexFormType"
	TypeComplexFormComponent TypeName = "ComplexFormComponent"
)

var (
	// ErrUnknownType indicates a snapshot or change names an entity type outside the closed set.
	ErrUnknownType = errors.New("lexicon: unknown entity type")
)

// Object is implemented by every entity the change engine can materialize.
type Object interface {
	ObjectID() uuid.UUID
	TypeName() TypeName
	// Copy returns a deep copy with nil maps and slices normalized to empty values.
	Copy() Object
	// References lists the ids of other entities this entity depends on.
	References() []uuid.UUID
	// RemoveReference drops a dependency on a deleted entity, deleting this entity when it cannot exist without it.
	RemoveReference(id uuid.UUID, at time.Time)
	IsDeleted() bool
	MarkDeleted(at time.Time)
	// DerivedFields names the JSON fields that are assembled from other entities and never stored.
	DerivedFields() []string
	clearDerived()
}

// Orderable entities carry an explicit fractional position among their siblings.
type Orderable interface {
	Object
	OrderValue() float64
	SetOrder(order float64)
}

// Tombstone records soft deletion.
type Tombstone struct {
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// IsDeleted reports whether the entity was soft deleted.
func (t *Tombstone) IsDeleted() bool {
	return t.DeletedAt != nil
}

// MarkDeleted sets the deletion time once; later deletions keep the first time.
func (t *Tombstone) MarkDeleted(at time.Time) {
	if t.DeletedAt != nil {
		return
	}
	deletedAt := at.UTC()
	t.DeletedAt = &deletedAt
}

func (t Tombstone) copy() Tombstone {
	if t.DeletedAt == nil {
		return Tombstone{}
	}
	deletedAt := *t.DeletedAt
	return Tombstone{DeletedAt: &deletedAt}
}

// MultiString maps writing system ids to text.
type MultiString map[string]string

// Copy returns an NFC-normalized copy; nil becomes an empty map.
func (m MultiString) Copy() MultiString {
	copied := make(MultiString, len(m))
	for ws, value := range m {
		copied[ws] = norm.NFC.String(value)
	}
	return copied
}

// Get returns the trimmed text for a writing system.
func (m MultiString) Get(ws string) string {
	return strings.TrimSpace(m[ws])
}

func (m MultiString) keys() []string {
	keys := make([]string, 0, len(m))
	for ws := range m {
		keys = append(keys, ws)
	}
	sort.Strings(keys)
	return keys
}

// NewObject returns an empty entity of the named type.
func NewObject(typeName TypeName) (Object, error) {
	switch typeName {
	case TypeEntry:
		return &Entry{}, nil
	case TypeSense:
		return &Sense{}, nil
	case TypeExampleSentence:
		return &ExampleSentence{}, nil
	case TypeWritingSystem:
		return &WritingSystem{}, nil
	case TypePartOfSpeech:
		return &PartOfSpeech{}, nil
	case TypeSemanticDomain:
		return &SemanticDomain{}, nil
	case TypeComplexFormType:
		return &ComplexFormType{}, nil
	case TypeComplexFormComponent:
		return &ComplexFormComponent{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}
}

// EncodeObject serializes the stored form of an entity: derived fields cleared, collections normalized.
func EncodeObject(object Object) ([]byte, error) {
	stored := object.Copy()
	stored.clearDerived()
	return json.Marshal(stored)
}

// DecodeObject restores an entity from its stored form.
func DecodeObject(typeName TypeName, data []byte) (Object, error) {
	object, err := NewObject(typeName)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, object); err != nil {
		return nil, fmt.Errorf("decode %s: %w", typeName, err)
	}
	return object.Copy(), nil
}

// ContainsReference reports whether the object currently depends on id.
func ContainsReference(object Object, id uuid.UUID) bool {
	for _, reference := range object.References() {
		if reference == id {
			return true
		}
	}
	return false
}

func copyIDPointer(id *uuid.UUID) *uuid.UUID {
	if id == nil {
		return nil
	}
	copied := *id
	return &copied
}

func appendReference(references []uuid.UUID, id *uuid.UUID) []uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return references
	}
	return append(references, *id)
}
