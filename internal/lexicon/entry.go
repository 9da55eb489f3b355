package lexicon

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// Entry is a lexical entry. Senses, components, and complex forms are separate entities
// attached when a project snapshot is assembled.
type Entry struct {
	ID               uuid.UUID               `json:"id"`
	LexemeForm       MultiString             `json:"lexemeForm"`
	CitationForm     MultiString             `json:"citationForm"`
	LiteralMeaning   MultiString             `json:"literalMeaning"`
	Note             MultiString             `json:"note"`
	ComplexFormTypes []ComplexFormType       `json:"complexFormTypes"`
	Senses           []*Sense                `json:"senses,omitempty"`
	Components       []*ComplexFormComponent `json:"components,omitempty"`
	ComplexForms     []*ComplexFormComponent `json:"complexForms,omitempty"`
	Tombstone
}

func (e *Entry) ObjectID() uuid.UUID { return e.ID }

func (e *Entry) TypeName() TypeName { return TypeEntry }

func (e *Entry) DerivedFields() []string {
	return []string{"senses", "components", "complexForms"}
}

func (e *Entry) clearDerived() {
	e.Senses = nil
	e.Components = nil
	e.ComplexForms = nil
}

func (e *Entry) Copy() Object {
	copied := &Entry{
		ID:               e.ID,
		LexemeForm:       e.LexemeForm.Copy(),
		CitationForm:     e.CitationForm.Copy(),
		LiteralMeaning:   e.LiteralMeaning.Copy(),
		Note:             e.Note.Copy(),
		ComplexFormTypes: copyComplexFormTypes(e.ComplexFormTypes),
		Tombstone:        e.Tombstone.copy(),
	}
	for _, sense := range e.Senses {
		copied.Senses = append(copied.Senses, sense.Copy().(*Sense))
	}
	for _, component := range e.Components {
		copied.Components = append(copied.Components, component.Copy().(*ComplexFormComponent))
	}
	for _, complexForm := range e.ComplexForms {
		copied.ComplexForms = append(copied.ComplexForms, complexForm.Copy().(*ComplexFormComponent))
	}
	return copied
}

func (e *Entry) References() []uuid.UUID {
	references := make([]uuid.UUID, 0, len(e.ComplexFormTypes))
	for _, complexFormType := range e.ComplexFormTypes {
		references = append(references, complexFormType.ID)
	}
	return references
}

func (e *Entry) RemoveReference(id uuid.UUID, _ time.Time) {
	e.ComplexFormTypes = removeComplexFormType(e.ComplexFormTypes, id)
}

// Headword returns the citation form, falling back to the lexeme form, for the
// first writing system that has either.
func (e *Entry) Headword() string {
	seen := make(map[string]struct{})
	for _, forms := range []MultiString{e.CitationForm, e.LexemeForm} {
		for _, ws := range forms.keys() {
			if _, ok := seen[ws]; ok {
				continue
			}
			seen[ws] = struct{}{}
			if headword := e.HeadwordFor(ws); headword != "" {
				return headword
			}
		}
	}
	return ""
}

// HeadwordFor returns the headword in one writing system.
func (e *Entry) HeadwordFor(ws string) string {
	headword := e.CitationForm.Get(ws)
	if headword == "" {
		headword = e.LexemeForm.Get(ws)
	}
	return norm.NFC.String(strings.TrimSpace(headword))
}

// HasComplexFormType reports whether the entry already lists the type.
func (e *Entry) HasComplexFormType(id uuid.UUID) bool {
	for _, complexFormType := range e.ComplexFormTypes {
		if complexFormType.ID == id {
			return true
		}
	}
	return false
}

func copyComplexFormTypes(types []ComplexFormType) []ComplexFormType {
	copied := make([]ComplexFormType, 0, len(types))
	for _, complexFormType := range types {
		copied = append(copied, *complexFormType.Copy().(*ComplexFormType))
	}
	return copied
}

func removeComplexFormType(types []ComplexFormType, id uuid.UUID) []ComplexFormType {
	kept := types[:0]
	for _, complexFormType := range types {
		if complexFormType.ID != id {
			kept = append(kept, complexFormType)
		}
	}
	return kept
}
