package lexicon

import (
	"time"

	"github.com/google/uuid"
)

// Sense is one meaning of an entry.
type Sense struct {
	ID               uuid.UUID          `json:"id"`
	EntryID          uuid.UUID          `json:"entryId"`
	Order            float64            `json:"order"`
	Definition       MultiString        `json:"definition"`
	Gloss            MultiString        `json:"gloss"`
	PartOfSpeechID   *uuid.UUID         `json:"partOfSpeechId"`
	SemanticDomains  []SemanticDomain   `json:"semanticDomains"`
	PartOfSpeech     *PartOfSpeech      `json:"partOfSpeech,omitempty"`
	ExampleSentences []*ExampleSentence `json:"exampleSentences,omitempty"`
	Tombstone
}

func (s *Sense) ObjectID() uuid.UUID { return s.ID }

func (s *Sense) TypeName() TypeName { return TypeSense }

func (s *Sense) OrderValue() float64 { return s.Order }

func (s *Sense) SetOrder(order float64) { s.Order = order }

func (s *Sense) DerivedFields() []string {
	return []string{"partOfSpeech", "exampleSentences"}
}

func (s *Sense) clearDerived() {
	s.PartOfSpeech = nil
	s.ExampleSentences = nil
}

func (s *Sense) Copy() Object {
	copied := &Sense{
		ID:              s.ID,
		EntryID:         s.EntryID,
		Order:           s.Order,
		Definition:      s.Definition.Copy(),
		Gloss:           s.Gloss.Copy(),
		PartOfSpeechID:  copyIDPointer(s.PartOfSpeechID),
		SemanticDomains: make([]SemanticDomain, 0, len(s.SemanticDomains)),
		Tombstone:       s.Tombstone.copy(),
	}
	for _, domain := range s.SemanticDomains {
		copied.SemanticDomains = append(copied.SemanticDomains, *domain.Copy().(*SemanticDomain))
	}
	if s.PartOfSpeech != nil {
		copied.PartOfSpeech = s.PartOfSpeech.Copy().(*PartOfSpeech)
	}
	for _, example := range s.ExampleSentences {
		copied.ExampleSentences = append(copied.ExampleSentences, example.Copy().(*ExampleSentence))
	}
	return copied
}

func (s *Sense) References() []uuid.UUID {
	references := []uuid.UUID{s.EntryID}
	references = appendReference(references, s.PartOfSpeechID)
	for _, domain := range s.SemanticDomains {
		references = append(references, domain.ID)
	}
	return references
}

func (s *Sense) RemoveReference(id uuid.UUID, at time.Time) {
	if id == s.EntryID {
		s.MarkDeleted(at)
	}
	if s.PartOfSpeechID != nil && *s.PartOfSpeechID == id {
		s.PartOfSpeechID = nil
	}
	s.SemanticDomains = removeSemanticDomain(s.SemanticDomains, id)
}

// SemanticDomainIndex returns the position of a domain in the sense's list, or -1.
func (s *Sense) SemanticDomainIndex(id uuid.UUID) int {
	for index, domain := range s.SemanticDomains {
		if domain.ID == id {
			return index
		}
	}
	return -1
}

func removeSemanticDomain(domains []SemanticDomain, id uuid.UUID) []SemanticDomain {
	kept := domains[:0]
	for _, domain := range domains {
		if domain.ID != id {
			kept = append(kept, domain)
		}
	}
	return kept
}

// ExampleSentence illustrates a sense.
type ExampleSentence struct {
	ID          uuid.UUID   `json:"id"`
	SenseID     uuid.UUID   `json:"senseId"`
	Order       float64     `json:"order"`
	Sentence    MultiString `json:"sentence"`
	Translation MultiString `json:"translation"`
	Reference   string      `json:"reference"`
	Tombstone
}

func (e *ExampleSentence) ObjectID() uuid.UUID { return e.ID }

func (e *ExampleSentence) TypeName() TypeName { return TypeExampleSentence }

func (e *ExampleSentence) OrderValue() float64 { return e.Order }

func (e *ExampleSentence) SetOrder(order float64) { e.Order = order }

func (e *ExampleSentence) DerivedFields() []string { return nil }

func (e *ExampleSentence) clearDerived() {}

func (e *ExampleSentence) Copy() Object {
	return &ExampleSentence{
		ID:          e.ID,
		SenseID:     e.SenseID,
		Order:       e.Order,
		Sentence:    e.Sentence.Copy(),
		Translation: e.Translation.Copy(),
		Reference:   e.Reference,
		Tombstone:   e.Tombstone.copy(),
	}
}

func (e *ExampleSentence) References() []uuid.UUID {
	return []uuid.UUID{e.SenseID}
}

func (e *ExampleSentence) RemoveReference(id uuid.UUID, at time.Time) {
	if id == e.SenseID {
		e.MarkDeleted(at)
	}
}
