package changes

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
)

// CreateEntryChange creates an entry.
type CreateEntryChange struct {
	EntityID         uuid.UUID                 `json:"entityId"`
	LexemeForm       lexicon.MultiString       `json:"lexemeForm,omitempty"`
	CitationForm     lexicon.MultiString       `json:"citationForm,omitempty"`
	LiteralMeaning   lexicon.MultiString       `json:"literalMeaning,omitempty"`
	Note             lexicon.MultiString       `json:"note,omitempty"`
	ComplexFormTypes []lexicon.ComplexFormType `json:"complexFormTypes,omitempty"`
}

func (c *CreateEntryChange) TypeName() string             { return "CreateEntryChange" }
func (c *CreateEntryChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *CreateEntryChange) TargetType() lexicon.TypeName { return lexicon.TypeEntry }
func (c *CreateEntryChange) sealed()                      {}

func (c *CreateEntryChange) RequiredReferences() []uuid.UUID {
	references := make([]uuid.UUID, 0, len(c.ComplexFormTypes))
	for _, complexFormType := range c.ComplexFormTypes {
		references = append(references, complexFormType.ID)
	}
	return references
}

func (c *CreateEntryChange) NewEntity(ctx context.Context, env ApplyContext) (lexicon.Object, error) {
	entry := &lexicon.Entry{
		ID:             c.EntityID,
		LexemeForm:     c.LexemeForm,
		CitationForm:   c.CitationForm,
		LiteralMeaning: c.LiteralMeaning,
		Note:           c.Note,
	}
	for _, complexFormType := range c.ComplexFormTypes {
		if _, ok, err := lookupLive[*lexicon.ComplexFormType](ctx, env, complexFormType.ID); err != nil {
			return nil, err
		} else if !ok {
			env.ReportConflict(RuleDanglingReference, c.EntityID, complexFormType.ID)
			continue
		}
		if !entry.HasComplexFormType(complexFormType.ID) {
			entry.ComplexFormTypes = append(entry.ComplexFormTypes, complexFormType)
		}
	}
	return entry.Copy(), nil
}

func (c *CreateEntryChange) Apply(_ context.Context, current lexicon.Object, _ ApplyContext) (lexicon.Object, error) {
	return current, nil
}

// CreateSenseChange creates a sense under an entry.
type CreateSenseChange struct {
	EntityID        uuid.UUID                `json:"entityId"`
	EntryID         uuid.UUID                `json:"entryId"`
	Order           float64                  `json:"order"`
	Definition      lexicon.MultiString      `json:"definition,omitempty"`
	Gloss           lexicon.MultiString      `json:"gloss,omitempty"`
	PartOfSpeechID  *uuid.UUID               `json:"partOfSpeechId,omitempty"`
	SemanticDomains []lexicon.SemanticDomain `json:"semanticDomains,omitempty"`
}

func (c *CreateSenseChange) TypeName() string             { return "CreateSenseChange" }
func (c *CreateSenseChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *CreateSenseChange) TargetType() lexicon.TypeName { return lexicon.TypeSense }
func (c *CreateSenseChange) sealed()                      {}

func (c *CreateSenseChange) validate() error {
	if c.EntryID == uuid.Nil {
		return errors.New("entry id required")
	}
	return nil
}

func (c *CreateSenseChange) RequiredReferences() []uuid.UUID {
	references := []uuid.UUID{c.EntryID}
	if c.PartOfSpeechID != nil {
		references = append(references, *c.PartOfSpeechID)
	}
	for _, domain := range c.SemanticDomains {
		references = append(references, domain.ID)
	}
	return references
}

func (c *CreateSenseChange) NewEntity(ctx context.Context, env ApplyContext) (lexicon.Object, error) {
	sense := &lexicon.Sense{
		ID:         c.EntityID,
		EntryID:    c.EntryID,
		Order:      c.Order,
		Definition: c.Definition,
		Gloss:      c.Gloss,
	}
	if _, ok, err := lookupLive[*lexicon.Entry](ctx, env, c.EntryID); err != nil {
		return nil, err
	} else if !ok {
		env.ReportConflict(RuleDanglingReference, c.EntityID, c.EntryID)
		sense.MarkDeleted(env.CommitTime())
	}
	if c.PartOfSpeechID != nil {
		if _, ok, err := lookupLive[*lexicon.PartOfSpeech](ctx, env, *c.PartOfSpeechID); err != nil {
			return nil, err
		} else if ok {
			partOfSpeechID := *c.PartOfSpeechID
			sense.PartOfSpeechID = &partOfSpeechID
		} else {
			env.ReportConflict(RuleDanglingReference, c.EntityID, *c.PartOfSpeechID)
		}
	}
	for _, domain := range c.SemanticDomains {
		if _, ok, err := lookupLive[*lexicon.SemanticDomain](ctx, env, domain.ID); err != nil {
			return nil, err
		} else if !ok {
			env.ReportConflict(RuleDanglingReference, c.EntityID, domain.ID)
			continue
		}
		if sense.SemanticDomainIndex(domain.ID) < 0 {
			sense.SemanticDomains = append(sense.SemanticDomains, domain)
		}
	}
	return sense.Copy(), nil
}

func (c *CreateSenseChange) Apply(_ context.Context, current lexicon.Object, _ ApplyContext) (lexicon.Object, error) {
	return current, nil
}

// CreateExampleSentenceChange creates an example sentence under a sense.
type CreateExampleSentenceChange struct {
	EntityID    uuid.UUID           `json:"entityId"`
	SenseID     uuid.UUID           `json:"senseId"`
	Order       float64             `json:"order"`
	Sentence    lexicon.MultiString `json:"sentence,omitempty"`
	Translation lexicon.MultiString `json:"translation,omitempty"`
	Reference   string              `json:"reference,omitempty"`
}

func (c *CreateExampleSentenceChange) TypeName() string             { return "CreateExampleSentenceChange" }
func (c *CreateExampleSentenceChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *CreateExampleSentenceChange) TargetType() lexicon.TypeName { return lexicon.TypeExampleSentence }
func (c *CreateExampleSentenceChange) sealed()                      {}

func (c *CreateExampleSentenceChange) validate() error {
	if c.SenseID == uuid.Nil {
		return errors.New("sense id required")
	}
	return nil
}

func (c *CreateExampleSentenceChange) RequiredReferences() []uuid.UUID {
	return []uuid.UUID{c.SenseID}
}

func (c *CreateExampleSentenceChange) NewEntity(ctx context.Context, env ApplyContext) (lexicon.Object, error) {
	example := &lexicon.ExampleSentence{
		ID:          c.EntityID,
		SenseID:     c.SenseID,
		Order:       c.Order,
		Sentence:    c.Sentence,
		Translation: c.Translation,
		Reference:   c.Reference,
	}
	if _, ok, err := lookupLive[*lexicon.Sense](ctx, env, c.SenseID); err != nil {
		return nil, err
	} else if !ok {
		env.ReportConflict(RuleDanglingReference, c.EntityID, c.SenseID)
		example.MarkDeleted(env.CommitTime())
	}
	return example.Copy(), nil
}

func (c *CreateExampleSentenceChange) Apply(_ context.Context, current lexicon.Object, _ ApplyContext) (lexicon.Object, error) {
	return current, nil
}

// CreateWritingSystemChange registers a writing system.
type CreateWritingSystemChange struct {
	EntityID     uuid.UUID                 `json:"entityId"`
	WsID         string                    `json:"wsId"`
	Name         string                    `json:"name"`
	Abbreviation string                    `json:"abbreviation,omitempty"`
	Font         string                    `json:"font,omitempty"`
	Exemplars    []string                  `json:"exemplars,omitempty"`
	Type         lexicon.WritingSystemType `json:"type"`
	Order        float64                   `json:"order"`
}

func (c *CreateWritingSystemChange) TypeName() string             { return "CreateWritingSystemChange" }
func (c *CreateWritingSystemChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *CreateWritingSystemChange) TargetType() lexicon.TypeName { return lexicon.TypeWritingSystem }
func (c *CreateWritingSystemChange) sealed()                      {}

func (c *CreateWritingSystemChange) validate() error {
	if strings.TrimSpace(c.WsID) == "" {
		return errors.New("writing system id required")
	}
	if c.Type != lexicon.WritingSystemVernacular && c.Type != lexicon.WritingSystemAnalysis {
		return errors.New("writing system type must be vernacular or analysis")
	}
	return nil
}

func (c *CreateWritingSystemChange) NewEntity(context.Context, ApplyContext) (lexicon.Object, error) {
	writingSystem := &lexicon.WritingSystem{
		ID:           c.EntityID,
		WsID:         strings.TrimSpace(c.WsID),
		Name:         c.Name,
		Abbreviation: c.Abbreviation,
		Font:         c.Font,
		Exemplars:    c.Exemplars,
		Type:         c.Type,
		Order:        c.Order,
	}
	return writingSystem.Copy(), nil
}

func (c *CreateWritingSystemChange) Apply(_ context.Context, current lexicon.Object, _ ApplyContext) (lexicon.Object, error) {
	return current, nil
}

// CreatePartOfSpeechChange creates a part of speech.
type CreatePartOfSpeechChange struct {
	EntityID   uuid.UUID           `json:"entityId"`
	Name       lexicon.MultiString `json:"name,omitempty"`
	Predefined bool                `json:"predefined,omitempty"`
}

func (c *CreatePartOfSpeechChange) TypeName() string             { return "CreatePartOfSpeechChange" }
func (c *CreatePartOfSpeechChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *CreatePartOfSpeechChange) TargetType() lexicon.TypeName { return lexicon.TypePartOfSpeech }
func (c *CreatePartOfSpeechChange) sealed()                      {}

func (c *CreatePartOfSpeechChange) NewEntity(context.Context, ApplyContext) (lexicon.Object, error) {
	partOfSpeech := &lexicon.PartOfSpeech{ID: c.EntityID, Name: c.Name, Predefined: c.Predefined}
	return partOfSpeech.Copy(), nil
}

func (c *CreatePartOfSpeechChange) Apply(_ context.Context, current lexicon.Object, _ ApplyContext) (lexicon.Object, error) {
	return current, nil
}

// CreateSemanticDomainChange creates a semantic domain.
type CreateSemanticDomainChange struct {
	EntityID   uuid.UUID           `json:"entityId"`
	Name       lexicon.MultiString `json:"name,omitempty"`
	Code       string              `json:"code"`
	Predefined bool                `json:"predefined,omitempty"`
}

func (c *CreateSemanticDomainChange) TypeName() string             { return "CreateSemanticDomainChange" }
func (c *CreateSemanticDomainChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *CreateSemanticDomainChange) TargetType() lexicon.TypeName { return lexicon.TypeSemanticDomain }
func (c *CreateSemanticDomainChange) sealed()                      {}

func (c *CreateSemanticDomainChange) NewEntity(context.Context, ApplyContext) (lexicon.Object, error) {
	domain := &lexicon.SemanticDomain{ID: c.EntityID, Name: c.Name, Code: c.Code, Predefined: c.Predefined}
	return domain.Copy(), nil
}

func (c *CreateSemanticDomainChange) Apply(_ context.Context, current lexicon.Object, _ ApplyContext) (lexicon.Object, error) {
	return current, nil
}

// CreateComplexFormTypeChange creates a complex form type.
type CreateComplexFormTypeChange struct {
	EntityID uuid.UUID           `json:"entityId"`
	Name     lexicon.MultiString `json:"name,omitempty"`
}

func (c *CreateComplexFormTypeChange) TypeName() string             { return "CreateComplexFormTypeChange" }
func (c *CreateComplexFormTypeChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *CreateComplexFormTypeChange) TargetType() lexicon.TypeName { return lexicon.TypeComplexFormType }
func (c *CreateComplexFormTypeChange) sealed()                      {}

func (c *CreateComplexFormTypeChange) NewEntity(context.Context, ApplyContext) (lexicon.Object, error) {
	complexFormType := &lexicon.ComplexFormType{ID: c.EntityID, Name: c.Name}
	return complexFormType.Copy(), nil
}

func (c *CreateComplexFormTypeChange) Apply(_ context.Context, current lexicon.Object, _ ApplyContext) (lexicon.Object, error) {
	return current, nil
}
