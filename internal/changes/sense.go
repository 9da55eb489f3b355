package changes

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
)

// SetPartOfSpeechChange points a sense at a part of speech, or clears it when nil.
type SetPartOfSpeechChange struct {
	EntityID       uuid.UUID  `json:"entityId"`
	PartOfSpeechID *uuid.UUID `json:"partOfSpeechId"`
}

func (c *SetPartOfSpeechChange) TypeName() string             { return "SetPartOfSpeechChange" }
func (c *SetPartOfSpeechChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *SetPartOfSpeechChange) TargetType() lexicon.TypeName { return lexicon.TypeSense }
func (c *SetPartOfSpeechChange) sealed()                      {}

func (c *SetPartOfSpeechChange) RequiredReferences() []uuid.UUID {
	if c.PartOfSpeechID == nil {
		return nil
	}
	return []uuid.UUID{*c.PartOfSpeechID}
}

func (c *SetPartOfSpeechChange) Apply(ctx context.Context, current lexicon.Object, env ApplyContext) (lexicon.Object, error) {
	sense, err := castTarget[*lexicon.Sense](current, c)
	if err != nil {
		return nil, err
	}
	if c.PartOfSpeechID == nil {
		sense.PartOfSpeechID = nil
		return sense, nil
	}
	_, ok, err := lookupLive[*lexicon.PartOfSpeech](ctx, env, *c.PartOfSpeechID)
	if err != nil {
		return nil, err
	}
	if !ok {
		env.ReportConflict(RuleDanglingReference, c.EntityID, *c.PartOfSpeechID)
		sense.PartOfSpeechID = nil
		return sense, nil
	}
	partOfSpeechID := *c.PartOfSpeechID
	sense.PartOfSpeechID = &partOfSpeechID
	return sense, nil
}

// AddSemanticDomainChange adds a domain to a sense. Adding a domain already present is a no-op.
type AddSemanticDomainChange struct {
	EntityID       uuid.UUID              `json:"entityId"`
	SemanticDomain lexicon.SemanticDomain `json:"semanticDomain"`
}

func (c *AddSemanticDomainChange) TypeName() string             { return "AddSemanticDomainChange" }
func (c *AddSemanticDomainChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *AddSemanticDomainChange) TargetType() lexicon.TypeName { return lexicon.TypeSense }
func (c *AddSemanticDomainChange) sealed()                      {}

func (c *AddSemanticDomainChange) validate() error {
	if c.SemanticDomain.ID == uuid.Nil {
		return errors.New("semantic domain id required")
	}
	return nil
}

func (c *AddSemanticDomainChange) RequiredReferences() []uuid.UUID {
	return []uuid.UUID{c.SemanticDomain.ID}
}

func (c *AddSemanticDomainChange) Apply(ctx context.Context, current lexicon.Object, env ApplyContext) (lexicon.Object, error) {
	sense, err := castTarget[*lexicon.Sense](current, c)
	if err != nil {
		return nil, err
	}
	if sense.SemanticDomainIndex(c.SemanticDomain.ID) >= 0 {
		return sense, nil
	}
	_, ok, err := lookupLive[*lexicon.SemanticDomain](ctx, env, c.SemanticDomain.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		env.ReportConflict(RuleDanglingReference, c.EntityID, c.SemanticDomain.ID)
		return sense, nil
	}
	sense.SemanticDomains = append(sense.SemanticDomains, *c.SemanticDomain.Copy().(*lexicon.SemanticDomain))
	return sense, nil
}

// RemoveSemanticDomainChange removes a domain from a sense by id.
type RemoveSemanticDomainChange struct {
	EntityID         uuid.UUID `json:"entityId"`
	SemanticDomainID uuid.UUID `json:"semanticDomainId"`
}

func (c *RemoveSemanticDomainChange) TypeName() string             { return "RemoveSemanticDomainChange" }
func (c *RemoveSemanticDomainChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *RemoveSemanticDomainChange) TargetType() lexicon.TypeName { return lexicon.TypeSense }
func (c *RemoveSemanticDomainChange) sealed()                      {}

func (c *RemoveSemanticDomainChange) Apply(_ context.Context, current lexicon.Object, _ ApplyContext) (lexicon.Object, error) {
	sense, err := castTarget[*lexicon.Sense](current, c)
	if err != nil {
		return nil, err
	}
	if index := sense.SemanticDomainIndex(c.SemanticDomainID); index >= 0 {
		sense.SemanticDomains = append(sense.SemanticDomains[:index], sense.SemanticDomains[index+1:]...)
	}
	return sense, nil
}

// ReplaceSemanticDomainChange swaps one domain for another in place.
type ReplaceSemanticDomainChange struct {
	EntityID            uuid.UUID              `json:"entityId"`
	OldSemanticDomainID uuid.UUID              `json:"oldSemanticDomainId"`
	SemanticDomain      lexicon.SemanticDomain `json:"semanticDomain"`
}

func (c *ReplaceSemanticDomainChange) TypeName() string             { return "ReplaceSemanticDomainChange" }
func (c *ReplaceSemanticDomainChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *ReplaceSemanticDomainChange) TargetType() lexicon.TypeName { return lexicon.TypeSense }
func (c *ReplaceSemanticDomainChange) sealed()                      {}

func (c *ReplaceSemanticDomainChange) validate() error {
	if c.SemanticDomain.ID == uuid.Nil || c.OldSemanticDomainID == uuid.Nil {
		return errors.New("old and new semantic domain ids required")
	}
	return nil
}

func (c *ReplaceSemanticDomainChange) RequiredReferences() []uuid.UUID {
	return []uuid.UUID{c.SemanticDomain.ID}
}

func (c *ReplaceSemanticDomainChange) Apply(ctx context.Context, current lexicon.Object, env ApplyContext) (lexicon.Object, error) {
	sense, err := castTarget[*lexicon.Sense](current, c)
	if err != nil {
		return nil, err
	}
	_, live, err := lookupLive[*lexicon.SemanticDomain](ctx, env, c.SemanticDomain.ID)
	if err != nil {
		return nil, err
	}
	replacement := *c.SemanticDomain.Copy().(*lexicon.SemanticDomain)
	oldIndex := sense.SemanticDomainIndex(c.OldSemanticDomainID)
	newIndex := sense.SemanticDomainIndex(c.SemanticDomain.ID)

	switch {
	case !live:
		env.ReportConflict(RuleDanglingReference, c.EntityID, c.SemanticDomain.ID)
		if oldIndex >= 0 {
			sense.SemanticDomains = append(sense.SemanticDomains[:oldIndex], sense.SemanticDomains[oldIndex+1:]...)
		}
	case oldIndex >= 0 && newIndex < 0:
		sense.SemanticDomains[oldIndex] = replacement
	case oldIndex >= 0:
		if oldIndex != newIndex {
			sense.SemanticDomains = append(sense.SemanticDomains[:oldIndex], sense.SemanticDomains[oldIndex+1:]...)
		}
	case newIndex < 0:
		sense.SemanticDomains = append(sense.SemanticDomains, replacement)
	}
	return sense, nil
}
