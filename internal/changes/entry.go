package changes

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
)

// AddEntryComponentChange links a complex form entry to a component entry (and optionally one
// of its senses). The link is created already deleted when an endpoint is gone or when it
// would make an entry a component of itself.
type AddEntryComponentChange struct {
	EntityID           uuid.UUID  `json:"entityId"`
	ComplexFormEntryID uuid.UUID  `json:"complexFormEntryId"`
	ComponentEntryID   uuid.UUID  `json:"componentEntryId"`
	ComponentSenseID   *uuid.UUID `json:"componentSenseId,omitempty"`
	Order              float64    `json:"order"`
}

func (c *AddEntryComponentChange) TypeName() string             { return "AddEntryComponentChange" }
func (c *AddEntryComponentChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *AddEntryComponentChange) TargetType() lexicon.TypeName { return lexicon.TypeComplexFormComponent }
func (c *AddEntryComponentChange) sealed()                      {}

func (c *AddEntryComponentChange) validate() error {
	if c.ComplexFormEntryID == uuid.Nil || c.ComponentEntryID == uuid.Nil {
		return errors.New("complex form and component entry ids required")
	}
	return nil
}

func (c *AddEntryComponentChange) RequiredReferences() []uuid.UUID {
	references := []uuid.UUID{c.ComplexFormEntryID, c.ComponentEntryID}
	if c.ComponentSenseID != nil {
		references = append(references, *c.ComponentSenseID)
	}
	return references
}

func (c *AddEntryComponentChange) NewEntity(ctx context.Context, env ApplyContext) (lexicon.Object, error) {
	component := &lexicon.ComplexFormComponent{
		ID:                 c.EntityID,
		ComplexFormEntryID: c.ComplexFormEntryID,
		ComponentEntryID:   c.ComponentEntryID,
		ComponentSenseID:   c.ComponentSenseID,
		Order:              c.Order,
	}
	if err := linkComplexForm(ctx, env, component, c.ComplexFormEntryID); err != nil {
		return nil, err
	}
	if err := linkComponent(ctx, env, component, c.ComponentEntryID, c.ComponentSenseID); err != nil {
		return nil, err
	}
	if err := rejectCycle(ctx, env, component); err != nil {
		return nil, err
	}
	return component.Copy(), nil
}

func (c *AddEntryComponentChange) Apply(_ context.Context, current lexicon.Object, _ ApplyContext) (lexicon.Object, error) {
	return current, nil
}

// SetComplexFormComponentChange moves one end of a component link. The endpoint id and its
// cached headword are updated together.
type SetComplexFormComponentChange struct {
	EntityID           uuid.UUID  `json:"entityId"`
	ComplexFormEntryID *uuid.UUID `json:"complexFormEntryId,omitempty"`
	ComponentEntryID   *uuid.UUID `json:"componentEntryId,omitempty"`
	ComponentSenseID   *uuid.UUID `json:"componentSenseId,omitempty"`
}

// NewComplexFormChange retargets the complex form end of a link.
func NewComplexFormChange(componentID, complexFormEntryID uuid.UUID) *SetComplexFormComponentChange {
	return &SetComplexFormComponentChange{EntityID: componentID, ComplexFormEntryID: &complexFormEntryID}
}

// NewComponentChange retargets the component end of a link to a whole entry.
func NewComponentChange(componentID, componentEntryID uuid.UUID) *SetComplexFormComponentChange {
	return &SetComplexFormComponentChange{EntityID: componentID, ComponentEntryID: &componentEntryID}
}

// NewComponentSenseChange retargets the component end of a link to a sense of an entry.
func NewComponentSenseChange(componentID, componentEntryID uuid.UUID, componentSenseID *uuid.UUID) *SetComplexFormComponentChange {
	return &SetComplexFormComponentChange{EntityID: componentID, ComponentEntryID: &componentEntryID, ComponentSenseID: componentSenseID}
}

func (c *SetComplexFormComponentChange) TypeName() string    { return "SetComplexFormComponentChange" }
func (c *SetComplexFormComponentChange) TargetID() uuid.UUID { return c.EntityID }
func (c *SetComplexFormComponentChange) TargetType() lexicon.TypeName {
	return lexicon.TypeComplexFormComponent
}
func (c *SetComplexFormComponentChange) sealed() {}

func (c *SetComplexFormComponentChange) validate() error {
	if c.ComplexFormEntryID == nil && c.ComponentEntryID == nil {
		return errors.New("one endpoint must change")
	}
	if c.ComplexFormEntryID != nil && c.ComponentEntryID != nil {
		return errors.New("only one endpoint may change at a time")
	}
	if c.ComponentSenseID != nil && c.ComponentEntryID == nil {
		return errors.New("component sense requires component entry")
	}
	return nil
}

func (c *SetComplexFormComponentChange) RequiredReferences() []uuid.UUID {
	var references []uuid.UUID
	for _, id := range []*uuid.UUID{c.ComplexFormEntryID, c.ComponentEntryID, c.ComponentSenseID} {
		if id != nil {
			references = append(references, *id)
		}
	}
	return references
}

func (c *SetComplexFormComponentChange) Apply(ctx context.Context, current lexicon.Object, env ApplyContext) (lexicon.Object, error) {
	component, err := castTarget[*lexicon.ComplexFormComponent](current, c)
	if err != nil {
		return nil, err
	}
	if c.ComplexFormEntryID != nil {
		component.ComplexFormEntryID = *c.ComplexFormEntryID
		if err := linkComplexForm(ctx, env, component, *c.ComplexFormEntryID); err != nil {
			return nil, err
		}
	}
	if c.ComponentEntryID != nil {
		component.ComponentEntryID = *c.ComponentEntryID
		component.ComponentSenseID = c.ComponentSenseID
		if err := linkComponent(ctx, env, component, *c.ComponentEntryID, c.ComponentSenseID); err != nil {
			return nil, err
		}
	}
	if err := rejectCycle(ctx, env, component); err != nil {
		return nil, err
	}
	return component, nil
}

func linkComplexForm(ctx context.Context, env ApplyContext, component *lexicon.ComplexFormComponent, entryID uuid.UUID) error {
	entry, ok, err := lookupLive[*lexicon.Entry](ctx, env, entryID)
	if err != nil {
		return err
	}
	if !ok {
		env.ReportConflict(RuleDanglingReference, component.ID, entryID)
		component.MarkDeleted(env.CommitTime())
		return nil
	}
	component.ComplexFormHeadword = entry.Headword()
	return nil
}

func linkComponent(ctx context.Context, env ApplyContext, component *lexicon.ComplexFormComponent, entryID uuid.UUID, senseID *uuid.UUID) error {
	entry, ok, err := lookupLive[*lexicon.Entry](ctx, env, entryID)
	if err != nil {
		return err
	}
	if !ok {
		env.ReportConflict(RuleDanglingReference, component.ID, entryID)
		component.MarkDeleted(env.CommitTime())
		return nil
	}
	component.ComponentHeadword = entry.Headword()
	if senseID == nil {
		return nil
	}
	sense, ok, err := lookupLive[*lexicon.Sense](ctx, env, *senseID)
	if err != nil {
		return err
	}
	if !ok || sense.EntryID != entryID {
		env.ReportConflict(RuleDanglingReference, component.ID, *senseID)
		component.MarkDeleted(env.CommitTime())
	}
	return nil
}

// rejectCycle deletes the link when the component entry already (transitively) has the
// complex form entry among its own components.
func rejectCycle(ctx context.Context, env ApplyContext, component *lexicon.ComplexFormComponent) error {
	if component.IsDeleted() {
		return nil
	}
	target := component.ComplexFormEntryID
	visited := map[uuid.UUID]struct{}{}
	queue := []uuid.UUID{component.ComponentEntryID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current == target {
			env.ReportConflict(RuleReferenceCycle, component.ID, target)
			component.MarkDeleted(env.CommitTime())
			return nil
		}
		if _, seen := visited[current]; seen {
			continue
		}
		visited[current] = struct{}{}
		referencing, err := env.ReferencingObjects(ctx, current)
		if err != nil {
			return err
		}
		for _, object := range referencing {
			link, ok := object.(*lexicon.ComplexFormComponent)
			if !ok || link.IsDeleted() || link.ID == component.ID || link.ComplexFormEntryID != current {
				continue
			}
			queue = append(queue, link.ComponentEntryID)
		}
	}
	return nil
}

// AddComplexFormTypeChange tags an entry with a complex form type.
type AddComplexFormTypeChange struct {
	EntityID        uuid.UUID               `json:"entityId"`
	ComplexFormType lexicon.ComplexFormType `json:"complexFormType"`
}

func (c *AddComplexFormTypeChange) TypeName() string             { return "AddComplexFormTypeChange" }
func (c *AddComplexFormTypeChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *AddComplexFormTypeChange) TargetType() lexicon.TypeName { return lexicon.TypeEntry }
func (c *AddComplexFormTypeChange) sealed()                      {}

func (c *AddComplexFormTypeChange) validate() error {
	if c.ComplexFormType.ID == uuid.Nil {
		return errors.New("complex form type id required")
	}
	return nil
}

func (c *AddComplexFormTypeChange) RequiredReferences() []uuid.UUID {
	return []uuid.UUID{c.ComplexFormType.ID}
}

func (c *AddComplexFormTypeChange) Apply(ctx context.Context, current lexicon.Object, env ApplyContext) (lexicon.Object, error) {
	entry, err := castTarget[*lexicon.Entry](current, c)
	if err != nil {
		return nil, err
	}
	if entry.HasComplexFormType(c.ComplexFormType.ID) {
		return entry, nil
	}
	_, ok, err := lookupLive[*lexicon.ComplexFormType](ctx, env, c.ComplexFormType.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		env.ReportConflict(RuleDanglingReference, c.EntityID, c.ComplexFormType.ID)
		return entry, nil
	}
	entry.ComplexFormTypes = append(entry.ComplexFormTypes, *c.ComplexFormType.Copy().(*lexicon.ComplexFormType))
	return entry, nil
}

// RemoveComplexFormTypeChange untags an entry.
type RemoveComplexFormTypeChange struct {
	EntityID          uuid.UUID `json:"entityId"`
	ComplexFormTypeID uuid.UUID `json:"complexFormTypeId"`
}

func (c *RemoveComplexFormTypeChange) TypeName() string             { return "RemoveComplexFormTypeChange" }
func (c *RemoveComplexFormTypeChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *RemoveComplexFormTypeChange) TargetType() lexicon.TypeName { return lexicon.TypeEntry }
func (c *RemoveComplexFormTypeChange) sealed()                      {}

func (c *RemoveComplexFormTypeChange) Apply(_ context.Context, current lexicon.Object, env ApplyContext) (lexicon.Object, error) {
	entry, err := castTarget[*lexicon.Entry](current, c)
	if err != nil {
		return nil, err
	}
	entry.RemoveReference(c.ComplexFormTypeID, env.CommitTime())
	return entry, nil
}

// ReplaceComplexFormTypeChange swaps one complex form type for another in place.
type ReplaceComplexFormTypeChange struct {
	EntityID             uuid.UUID               `json:"entityId"`
	OldComplexFormTypeID uuid.UUID               `json:"oldComplexFormTypeId"`
	ComplexFormType      lexicon.ComplexFormType `json:"complexFormType"`
}

func (c *ReplaceComplexFormTypeChange) TypeName() string             { return "ReplaceComplexFormTypeChange" }
func (c *ReplaceComplexFormTypeChange) TargetID() uuid.UUID          { return c.EntityID }
func (c *ReplaceComplexFormTypeChange) TargetType() lexicon.TypeName { return lexicon.TypeEntry }
func (c *ReplaceComplexFormTypeChange) sealed()                      {}

func (c *ReplaceComplexFormTypeChange) validate() error {
	if c.ComplexFormType.ID == uuid.Nil || c.OldComplexFormTypeID == uuid.Nil {
		return errors.New("old and new complex form type ids required")
	}
	return nil
}

func (c *ReplaceComplexFormTypeChange) RequiredReferences() []uuid.UUID {
	return []uuid.UUID{c.ComplexFormType.ID}
}

func (c *ReplaceComplexFormTypeChange) Apply(ctx context.Context, current lexicon.Object, env ApplyContext) (lexicon.Object, error) {
	entry, err := castTarget[*lexicon.Entry](current, c)
	if err != nil {
		return nil, err
	}
	_, live, err := lookupLive[*lexicon.ComplexFormType](ctx, env, c.ComplexFormType.ID)
	if err != nil {
		return nil, err
	}
	replacement := *c.ComplexFormType.Copy().(*lexicon.ComplexFormType)
	oldIndex, newIndex := -1, -1
	for index, complexFormType := range entry.ComplexFormTypes {
		switch complexFormType.ID {
		case c.OldComplexFormTypeID:
			oldIndex = index
		case c.ComplexFormType.ID:
			newIndex = index
		}
	}
	switch {
	case !live:
		env.ReportConflict(RuleDanglingReference, c.EntityID, c.ComplexFormType.ID)
		entry.RemoveReference(c.OldComplexFormTypeID, env.CommitTime())
	case oldIndex >= 0 && newIndex < 0:
		entry.ComplexFormTypes[oldIndex] = replacement
	case oldIndex >= 0:
		entry.RemoveReference(c.OldComplexFormTypeID, env.CommitTime())
	case newIndex < 0:
		entry.ComplexFormTypes = append(entry.ComplexFormTypes, replacement)
	}
	return entry, nil
}
