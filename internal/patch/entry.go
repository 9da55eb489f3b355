package patch

import (
	"fmt"
	"slices"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
)

type componentSide int

const (
	sideComponents componentSide = iota
	sideComplexForms
)

func (r *Rewriter) rewriteEntry(before *lexicon.Entry, operations []changes.PatchOperation) ([]changes.Change, error) {
	var (
		result  []changes.Change
		generic []changes.PatchOperation
	)
	working := map[componentSide][]*lexicon.ComplexFormComponent{
		sideComponents:   cloneComponents(before.Components),
		sideComplexForms: cloneComponents(before.ComplexForms),
	}
	complexFormTypes := make([]uuid.UUID, 0, len(before.ComplexFormTypes))
	for _, complexFormType := range before.ComplexFormTypes {
		complexFormTypes = append(complexFormTypes, complexFormType.ID)
	}

	for _, operation := range operations {
		switch operation.Field() {
		case "components", "complexForms":
			side := sideComponents
			if operation.Field() == "complexForms" {
				side = sideComplexForms
			}
			emitted, updated, err := r.rewriteComponent(before, side, working[side], operation)
			if err != nil {
				return nil, err
			}
			working[side] = updated
			result = append(result, emitted...)
		case "complexFormTypes":
			change, updated, err := rewriteComplexFormType(before, complexFormTypes, operation)
			if err != nil {
				return nil, err
			}
			complexFormTypes = updated
			if change != nil {
				result = append(result, change)
			}
		case "senses":
			return nil, unsupported(operation)
		default:
			generic = append(generic, operation)
		}
	}
	return genericChange(before, generic, result)
}

func (r *Rewriter) rewriteComponent(before *lexicon.Entry, side componentSide, current []*lexicon.ComplexFormComponent, operation changes.PatchOperation) ([]changes.Change, []*lexicon.ComplexFormComponent, error) {
	segments := operation.Segments()
	switch {
	case operation.Op == changes.OpAdd && len(segments) <= 2:
		position, err := resolveInsertIndex(operation, len(current))
		if err != nil {
			return nil, nil, err
		}
		var component lexicon.ComplexFormComponent
		if err := decodeValue(operation, &component); err != nil {
			return nil, nil, err
		}
		if component.ID == uuid.Nil {
			id, err := r.ids.NewID()
			if err != nil {
				return nil, nil, err
			}
			component.ID = id
		}
		if side == sideComponents && component.ComplexFormEntryID == uuid.Nil {
			component.ComplexFormEntryID = before.ID
		}
		if side == sideComplexForms && component.ComponentEntryID == uuid.Nil {
			component.ComponentEntryID = before.ID
		}
		if component.Order == 0 {
			var previous, next *float64
			if position > 0 {
				previous = &current[position-1].Order
			}
			if position < len(current) {
				next = &current[position].Order
			}
			component.Order = lexicon.Between(previous, next)
		}
		change := &changes.AddEntryComponentChange{
			EntityID:           component.ID,
			ComplexFormEntryID: component.ComplexFormEntryID,
			ComponentEntryID:   component.ComponentEntryID,
			ComponentSenseID:   component.ComponentSenseID,
			Order:              component.Order,
		}
		return []changes.Change{change}, slices.Insert(slices.Clone(current), position, &component), nil

	case operation.Op == changes.OpRemove && len(segments) <= 2:
		index, err := resolveIndex(operation, len(current))
		if err != nil {
			return nil, nil, err
		}
		removed := current[index]
		change := &changes.DeleteChange{EntityID: removed.ID, EntityType: lexicon.TypeComplexFormComponent}
		return []changes.Change{change}, slices.Delete(slices.Clone(current), index, index+1), nil

	case operation.Op == changes.OpReplace && len(segments) <= 2:
		index, err := resolveIndex(operation, len(current))
		if err != nil {
			return nil, nil, err
		}
		var replacement lexicon.ComplexFormComponent
		if err := decodeValue(operation, &replacement); err != nil {
			return nil, nil, err
		}
		return replaceComponent(current, index, &replacement, operation)

	case (operation.Op == changes.OpReplace || operation.Op == changes.OpAdd) && len(segments) == 3:
		index, err := resolveIndex(operation, len(current))
		if err != nil {
			return nil, nil, err
		}
		replacement := current[index].Copy().(*lexicon.ComplexFormComponent)
		if err := setComponentField(replacement, segments[2], operation); err != nil {
			return nil, nil, err
		}
		return replaceComponent(current, index, replacement, operation)

	default:
		return nil, nil, unsupported(operation)
	}
}

// replaceComponent diffs the replacement against the existing link and emits one change per
// moved endpoint. Headwords are never diffed; they follow the endpoint ids.
func replaceComponent(current []*lexicon.ComplexFormComponent, index int, replacement *lexicon.ComplexFormComponent, operation changes.PatchOperation) ([]changes.Change, []*lexicon.ComplexFormComponent, error) {
	existing := current[index]
	if replacement.ID != uuid.Nil && replacement.ID != existing.ID {
		return nil, nil, fmt.Errorf("%w: %s replaces link %s with a different link %s", ErrUnsupportedOperation, operation.Path, existing.ID, replacement.ID)
	}
	complexFormMoved := replacement.ComplexFormEntryID != uuid.Nil && replacement.ComplexFormEntryID != existing.ComplexFormEntryID
	componentMoved := replacement.ComponentEntryID != uuid.Nil && replacement.ComponentEntryID != existing.ComponentEntryID
	senseMoved := !sameID(replacement.ComponentSenseID, existing.ComponentSenseID)
	if complexFormMoved && (componentMoved || senseMoved) {
		return nil, nil, fmt.Errorf("%w: %s changes both ends of a link", ErrUnsupportedOperation, operation.Path)
	}

	updated := existing.Copy().(*lexicon.ComplexFormComponent)
	var emitted []changes.Change
	switch {
	case complexFormMoved:
		emitted = append(emitted, changes.NewComplexFormChange(existing.ID, replacement.ComplexFormEntryID))
		updated.ComplexFormEntryID = replacement.ComplexFormEntryID
	case componentMoved || senseMoved:
		componentEntryID := existing.ComponentEntryID
		if replacement.ComponentEntryID != uuid.Nil {
			componentEntryID = replacement.ComponentEntryID
		}
		emitted = append(emitted, changes.NewComponentSenseChange(existing.ID, componentEntryID, replacement.ComponentSenseID))
		updated.ComponentEntryID = componentEntryID
		updated.ComponentSenseID = replacement.ComponentSenseID
	}
	if replacement.Order != 0 && replacement.Order != existing.Order {
		emitted = append(emitted, &changes.SetOrderChange{EntityID: existing.ID, EntityType: lexicon.TypeComplexFormComponent, Order: replacement.Order})
		updated.Order = replacement.Order
	}

	next := slices.Clone(current)
	next[index] = updated
	return emitted, next, nil
}

func setComponentField(component *lexicon.ComplexFormComponent, field string, operation changes.PatchOperation) error {
	switch field {
	case "complexFormEntryId":
		return decodeValue(operation, &component.ComplexFormEntryID)
	case "componentEntryId":
		return decodeValue(operation, &component.ComponentEntryID)
	case "componentSenseId":
		component.ComponentSenseID = nil
		return decodeValue(operation, &component.ComponentSenseID)
	case "order":
		return decodeValue(operation, &component.Order)
	case "complexFormHeadword", "componentHeadword":
		return nil
	default:
		return unsupported(operation)
	}
}

func rewriteComplexFormType(before *lexicon.Entry, current []uuid.UUID, operation changes.PatchOperation) (changes.Change, []uuid.UUID, error) {
	if len(operation.Segments()) > 2 {
		return nil, nil, unsupported(operation)
	}
	switch operation.Op {
	case changes.OpAdd:
		if err := resolveAppendIndex(operation, len(current)); err != nil {
			return nil, nil, err
		}
		var complexFormType lexicon.ComplexFormType
		if err := decodeValue(operation, &complexFormType); err != nil {
			return nil, nil, err
		}
		if complexFormType.ID == uuid.Nil {
			return nil, nil, unsupported(operation)
		}
		if slices.Contains(current, complexFormType.ID) {
			return nil, current, nil
		}
		return &changes.AddComplexFormTypeChange{EntityID: before.ID, ComplexFormType: complexFormType}, append(slices.Clone(current), complexFormType.ID), nil
	case changes.OpRemove:
		index, err := resolveIndex(operation, len(current))
		if err != nil {
			return nil, nil, err
		}
		return &changes.RemoveComplexFormTypeChange{EntityID: before.ID, ComplexFormTypeID: current[index]}, slices.Delete(slices.Clone(current), index, index+1), nil
	case changes.OpReplace:
		index, err := resolveIndex(operation, len(current))
		if err != nil {
			return nil, nil, err
		}
		var complexFormType lexicon.ComplexFormType
		if err := decodeValue(operation, &complexFormType); err != nil {
			return nil, nil, err
		}
		if complexFormType.ID == uuid.Nil {
			return nil, nil, unsupported(operation)
		}
		old := current[index]
		if old == complexFormType.ID {
			return nil, current, nil
		}
		updated := slices.Clone(current)
		if slices.Contains(updated, complexFormType.ID) {
			updated = slices.Delete(updated, index, index+1)
		} else {
			updated[index] = complexFormType.ID
		}
		return &changes.ReplaceComplexFormTypeChange{EntityID: before.ID, OldComplexFormTypeID: old, ComplexFormType: complexFormType}, updated, nil
	default:
		return nil, nil, unsupported(operation)
	}
}

func cloneComponents(components []*lexicon.ComplexFormComponent) []*lexicon.ComplexFormComponent {
	cloned := make([]*lexicon.ComplexFormComponent, 0, len(components))
	for _, component := range components {
		cloned = append(cloned, component.Copy().(*lexicon.ComplexFormComponent))
	}
	return cloned
}

func sameID(left, right *uuid.UUID) bool {
	if left == nil || right == nil {
		return left == nil && right == nil
	}
	return *left == *right
}

