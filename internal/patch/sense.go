package patch

import (
	"slices"

	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/changes"
	"github.com/MarcoPoloResearchLab/lexisync/backend/internal/lexicon"
	"github.com/google/uuid"
)

func (r *Rewriter) rewriteSense(before *lexicon.Sense, operations []changes.PatchOperation) ([]changes.Change, error) {
	var (
		result  []changes.Change
		generic []changes.PatchOperation
	)
	domains := make([]uuid.UUID, 0, len(before.SemanticDomains))
	for _, domain := range before.SemanticDomains {
		domains = append(domains, domain.ID)
	}

	for _, operation := range operations {
		switch operation.Field() {
		case "partOfSpeech":
			// cached display value; the id edit carries it
		case "partOfSpeechId":
			change, err := rewritePartOfSpeech(before, operation)
			if err != nil {
				return nil, err
			}
			result = append(result, change)
		case "semanticDomains":
			change, updated, err := rewriteSemanticDomain(before, domains, operation)
			if err != nil {
				return nil, err
			}
			domains = updated
			if change != nil {
				result = append(result, change)
			}
		case "exampleSentences":
			return nil, unsupported(operation)
		default:
			generic = append(generic, operation)
		}
	}
	return genericChange(before, generic, result)
}

func rewritePartOfSpeech(before *lexicon.Sense, operation changes.PatchOperation) (changes.Change, error) {
	if len(operation.Segments()) != 1 {
		return nil, unsupported(operation)
	}
	change := &changes.SetPartOfSpeechChange{EntityID: before.ID}
	switch operation.Op {
	case changes.OpRemove:
		return change, nil
	case changes.OpAdd, changes.OpReplace:
		var partOfSpeechID *uuid.UUID
		if err := decodeValue(operation, &partOfSpeechID); err != nil {
			return nil, err
		}
		change.PartOfSpeechID = partOfSpeechID
		return change, nil
	default:
		return nil, unsupported(operation)
	}
}

func rewriteSemanticDomain(before *lexicon.Sense, domains []uuid.UUID, operation changes.PatchOperation) (changes.Change, []uuid.UUID, error) {
	if len(operation.Segments()) > 2 {
		return nil, nil, unsupported(operation)
	}
	switch operation.Op {
	case changes.OpAdd:
		if err := resolveAppendIndex(operation, len(domains)); err != nil {
			return nil, nil, err
		}
		var domain lexicon.SemanticDomain
		if err := decodeValue(operation, &domain); err != nil {
			return nil, nil, err
		}
		if domain.ID == uuid.Nil {
			return nil, nil, unsupported(operation)
		}
		if slices.Contains(domains, domain.ID) {
			return nil, domains, nil
		}
		return &changes.AddSemanticDomainChange{EntityID: before.ID, SemanticDomain: domain}, append(slices.Clone(domains), domain.ID), nil
	case changes.OpRemove:
		index, err := resolveIndex(operation, len(domains))
		if err != nil {
			return nil, nil, err
		}
		removed := domains[index]
		return &changes.RemoveSemanticDomainChange{EntityID: before.ID, SemanticDomainID: removed}, slices.Delete(slices.Clone(domains), index, index+1), nil
	case changes.OpReplace:
		index, err := resolveIndex(operation, len(domains))
		if err != nil {
			return nil, nil, err
		}
		var domain lexicon.SemanticDomain
		if err := decodeValue(operation, &domain); err != nil {
			return nil, nil, err
		}
		if domain.ID == uuid.Nil {
			return nil, nil, unsupported(operation)
		}
		old := domains[index]
		if old == domain.ID {
			return nil, domains, nil
		}
		updated := slices.Clone(domains)
		if slices.Contains(updated, domain.ID) {
			updated = slices.Delete(updated, index, index+1)
		} else {
			updated[index] = domain.ID
		}
		return &changes.ReplaceSemanticDomainChange{EntityID: before.ID, OldSemanticDomainID: old, SemanticDomain: domain}, updated, nil
	default:
		return nil, nil, unsupported(operation)
	}
}
