package lexicon

import (
	"bytes"
	"sort"

	"github.com/google/uuid"
)

// ProjectSnapshot is the assembled, read-only view of a project's live entities.
type ProjectSnapshot struct {
	Entries          []*Entry           `json:"entries" yaml:"entries"`
	PartsOfSpeech    []*PartOfSpeech    `json:"partsOfSpeech" yaml:"partsOfSpeech"`
	SemanticDomains  []*SemanticDomain  `json:"semanticDomains" yaml:"semanticDomains"`
	ComplexFormTypes []*ComplexFormType `json:"complexFormTypes" yaml:"complexFormTypes"`
	WritingSystems   []*WritingSystem   `json:"writingSystems" yaml:"writingSystems"`
}

// BuildProjectSnapshot attaches owned and derived collections and drops deleted entities.
func BuildProjectSnapshot(objects []Object) ProjectSnapshot {
	snapshot := ProjectSnapshot{
		Entries:          []*Entry{},
		PartsOfSpeech:    []*PartOfSpeech{},
		SemanticDomains:  []*SemanticDomain{},
		ComplexFormTypes: []*ComplexFormType{},
		WritingSystems:   []*WritingSystem{},
	}

	entries := make(map[uuid.UUID]*Entry)
	senses := make(map[uuid.UUID]*Sense)
	partsOfSpeech := make(map[uuid.UUID]*PartOfSpeech)
	var examples []*ExampleSentence
	var components []*ComplexFormComponent

	for _, object := range objects {
		if object == nil || object.IsDeleted() {
			continue
		}
		live := object.Copy()
		live.clearDerived()
		switch typed := live.(type) {
		case *Entry:
			entries[typed.ID] = typed
			snapshot.Entries = append(snapshot.Entries, typed)
		case *Sense:
			senses[typed.ID] = typed
		case *ExampleSentence:
			examples = append(examples, typed)
		case *ComplexFormComponent:
			components = append(components, typed)
		case *PartOfSpeech:
			partsOfSpeech[typed.ID] = typed
			snapshot.PartsOfSpeech = append(snapshot.PartsOfSpeech, typed)
		case *SemanticDomain:
			snapshot.SemanticDomains = append(snapshot.SemanticDomains, typed)
		case *ComplexFormType:
			snapshot.ComplexFormTypes = append(snapshot.ComplexFormTypes, typed)
		case *WritingSystem:
			snapshot.WritingSystems = append(snapshot.WritingSystems, typed)
		}
	}

	sortByOrder(examples)
	for _, example := range examples {
		if sense, ok := senses[example.SenseID]; ok {
			sense.ExampleSentences = append(sense.ExampleSentences, example)
		}
	}

	orderedSenses := make([]*Sense, 0, len(senses))
	for _, sense := range senses {
		orderedSenses = append(orderedSenses, sense)
	}
	sortByOrder(orderedSenses)
	for _, sense := range orderedSenses {
		if sense.PartOfSpeechID != nil {
			if partOfSpeech, ok := partsOfSpeech[*sense.PartOfSpeechID]; ok {
				sense.PartOfSpeech = partOfSpeech.Copy().(*PartOfSpeech)
			}
		}
		if entry, ok := entries[sense.EntryID]; ok {
			entry.Senses = append(entry.Senses, sense)
		}
	}

	sortByOrder(components)
	for _, component := range components {
		if entry, ok := entries[component.ComplexFormEntryID]; ok {
			entry.Components = append(entry.Components, component)
		}
		if entry, ok := entries[component.ComponentEntryID]; ok {
			entry.ComplexForms = append(entry.ComplexForms, component)
		}
	}

	sort.SliceStable(snapshot.Entries, func(i, j int) bool {
		left, right := snapshot.Entries[i], snapshot.Entries[j]
		if left.Headword() != right.Headword() {
			return left.Headword() < right.Headword()
		}
		return idLess(left.ID, right.ID)
	})
	sortByID(snapshot.PartsOfSpeech)
	sortByID(snapshot.SemanticDomains)
	sortByID(snapshot.ComplexFormTypes)
	sortByOrder(snapshot.WritingSystems)
	return snapshot
}

// Copy returns a deep copy that shares no entities with p.
func (p ProjectSnapshot) Copy() ProjectSnapshot {
	return ProjectSnapshot{
		Entries:          copyObjects(p.Entries),
		PartsOfSpeech:    copyObjects(p.PartsOfSpeech),
		SemanticDomains:  copyObjects(p.SemanticDomains),
		ComplexFormTypes: copyObjects(p.ComplexFormTypes),
		WritingSystems:   copyObjects(p.WritingSystems),
	}
}

func copyObjects[T Object](items []T) []T {
	copied := make([]T, 0, len(items))
	for _, item := range items {
		copied = append(copied, item.Copy().(T))
	}
	return copied
}

// FindEntry returns the live entry with the given id.
func (p ProjectSnapshot) FindEntry(id uuid.UUID) (*Entry, bool) {
	for _, entry := range p.Entries {
		if entry.ID == id {
			return entry, true
		}
	}
	return nil, false
}

// FindSense searches every entry for a live sense.
func (p ProjectSnapshot) FindSense(id uuid.UUID) (*Sense, bool) {
	for _, entry := range p.Entries {
		for _, sense := range entry.Senses {
			if sense.ID == id {
				return sense, true
			}
		}
	}
	return nil, false
}

func sortByOrder[T Orderable](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].OrderValue() != items[j].OrderValue() {
			return items[i].OrderValue() < items[j].OrderValue()
		}
		return idLess(items[i].ObjectID(), items[j].ObjectID())
	})
}

func sortByID[T Object](items []T) {
	sort.SliceStable(items, func(i, j int) bool {
		return idLess(items[i].ObjectID(), items[j].ObjectID())
	})
}

func idLess(left, right uuid.UUID) bool {
	return bytes.Compare(left[:], right[:]) < 0
}

// Between returns an order value strictly between two neighbours. A nil neighbour means
// the new item goes at that end of the list.
func Between(previous, next *float64) float64 {
	switch {
	case previous == nil && next == nil:
		return 1
	case previous == nil:
		return *next - 1
	case next == nil:
		return *previous + 1
	default:
		return (*previous + *next) / 2
	}
}
