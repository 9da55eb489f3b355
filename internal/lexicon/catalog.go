package lexicon

import (
	"time"

	"github.com/google/uuid"
)

// WritingSystemType separates vernacular from analysis writing systems.
type WritingSystemType string

const (
	WritingSystemVernacular WritingSystemType = "vernacular"
	WritingSystemAnalysis   WritingSystemType = "analysis"
)

// WritingSystem describes one language/script pairing used in MultiString keys.
type WritingSystem struct {
	ID           uuid.UUID         `json:"id"`
	WsID         string            `json:"wsId"`
	Name         string            `json:"name"`
	Abbreviation string            `json:"abbreviation"`
	Font         string            `json:"font"`
	Exemplars    []string          `json:"exemplars"`
	Type         WritingSystemType `json:"type"`
	Order        float64           `json:"order"`
	Tombstone
}

func (w *WritingSystem) ObjectID() uuid.UUID { return w.ID }

func (w *WritingSystem) TypeName() TypeName { return TypeWritingSystem }

func (w *WritingSystem) OrderValue() float64 { return w.Order }

func (w *WritingSystem) SetOrder(order float64) { w.Order = order }

func (w *WritingSystem) DerivedFields() []string { return nil }

func (w *WritingSystem) clearDerived() {}

func (w *WritingSystem) Copy() Object {
	return &WritingSystem{
		ID:           w.ID,
		WsID:         w.WsID,
		Name:         w.Name,
		Abbreviation: w.Abbreviation,
		Font:         w.Font,
		Exemplars:    append(make([]string, 0, len(w.Exemplars)), w.Exemplars...),
		Type:         w.Type,
		Order:        w.Order,
		Tombstone:    w.Tombstone.copy(),
	}
}

func (w *WritingSystem) References() []uuid.UUID { return nil }

func (w *WritingSystem) RemoveReference(uuid.UUID, time.Time) {}

// PartOfSpeech is a grammatical category a sense can point at.
type PartOfSpeech struct {
	ID         uuid.UUID   `json:"id"`
	Name       MultiString `json:"name"`
	Predefined bool        `json:"predefined"`
	Tombstone
}

func (p *PartOfSpeech) ObjectID() uuid.UUID { return p.ID }

func (p *PartOfSpeech) TypeName() TypeName { return TypePartOfSpeech }

func (p *PartOfSpeech) DerivedFields() []string { return nil }

func (p *PartOfSpeech) clearDerived() {}

func (p *PartOfSpeech) Copy() Object {
	return &PartOfSpeech{ID: p.ID, Name: p.Name.Copy(), Predefined: p.Predefined, Tombstone: p.Tombstone.copy()}
}

func (p *PartOfSpeech) References() []uuid.UUID { return nil }

func (p *PartOfSpeech) RemoveReference(uuid.UUID, time.Time) {}

// SemanticDomain is a category from the semantic domain catalog.
type SemanticDomain struct {
	ID         uuid.UUID   `json:"id"`
	Name       MultiString `json:"name"`
	Code       string      `json:"code"`
	Predefined bool        `json:"predefined"`
	Tombstone
}

func (d *SemanticDomain) ObjectID() uuid.UUID { return d.ID }

func (d *SemanticDomain) TypeName() TypeName { return TypeSemanticDomain }

func (d *SemanticDomain) DerivedFields() []string { return nil }

func (d *SemanticDomain) clearDerived() {}

func (d *SemanticDomain) Copy() Object {
	return &SemanticDomain{ID: d.ID, Name: d.Name.Copy(), Code: d.Code, Predefined: d.Predefined, Tombstone: d.Tombstone.copy()}
}

func (d *SemanticDomain) References() []uuid.UUID { return nil }

func (d *SemanticDomain) RemoveReference(uuid.UUID, time.Time) {}

// ComplexFormType classifies how an entry is composed (compound, idiom, ...).
type ComplexFormType struct {
	ID   uuid.UUID   `json:"id"`
	Name MultiString `json:"name"`
	Tombstone
}

func (c *ComplexFormType) ObjectID() uuid.UUID { return c.ID }

func (c *ComplexFormType) TypeName() TypeName { return TypeComplexFormType }

func (c *ComplexFormType) DerivedFields() []string { return nil }

func (c *ComplexFormType) clearDerived() {}

func (c *ComplexFormType) Copy() Object {
	return &ComplexFormType{ID: c.ID, Name: c.Name.Copy(), Tombstone: c.Tombstone.copy()}
}

func (c *ComplexFormType) References() []uuid.UUID { return nil }

func (c *ComplexFormType) RemoveReference(uuid.UUID, time.Time) {}
