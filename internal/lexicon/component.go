package lexicon

import (
	"time"

	"github.com/google/uuid"
)

// ComplexFormComponent links a complex form entry to one of its component entries,
// optionally narrowed to a single sense of the component. Headwords are cached copies
// of the endpoints' headwords at the time the link was last set.
type ComplexFormComponent struct {
	ID                  uuid.UUID  `json:"id"`
	ComplexFormEntryID  uuid.UUID  `json:"complexFormEntryId"`
	ComplexFormHeadword string     `json:"complexFormHeadword"`
	ComponentEntryID    uuid.UUID  `json:"componentEntryId"`
	ComponentSenseID    *uuid.UUID `json:"componentSenseId"`
	ComponentHeadword   string     `json:"componentHeadword"`
	Order               float64    `json:"order"`
	Tombstone
}

func (c *ComplexFormComponent) ObjectID() uuid.UUID { return c.ID }

func (c *ComplexFormComponent) TypeName() TypeName { return TypeComplexFormComponent }

func (c *ComplexFormComponent) OrderValue() float64 { return c.Order }

func (c *ComplexFormComponent) SetOrder(order float64) { c.Order = order }

func (c *ComplexFormComponent) DerivedFields() []string { return nil }

func (c *ComplexFormComponent) clearDerived() {}

func (c *ComplexFormComponent) Copy() Object {
	return &ComplexFormComponent{
		ID:                  c.ID,
		ComplexFormEntryID:  c.ComplexFormEntryID,
		ComplexFormHeadword: c.ComplexFormHeadword,
		ComponentEntryID:    c.ComponentEntryID,
		ComponentSenseID:    copyIDPointer(c.ComponentSenseID),
		ComponentHeadword:   c.ComponentHeadword,
		Order:               c.Order,
		Tombstone:           c.Tombstone.copy(),
	}
}

func (c *ComplexFormComponent) References() []uuid.UUID {
	references := []uuid.UUID{c.ComplexFormEntryID, c.ComponentEntryID}
	return appendReference(references, c.ComponentSenseID)
}

func (c *ComplexFormComponent) RemoveReference(id uuid.UUID, at time.Time) {
	if id == c.ComplexFormEntryID || id == c.ComponentEntryID {
		c.MarkDeleted(at)
	}
	if c.ComponentSenseID != nil && *c.ComponentSenseID == id {
		c.MarkDeleted(at)
	}
}
