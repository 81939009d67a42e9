package model

import "fmt"

type (
	EntityType string

	// EntityID is unique only as a whole: local ids are assigned per device.
	EntityID struct {
		Type    EntityType `json:"type" bson:"type"`
		LocalID int64      `json:"local_id" bson:"local_id"`
		Origin  string     `json:"origin" bson:"origin"`
	}

	Pin struct {
		ID             EntityID `json:"id" bson:"id"`
		Name           string   `json:"name" bson:"name"`
		Symbol         string   `json:"symbol,omitempty" bson:"symbol,omitempty"`
		Lat            float64  `json:"lat" bson:"lat"`
		Lon            float64  `json:"lon" bson:"lon"`
		Description    string   `json:"description,omitempty" bson:"description,omitempty"`
		CreatedAtMs    int64    `json:"created_at_ms" bson:"created_at_ms"`
		AuthorCallsign string   `json:"author_callsign,omitempty" bson:"author_callsign,omitempty"`
	}

	LinkedForm struct {
		ID             EntityID          `json:"id" bson:"id"`
		PinRef         *EntityID         `json:"pin_ref,omitempty" bson:"pin_ref,omitempty"`
		FormType       string            `json:"form_type" bson:"form_type"`
		Fields         map[string]string `json:"fields,omitempty" bson:"fields,omitempty"`
		CreatedAtMs    int64             `json:"created_at_ms" bson:"created_at_ms"`
		AuthorCallsign string            `json:"author_callsign,omitempty" bson:"author_callsign,omitempty"`
	}

	Tombstone struct {
		ID          EntityID `json:"id" bson:"id"`
		DeletedAtMs int64    `json:"deleted_at_ms" bson:"deleted_at_ms"`
		DeletedBy   string   `json:"deleted_by,omitempty" bson:"deleted_by,omitempty"`
	}

	// Entity is a replicated object: a *Pin or a *LinkedForm.
	Entity interface {
		EntityID() EntityID
		Payload
	}
)

const (
	EntityPin  EntityType = "pin"
	EntityForm EntityType = "linked-form"
)

func (id EntityID) String() string {
	return fmt.Sprintf("%s/%d@%s", id.Type, id.LocalID, id.Origin)
}

func (id EntityID) Valid() bool {
	return (id.Type == EntityPin || id.Type == EntityForm) && id.Origin != ""
}

func (p *Pin) EntityID() EntityID        { return p.ID }
func (f *LinkedForm) EntityID() EntityID { return f.ID }
