// Package record defines the citizen-request document stored in the record
// collection and the storage field names the query layer targets.
package record

import (
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Storage field names.
const (
	FieldID                = "_id"
	FieldProtocol          = "protocol"
	FieldCreatedAt         = "createdAt"
	FieldCreatedAtRaw      = "createdAtRaw"
	FieldCreatedAtISO      = "createdAtIso"
	FieldConcludedAtRaw    = "concludedAtRaw"
	FieldConcludedAtISO    = "concludedAtIso"
	FieldStatus            = "status"
	FieldTheme             = "theme"
	FieldSubject           = "subject"
	FieldCategory          = "category"
	FieldOrgan             = "organ"
	FieldManifestationType = "manifestationType"
	FieldChannel           = "channel"
	FieldPriority          = "priority"
	FieldResponsible       = "responsible"
	FieldRegisteringUnit   = "registeringUnit"
	FieldHealthUnit        = "healthUnit"
	FieldAddress           = "address"
	FieldNeighborhood      = "neighborhood"
	FieldResolutionDays    = "resolutionDays"
	FieldPayload           = "payload"
)

// ShadowSuffix is appended to a text field name to form its lowercase shadow.
const ShadowSuffix = "Lower"

// Record is one citizen request. Normalized fields are projections of
// Payload made by the loader; anything missing here can still be looked up
// in Payload.
type Record struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Protocol          string             `bson:"protocol,omitempty" json:"protocol,omitempty"`
	CreatedAt         time.Time          `bson:"createdAt" json:"createdAt"`
	CreatedAtRaw      string             `bson:"createdAtRaw,omitempty" json:"createdAtRaw,omitempty"`
	CreatedAtISO      *string            `bson:"createdAtIso,omitempty" json:"createdAtIso,omitempty"`
	ConcludedAtRaw    string             `bson:"concludedAtRaw,omitempty" json:"concludedAtRaw,omitempty"`
	ConcludedAtISO    *string            `bson:"concludedAtIso,omitempty" json:"concludedAtIso,omitempty"`
	Status            string             `bson:"status,omitempty" json:"status,omitempty"`
	Theme             string             `bson:"theme,omitempty" json:"theme,omitempty"`
	Subject           string             `bson:"subject,omitempty" json:"subject,omitempty"`
	Category          string             `bson:"category,omitempty" json:"category,omitempty"`
	Organ             string             `bson:"organ,omitempty" json:"organ,omitempty"`
	ManifestationType string             `bson:"manifestationType,omitempty" json:"manifestationType,omitempty"`
	Channel           string             `bson:"channel,omitempty" json:"channel,omitempty"`
	Priority          string             `bson:"priority,omitempty" json:"priority,omitempty"`
	Responsible       string             `bson:"responsible,omitempty" json:"responsible,omitempty"`
	RegisteringUnit   string             `bson:"registeringUnit,omitempty" json:"registeringUnit,omitempty"`
	HealthUnit        string             `bson:"healthUnit,omitempty" json:"healthUnit,omitempty"`
	Address           string             `bson:"address,omitempty" json:"address,omitempty"`
	Neighborhood      string             `bson:"neighborhood,omitempty" json:"neighborhood,omitempty"`
	ResolutionDays    *float64           `bson:"resolutionDays,omitempty" json:"resolutionDays,omitempty"`

	ThemeLower        string `bson:"themeLower,omitempty" json:"-"`
	SubjectLower      string `bson:"subjectLower,omitempty" json:"-"`
	CategoryLower     string `bson:"categoryLower,omitempty" json:"-"`
	OrganLower        string `bson:"organLower,omitempty" json:"-"`
	NeighborhoodLower string `bson:"neighborhoodLower,omitempty" json:"-"`
	StatusLower       string `bson:"statusLower,omitempty" json:"-"`

	Payload map[string]any `bson:"payload,omitempty" json:"payload,omitempty"`
}

// Dimensions are the categorical fields whose changes dirty cached
// aggregates.
var Dimensions = []string{
	FieldStatus,
	FieldTheme,
	FieldSubject,
	FieldCategory,
	FieldOrgan,
	FieldManifestationType,
	FieldChannel,
	FieldPriority,
	FieldResponsible,
	FieldRegisteringUnit,
	FieldHealthUnit,
	FieldNeighborhood,
	FieldCreatedAtISO,
	FieldCreatedAtRaw,
	FieldConcludedAtISO,
	FieldConcludedAtRaw,
}

// ShadowFields lists text fields that carry a precomputed lowercase copy.
var ShadowFields = []string{
	FieldTheme,
	FieldSubject,
	FieldCategory,
	FieldOrgan,
	FieldNeighborhood,
	FieldStatus,
}

// DateFields hold creation or conclusion dates. Range bounds on them are
// merged and compared chronologically; createdAt is a BSON date, the others
// ISO strings.
var DateFields = []string{
	FieldCreatedAtISO,
	FieldConcludedAtISO,
	FieldCreatedAt,
}

// IsDimension reports whether field is one of Dimensions.
func IsDimension(field string) bool {
	return slices.Contains(Dimensions, field)
}

// IsDateField reports whether field is one of DateFields.
func IsDateField(field string) bool {
	return slices.Contains(DateFields, field)
}
