// Package terminology maps SNOMED CT and FHIR code system content onto store
// documents. Each component kind is a plain struct; Component is the closed
// set of kinds and conversions dispatch on it with a type switch.
package terminology

import (
	"github.com/custodia-labs/termstore/internal/core/domain"
)

// Kind names a component kind. It doubles as the document type.
type Kind string

const (
	KindConcept            Kind = "Concept"
	KindDescription        Kind = "Description"
	KindRelationship       Kind = "Relationship"
	KindReferenceSetMember Kind = "ReferenceSetMember"
	KindCodeSystem         Kind = "CodeSystem"
	KindCodeSystemVersion  Kind = "CodeSystemVersion"
)

// Kinds lists every component kind in registration order: parents first.
func Kinds() []Kind {
	return []Kind{
		KindCodeSystem,
		KindCodeSystemVersion,
		KindConcept,
		KindDescription,
		KindRelationship,
		KindReferenceSetMember,
	}
}

// Component is implemented by the component kinds of this package only.
type Component interface {
	Kind() Kind
	ComponentID() string
	isComponent()
}

// Core carries the fields shared by every RF2 component.
type Core struct {
	ID            string
	Active        bool
	ModuleID      string
	EffectiveTime int64 // yyyymmdd, 0 while unpublished
}

// ComponentID returns the SCTID or UUID of the component.
func (c Core) ComponentID() string { return c.ID }

// Released reports whether the component is part of a published release.
func (c Core) Released() bool { return c.EffectiveTime > 0 }

type Concept struct {
	Core
	DefinitionStatusID string
}

type Description struct {
	Core
	ConceptID          string
	LanguageCode       string
	TypeID             string
	Term               string
	CaseSignificanceID string
	// AcceptabilityMap maps language reference set ids to acceptability ids
	AcceptabilityMap map[string]string
}

type Relationship struct {
	Core
	SourceID             string
	DestinationID        string
	RelationshipGroup    int64
	TypeID               string
	CharacteristicTypeID string
	ModifierID           string
}

// ReferenceSetMember is a row of any reference set. Columns beyond the
// referenced component live in Additional, keyed by their RF2 header name.
type ReferenceSetMember struct {
	Core
	RefSetID              string
	ReferencedComponentID string
	Additional            map[string]string
}

// CodeSystem is a FHIR/SNOMED code system rooted at a branch.
type CodeSystem struct {
	ShortName           string
	Name                string
	URI                 string
	BranchPath          string
	CountryCode         string
	DefaultLanguageCode string
	Maintainer          string
}

// CodeSystemVersion is a published release of a code system.
type CodeSystemVersion struct {
	ShortName     string
	EffectiveDate int64 // yyyymmdd
	Version       string
	Description   string
	BranchPath    string
}

func (Concept) Kind() Kind            { return KindConcept }
func (Description) Kind() Kind        { return KindDescription }
func (Relationship) Kind() Kind       { return KindRelationship }
func (ReferenceSetMember) Kind() Kind { return KindReferenceSetMember }
func (CodeSystem) Kind() Kind         { return KindCodeSystem }
func (CodeSystemVersion) Kind() Kind  { return KindCodeSystemVersion }

func (c CodeSystem) ComponentID() string { return c.ShortName }

// ComponentID is "<shortName>_<effectiveDate>".
func (v CodeSystemVersion) ComponentID() string {
	return VersionID(v.ShortName, v.EffectiveDate)
}

func (Concept) isComponent()            {}
func (Description) isComponent()        {}
func (Relationship) isComponent()       {}
func (ReferenceSetMember) isComponent() {}
func (CodeSystem) isComponent()         {}
func (CodeSystemVersion) isComponent()  {}

// Versioned is a component read back from the store together with the
// revision envelope it was stored in.
type Versioned struct {
	Component Component
	Branch    string
	Created   int64
	Revised   int64
	CommitID  string
}

// Current reports whether the revision is still open on its branch.
func (v Versioned) Current() bool { return v.Revised == domain.Open }

// FromRevision decodes a stored revision.
func FromRevision(rev domain.Revision) (Versioned, error) {
	c, err := FromDocument(rev.Document())
	if err != nil {
		return Versioned{}, err
	}
	return Versioned{
		Component: c,
		Branch:    rev.Branch,
		Created:   rev.Created,
		Revised:   rev.Revised,
		CommitID:  rev.CommitID,
	}, nil
}
