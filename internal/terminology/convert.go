package terminology

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

// Acceptability concept ids used in language reference sets
const (
	Preferred  = "900000000000548007"
	Acceptable = "900000000000549004"
)

// VersionID is the document id of a code system version.
func VersionID(shortName string, effectiveDate int64) string {
	return shortName + "_" + strconv.FormatInt(effectiveDate, 10)
}

// ToDocument converts a component into the document written to the store.
// Empty optional values are left out.
func ToDocument(c Component) (domain.Document, error) {
	if c == nil {
		return domain.Document{}, fmt.Errorf("%w: nil component", domain.ErrValidation)
	}
	if c.ComponentID() == "" {
		return domain.Document{}, fmt.Errorf("%w: %s without identifier", domain.ErrValidation, c.Kind())
	}
	f := fields{}
	switch x := c.(type) {
	case Concept:
		f.core(x.Core)
		f.str("definitionStatusId", x.DefinitionStatusID)
	case Description:
		f.core(x.Core)
		f.str(FieldConceptID, x.ConceptID)
		f.str("languageCode", x.LanguageCode)
		f.str("typeId", x.TypeID)
		f.str(FieldTerm, x.Term)
		f.str("caseSignificanceId", x.CaseSignificanceID)
		preferred, acceptable := splitAcceptability(x.AcceptabilityMap)
		f.list("preferredIn", preferred)
		f.list("acceptableIn", acceptable)
	case Relationship:
		f.core(x.Core)
		f.str("sourceId", x.SourceID)
		f.str("destinationId", x.DestinationID)
		f["relationshipGroup"] = x.RelationshipGroup
		f.str("typeId", x.TypeID)
		f.str("characteristicTypeId", x.CharacteristicTypeID)
		f.str("modifierId", x.ModifierID)
	case ReferenceSetMember:
		f.core(x.Core)
		f.str("refsetId", x.RefSetID)
		f.str("referencedComponentId", x.ReferencedComponentID)
		f.list("additionalFields", encodePairs(x.Additional))
	case CodeSystem:
		f.str("name", x.Name)
		f.str("uri", x.URI)
		f.str("branchPath", x.BranchPath)
		f.str("countryCode", x.CountryCode)
		f.str("defaultLanguageCode", x.DefaultLanguageCode)
		f.str("maintainer", x.Maintainer)
	case CodeSystemVersion:
		f.str(FieldShortName, x.ShortName)
		f["effectiveDate"] = x.EffectiveDate
		f.str("version", x.Version)
		f.str("description", x.Description)
		f.str("branchPath", x.BranchPath)
	default:
		return domain.Document{}, fmt.Errorf("%w: %T", domain.ErrUnknownType, c)
	}
	return domain.NewDocument(string(c.Kind()), c.ComponentID(), f), nil
}

// FromDocument converts a stored document back into its component kind.
func FromDocument(doc domain.Document) (Component, error) {
	d := reader(doc.Fields)
	switch Kind(doc.Type) {
	case KindConcept:
		return Concept{
			Core:               d.core(doc.ID),
			DefinitionStatusID: d.str("definitionStatusId"),
		}, nil
	case KindDescription:
		return Description{
			Core:               d.core(doc.ID),
			ConceptID:          d.str(FieldConceptID),
			LanguageCode:       d.str("languageCode"),
			TypeID:             d.str("typeId"),
			Term:               d.str(FieldTerm),
			CaseSignificanceID: d.str("caseSignificanceId"),
			AcceptabilityMap:   joinAcceptability(d.list("preferredIn"), d.list("acceptableIn")),
		}, nil
	case KindRelationship:
		return Relationship{
			Core:                 d.core(doc.ID),
			SourceID:             d.str("sourceId"),
			DestinationID:        d.str("destinationId"),
			RelationshipGroup:    d.long("relationshipGroup"),
			TypeID:               d.str("typeId"),
			CharacteristicTypeID: d.str("characteristicTypeId"),
			ModifierID:           d.str("modifierId"),
		}, nil
	case KindReferenceSetMember:
		return ReferenceSetMember{
			Core:                  d.core(doc.ID),
			RefSetID:              d.str("refsetId"),
			ReferencedComponentID: d.str("referencedComponentId"),
			Additional:            decodePairs(d.list("additionalFields")),
		}, nil
	case KindCodeSystem:
		return CodeSystem{
			ShortName:           doc.ID,
			Name:                d.str("name"),
			URI:                 d.str("uri"),
			BranchPath:          d.str("branchPath"),
			CountryCode:         d.str("countryCode"),
			DefaultLanguageCode: d.str("defaultLanguageCode"),
			Maintainer:          d.str("maintainer"),
		}, nil
	case KindCodeSystemVersion:
		v := CodeSystemVersion{
			ShortName:     d.str(FieldShortName),
			EffectiveDate: d.long("effectiveDate"),
			Version:       d.str("version"),
			Description:   d.str("description"),
			BranchPath:    d.str("branchPath"),
		}
		if v.ComponentID() != doc.ID {
			return nil, fmt.Errorf("%w: version id %s does not match %s", domain.ErrValidation, doc.ID, v.ComponentID())
		}
		return v, nil
	}
	return nil, fmt.Errorf("%w: %q", domain.ErrUnknownType, doc.Type)
}

type fields map[string]any

func (f fields) core(c Core) {
	f[FieldActive] = c.Active
	f.str(FieldModuleID, c.ModuleID)
	if c.EffectiveTime > 0 {
		f[FieldEffectiveTime] = c.EffectiveTime
	}
}

func (f fields) str(name, v string) {
	if v != "" {
		f[name] = v
	}
}

func (f fields) list(name string, vs []string) {
	if len(vs) == 0 {
		return
	}
	out := make([]any, len(vs))
	for i, v := range vs {
		out[i] = v
	}
	f[name] = out
}

type reader map[string]any

func (r reader) core(id string) Core {
	active, _ := r[FieldActive].(bool)
	return Core{
		ID:            id,
		Active:        active,
		ModuleID:      r.str(FieldModuleID),
		EffectiveTime: r.long(FieldEffectiveTime),
	}
}

func (r reader) str(name string) string {
	s, _ := r[name].(string)
	return s
}

func (r reader) long(name string) int64 {
	switch v := r[name].(type) {
	case int64:
		return v
	case float64:
		return int64(v)
	case int:
		return int64(v)
	}
	return 0
}

func (r reader) list(name string) []string {
	var out []string
	for _, v := range domain.Values(r[name]) {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func splitAcceptability(m map[string]string) (preferred, acceptable []string) {
	for refset, acc := range m {
		switch acc {
		case Preferred:
			preferred = append(preferred, refset)
		case Acceptable:
			acceptable = append(acceptable, refset)
		}
	}
	sort.Strings(preferred)
	sort.Strings(acceptable)
	return preferred, acceptable
}

func joinAcceptability(preferred, acceptable []string) map[string]string {
	if len(preferred)+len(acceptable) == 0 {
		return nil
	}
	m := make(map[string]string, len(preferred)+len(acceptable))
	for _, r := range acceptable {
		m[r] = Acceptable
	}
	for _, r := range preferred {
		m[r] = Preferred
	}
	return m
}

// encodePairs renders additional columns as sorted "name=value" entries
func encodePairs(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func decodePairs(entries []string) map[string]string {
	if len(entries) == 0 {
		return nil
	}
	m := make(map[string]string, len(entries))
	for _, e := range entries {
		k, v, _ := strings.Cut(e, "=")
		m[k] = v
	}
	return m
}
