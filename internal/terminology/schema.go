package terminology

import (
	"fmt"

	"github.com/custodia-labs/termstore/internal/core/domain"
)

// Field names shared by the RF2 kinds
const (
	FieldID            = "id"
	FieldActive        = "active"
	FieldModuleID      = "moduleId"
	FieldEffectiveTime = "effectiveTime"
	FieldConceptID     = "conceptId"
	FieldTerm          = "term"
	FieldShortName     = "shortName"
)

func coreFields() []domain.Field {
	return []domain.Field{
		domain.BooleanField(FieldActive).AsRequired(),
		domain.KeywordField(FieldModuleID),
		domain.LongField(FieldEffectiveTime),
	}
}

// Schemas returns the type definitions of every component kind, in the order
// of Kinds.
func Schemas() []domain.Schema {
	out := make([]domain.Schema, 0, len(Kinds()))
	for _, k := range Kinds() {
		s, _ := SchemaOf(k)
		out = append(out, s)
	}
	return out
}

// SchemaOf returns the type definition of one kind.
func SchemaOf(k Kind) (domain.Schema, error) {
	switch k {
	case KindConcept:
		return domain.NewSchema(string(k), FieldID, append(coreFields(),
			domain.KeywordField("definitionStatusId"),
		)...), nil
	case KindDescription:
		return domain.NewSchema(string(k), FieldID, append(coreFields(),
			domain.KeywordField(FieldConceptID).AsRequired(),
			domain.KeywordField("languageCode"),
			domain.KeywordField("typeId"),
			domain.TextField(FieldTerm).AsRequired().
				WithAlias("folded", domain.AnalyzerFolding).
				WithAlias("exact", domain.AnalyzerLowercase),
			domain.KeywordField("caseSignificanceId"),
			domain.KeywordField("preferredIn").AsMulti(),
			domain.KeywordField("acceptableIn").AsMulti(),
		)...).WithParent(string(KindConcept), FieldConceptID), nil
	case KindRelationship:
		return domain.NewSchema(string(k), FieldID, append(coreFields(),
			domain.KeywordField("sourceId").AsRequired(),
			domain.KeywordField("destinationId"),
			domain.LongField("relationshipGroup"),
			domain.KeywordField("typeId").AsRequired(),
			domain.KeywordField("characteristicTypeId"),
			domain.KeywordField("modifierId"),
		)...).WithParent(string(KindConcept), "sourceId"), nil
	case KindReferenceSetMember:
		return domain.NewSchema(string(k), FieldID, append(coreFields(),
			domain.KeywordField("refsetId").AsRequired(),
			domain.KeywordField("referencedComponentId").AsRequired(),
			domain.KeywordField("additionalFields").AsMulti(),
		)...), nil
	case KindCodeSystem:
		return domain.NewSchema(string(k), FieldShortName,
			domain.TextField("name"),
			domain.KeywordField("uri"),
			domain.KeywordField("branchPath").AsRequired(),
			domain.KeywordField("countryCode"),
			domain.KeywordField("defaultLanguageCode"),
			domain.TextField("maintainer"),
		), nil
	case KindCodeSystemVersion:
		return domain.NewSchema(string(k), FieldID,
			domain.KeywordField(FieldShortName).AsRequired(),
			domain.LongField("effectiveDate").AsRequired(),
			domain.KeywordField("version"),
			domain.TextField("description"),
			domain.KeywordField("branchPath"),
		).WithParent(string(KindCodeSystem), FieldShortName), nil
	}
	return domain.Schema{}, fmt.Errorf("%w: %q", domain.ErrUnknownType, k)
}
