package terminology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/termstore/internal/core/domain"
	"github.com/custodia-labs/termstore/internal/core/services"
)

const (
	coreModule   = "900000000000207008"
	usLangRefset = "900000000000509007"
	gbLangRefset = "900000000000508004"
)

func TestSchemas_RegisterInOrder(t *testing.T) {
	registry := services.NewRegistry(nil)
	for _, s := range Schemas() {
		require.NoError(t, s.Validate(), s.Type)
		_, err := registry.Register(s)
		require.NoError(t, err, s.Type)
	}

	children := registry.ChildTypes(string(KindConcept))
	var names []string
	for _, c := range children {
		names = append(names, c.Type)
	}
	assert.ElementsMatch(t, []string{"Description", "Relationship"}, names)

	cs, err := SchemaOf(KindCodeSystem)
	require.NoError(t, err)
	assert.Equal(t, FieldShortName, cs.IDField)

	_, err = SchemaOf("Axiom")
	assert.ErrorIs(t, err, domain.ErrUnknownType)
}

func TestToDocument_Description(t *testing.T) {
	d := Description{
		Core:         Core{ID: "754365011", Active: true, ModuleID: coreModule},
		ConceptID:    "22298006",
		LanguageCode: "en",
		Term:         "Myocardial infarction",
		AcceptabilityMap: map[string]string{
			usLangRefset: Preferred,
			gbLangRefset: Acceptable,
		},
	}
	doc, err := ToDocument(d)
	require.NoError(t, err)
	assert.Equal(t, "Description", doc.Type)
	assert.Equal(t, "754365011", doc.ID)
	assert.Equal(t, []any{usLangRefset}, doc.Fields["preferredIn"])
	assert.Equal(t, []any{gbLangRefset}, doc.Fields["acceptableIn"])
	assert.NotContains(t, doc.Fields, FieldEffectiveTime, "unpublished components carry no effective time")
	assert.NotContains(t, doc.Fields, "typeId")

	back, err := FromDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, d, back)
	assert.False(t, back.(Description).Released())
}

func TestToDocument_ReferenceSetMember(t *testing.T) {
	m := ReferenceSetMember{
		Core:                  Core{ID: "a1b2", Active: true, EffectiveTime: 20240101},
		RefSetID:              "447562003",
		ReferencedComponentID: "22298006",
		Additional:            map[string]string{"mapTarget": "I21.9", "mapGroup": "1"},
	}
	doc, err := ToDocument(m)
	require.NoError(t, err)
	assert.Equal(t, []any{"mapGroup=1", "mapTarget=I21.9"}, doc.Fields["additionalFields"])
	assert.Equal(t, int64(20240101), doc.Fields[FieldEffectiveTime])

	back, err := FromDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, m, back)
	assert.True(t, back.(ReferenceSetMember).Released())
}

func TestCodeSystemVersionID(t *testing.T) {
	v := CodeSystemVersion{ShortName: "SNOMEDCT", EffectiveDate: 20240101, BranchPath: "MAIN/2024-01-01"}
	doc, err := ToDocument(v)
	require.NoError(t, err)
	assert.Equal(t, "SNOMEDCT_20240101", doc.ID)

	doc.ID = "SNOMEDCT_20230101"
	_, err = FromDocument(doc)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestFromDocument_Dispatch(t *testing.T) {
	tests := []struct {
		doc  domain.Document
		kind Kind
	}{
		{domain.NewDocument("Concept", "22298006", map[string]any{"active": true}), KindConcept},
		{domain.NewDocument("Relationship", "r1", map[string]any{"active": true, "sourceId": "1", "typeId": "116680003", "relationshipGroup": int64(2)}), KindRelationship},
		{domain.NewDocument("CodeSystem", "SNOMEDCT", map[string]any{"branchPath": "MAIN"}), KindCodeSystem},
	}
	for _, tt := range tests {
		c, err := FromDocument(tt.doc)
		require.NoError(t, err)
		assert.Equal(t, tt.kind, c.Kind())
		assert.Equal(t, tt.doc.ID, c.ComponentID())
	}

	r, _ := FromDocument(tests[1].doc)
	assert.Equal(t, int64(2), r.(Relationship).RelationshipGroup)

	_, err := FromDocument(domain.NewDocument("Axiom", "x", nil))
	assert.ErrorIs(t, err, domain.ErrUnknownType)

	_, err = ToDocument(Concept{})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = ToDocument(nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestFromRevision(t *testing.T) {
	rev := domain.Revision{
		Type:     "Concept",
		ID:       "22298006",
		Branch:   "MAIN/task",
		Created:  100,
		Revised:  domain.Open,
		CommitID: "c1",
		Fields:   map[string]any{"active": false, "definitionStatusId": "900000000000074008"},
	}
	v, err := FromRevision(rev)
	require.NoError(t, err)
	assert.True(t, v.Current())
	assert.Equal(t, "MAIN/task", v.Branch)
	assert.Equal(t, int64(100), v.Created)

	switch c := v.Component.(type) {
	case Concept:
		assert.False(t, c.Active)
		assert.Equal(t, "900000000000074008", c.DefinitionStatusID)
	default:
		t.Fatalf("unexpected component %T", c)
	}
}
