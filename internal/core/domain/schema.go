package domain

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// FieldKind is the storage type of a document field
type FieldKind string

const (
	FieldKeyword FieldKind = "keyword" // exact string, filterable and sortable
	FieldText    FieldKind = "text"    // analyzed string
	FieldLong    FieldKind = "long"    // int64
	FieldFloat   FieldKind = "float"   // float64
	FieldBoolean FieldKind = "boolean" // bool
	FieldDate    FieldKind = "date"    // epoch millis stored as int64
)

// Analyzer names the token projection used for a text field or an alias
type Analyzer string

const (
	AnalyzerKeyword   Analyzer = "keyword"   // whole value, untouched
	AnalyzerLowercase Analyzer = "lowercase" // whole value, lowercased
	AnalyzerStandard  Analyzer = "standard"  // word tokens, lowercased
	AnalyzerFolding   Analyzer = "folding"   // word tokens, lowercased, diacritics removed
)

// Valid reports whether a is a known analyzer.
func (a Analyzer) Valid() bool {
	switch a {
	case AnalyzerKeyword, AnalyzerLowercase, AnalyzerStandard, AnalyzerFolding:
		return true
	}
	return false
}

// Tokenized reports whether the analyzer splits values into words.
func (a Analyzer) Tokenized() bool {
	return a == AnalyzerStandard || a == AnalyzerFolding
}

// Alias is a secondary projection of a field, addressed as "<field>.<alias>".
type Alias struct {
	Name     string   `json:"name" toml:"name" msgpack:"name"`
	Analyzer Analyzer `json:"analyzer" toml:"analyzer" msgpack:"analyzer"`
}

// Field describes one declared field of a document type.
// Field values are immutable; the With* methods return modified copies.
type Field struct {
	Name     string    `json:"name" msgpack:"name"`
	Kind     FieldKind `json:"kind" msgpack:"kind"`
	Required bool      `json:"required,omitempty" msgpack:"required,omitempty"`
	Multi    bool      `json:"multi,omitempty" msgpack:"multi,omitempty"`
	Analyzer Analyzer  `json:"analyzer,omitempty" msgpack:"analyzer,omitempty"`
	Aliases  []Alias   `json:"aliases,omitempty" msgpack:"aliases,omitempty"`
}

func newField(name string, kind FieldKind) Field {
	f := Field{Name: name, Kind: kind}
	switch kind {
	case FieldText:
		f.Analyzer = AnalyzerStandard
	case FieldKeyword:
		f.Analyzer = AnalyzerKeyword
	}
	return f
}

// KeywordField declares an exact-match string field.
func KeywordField(name string) Field { return newField(name, FieldKeyword) }

// TextField declares an analyzed string field using the standard analyzer.
func TextField(name string) Field { return newField(name, FieldText) }

// LongField declares an int64 field.
func LongField(name string) Field { return newField(name, FieldLong) }

// FloatField declares a float64 field.
func FloatField(name string) Field { return newField(name, FieldFloat) }

// BooleanField declares a boolean field.
func BooleanField(name string) Field { return newField(name, FieldBoolean) }

// DateField declares an epoch-millis timestamp field.
func DateField(name string) Field { return newField(name, FieldDate) }

// AsRequired marks the field as mandatory on every document.
func (f Field) AsRequired() Field {
	f.Required = true
	return f
}

// AsMulti allows a list of values.
func (f Field) AsMulti() Field {
	f.Multi = true
	return f
}

// WithAnalyzer overrides the primary analyzer of a string field.
func (f Field) WithAnalyzer(a Analyzer) Field {
	f.Analyzer = a
	return f
}

// WithAlias adds a secondary projection of the field.
func (f Field) WithAlias(name string, a Analyzer) Field {
	aliases := make([]Alias, len(f.Aliases), len(f.Aliases)+1)
	copy(aliases, f.Aliases)
	f.Aliases = append(aliases, Alias{Name: name, Analyzer: a})
	return f
}

// Alias returns the alias with the given name.
func (f Field) Alias(name string) (Alias, bool) {
	for _, a := range f.Aliases {
		if a.Name == name {
			return a, true
		}
	}
	return Alias{}, false
}

// IsString reports whether the field holds string values.
func (f Field) IsString() bool {
	return f.Kind == FieldKeyword || f.Kind == FieldText
}

// ParentRef declares that documents of a type hang below documents of another type.
// Field holds the parent document identifier.
type ParentRef struct {
	Type  string `json:"type" msgpack:"type"`
	Field string `json:"field" msgpack:"field"`
}

// Schema is the structural descriptor of a document type.
type Schema struct {
	Type    string     `json:"type" msgpack:"type"`
	IDField string     `json:"id_field" msgpack:"id_field"`
	Fields  []Field    `json:"fields" msgpack:"fields"`
	Parent  *ParentRef `json:"parent,omitempty" msgpack:"parent,omitempty"`
}

// NewSchema builds a schema descriptor. The identifier field is added as a
// required keyword field when it is not declared explicitly.
func NewSchema(docType, idField string, fields ...Field) Schema {
	s := Schema{Type: docType, IDField: idField}
	hasID := false
	for _, f := range fields {
		if f.Name == idField {
			hasID = true
		}
	}
	if idField != "" && !hasID {
		s.Fields = append(s.Fields, KeywordField(idField).AsRequired())
	}
	s.Fields = append(s.Fields, fields...)
	return s
}

// WithParent returns a copy of the schema declaring a parent type.
func (s Schema) WithParent(parentType, field string) Schema {
	s.Parent = &ParentRef{Type: parentType, Field: field}
	return s
}

var namePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

// Validate checks the invariants of a type definition.
func (s Schema) Validate() error {
	if !namePattern.MatchString(s.Type) {
		return fmt.Errorf("%w: invalid type name %q", ErrSchema, s.Type)
	}
	if s.IDField == "" {
		return fmt.Errorf("%w: type %s has no identifier field", ErrSchema, s.Type)
	}
	seenFields := make(map[string]bool, len(s.Fields))
	aliasOwner := make(map[string]string)
	for _, f := range s.Fields {
		if !namePattern.MatchString(f.Name) {
			return fmt.Errorf("%w: %s: invalid field name %q", ErrSchema, s.Type, f.Name)
		}
		if IsEnvelopeField(f.Name) {
			return fmt.Errorf("%w: %s: field name %q is reserved", ErrSchema, s.Type, f.Name)
		}
		if seenFields[f.Name] {
			return fmt.Errorf("%w: %s: duplicate field %q", ErrSchema, s.Type, f.Name)
		}
		seenFields[f.Name] = true
		if f.IsString() && !f.Analyzer.Valid() {
			return fmt.Errorf("%w: %s.%s: unknown analyzer %q", ErrSchema, s.Type, f.Name, f.Analyzer)
		}
		for _, a := range f.Aliases {
			if !f.IsString() {
				return fmt.Errorf("%w: %s.%s: aliases require a string field", ErrSchema, s.Type, f.Name)
			}
			if !namePattern.MatchString(a.Name) {
				return fmt.Errorf("%w: %s.%s: invalid alias name %q", ErrSchema, s.Type, f.Name, a.Name)
			}
			if !a.Analyzer.Valid() {
				return fmt.Errorf("%w: %s.%s.%s: unknown analyzer %q", ErrSchema, s.Type, f.Name, a.Name, a.Analyzer)
			}
			// alias names are unique within the type, not just per field
			if owner, dup := aliasOwner[a.Name]; dup {
				return fmt.Errorf("%w: %s: alias %q on %s is already declared on %s", ErrSchema, s.Type, a.Name, f.Name, owner)
			}
			aliasOwner[a.Name] = f.Name
		}
	}
	id, ok := s.Field(s.IDField)
	if !ok {
		return fmt.Errorf("%w: type %s has no identifier field", ErrSchema, s.Type)
	}
	if id.Kind != FieldKeyword || id.Multi {
		return fmt.Errorf("%w: %s: identifier field %q must be a single keyword", ErrSchema, s.Type, s.IDField)
	}
	if s.Parent != nil {
		if s.Parent.Type == "" || !seenFields[s.Parent.Field] {
			return fmt.Errorf("%w: %s: parent reference needs a type and a declared field", ErrSchema, s.Type)
		}
	}
	return nil
}

// Field looks up a declared field by name.
func (s Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// ResolvePath resolves "field" or "field.alias" to the field and the analyzer
// that applies at that path. Envelope fields resolve to keyword or long fields.
func (s Schema) ResolvePath(path string) (Field, Analyzer, error) {
	if f, ok := envelopeFields[path]; ok {
		return f, f.Analyzer, nil
	}
	name, alias, hasAlias := strings.Cut(path, ".")
	f, ok := s.Field(name)
	if !ok {
		return Field{}, "", fmt.Errorf("%w: %s has no field %q", ErrValidation, s.Type, name)
	}
	if !hasAlias {
		return f, f.Analyzer, nil
	}
	a, ok := f.Alias(alias)
	if !ok {
		return Field{}, "", fmt.Errorf("%w: %s.%s has no alias %q", ErrValidation, s.Type, name, alias)
	}
	return f, a.Analyzer, nil
}

// Normalized returns a copy with fields and aliases in canonical order so that
// two equivalent declarations compare equal.
func (s Schema) Normalized() Schema {
	out := s
	out.Fields = make([]Field, len(s.Fields))
	for i, f := range s.Fields {
		nf := f
		nf.Aliases = append([]Alias(nil), f.Aliases...)
		sort.Slice(nf.Aliases, func(a, b int) bool { return nf.Aliases[a].Name < nf.Aliases[b].Name })
		if len(nf.Aliases) == 0 {
			nf.Aliases = nil
		}
		out.Fields[i] = nf
	}
	sort.Slice(out.Fields, func(a, b int) bool { return out.Fields[a].Name < out.Fields[b].Name })
	if s.Parent != nil {
		p := *s.Parent
		out.Parent = &p
	}
	return out
}

// Equal reports whether two schemas declare the same structure.
func (s Schema) Equal(other Schema) bool {
	return len(Diff(s, other)) == 0 && s.Type == other.Type
}
