package domain

import (
	"fmt"
	"sort"
	"strings"
)

// SchemaChangeKind classifies a difference between two schemas
type SchemaChangeKind string

const (
	SchemaAdded   SchemaChangeKind = "added"
	SchemaRemoved SchemaChangeKind = "removed"
	SchemaAltered SchemaChangeKind = "altered"
)

// SchemaChange is one field, alias or type-level difference.
// Alias is empty for field-level changes; Field is empty for type-level changes.
type SchemaChange struct {
	Kind   SchemaChangeKind `json:"kind"`
	Field  string           `json:"field,omitempty"`
	Alias  string           `json:"alias,omitempty"`
	Detail string           `json:"detail,omitempty"`
}

func (c SchemaChange) String() string {
	target := c.Field
	if c.Alias != "" {
		target += "." + c.Alias
	}
	if target == "" {
		target = "<type>"
	}
	if c.Detail != "" {
		return fmt.Sprintf("%s %s (%s)", c.Kind, target, c.Detail)
	}
	return fmt.Sprintf("%s %s", c.Kind, target)
}

// Diff lists the changes that turn stored into declared.
// The result is sorted, so equal inputs always produce equal plans.
func Diff(stored, declared Schema) []SchemaChange {
	var changes []SchemaChange
	s := stored.Normalized()
	d := declared.Normalized()

	if s.IDField != d.IDField {
		changes = append(changes, SchemaChange{Kind: SchemaAltered, Detail: fmt.Sprintf("identifier %s -> %s", s.IDField, d.IDField)})
	}
	if parentString(s.Parent) != parentString(d.Parent) {
		changes = append(changes, SchemaChange{Kind: SchemaAltered, Detail: fmt.Sprintf("parent %s -> %s", parentString(s.Parent), parentString(d.Parent))})
	}

	for _, df := range d.Fields {
		sf, ok := s.Field(df.Name)
		if !ok {
			changes = append(changes, SchemaChange{Kind: SchemaAdded, Field: df.Name, Detail: string(df.Kind)})
			for _, a := range df.Aliases {
				changes = append(changes, SchemaChange{Kind: SchemaAdded, Field: df.Name, Alias: a.Name, Detail: string(a.Analyzer)})
			}
			continue
		}
		if detail := fieldDelta(sf, df); detail != "" {
			changes = append(changes, SchemaChange{Kind: SchemaAltered, Field: df.Name, Detail: detail})
		}
		for _, da := range df.Aliases {
			sa, ok := sf.Alias(da.Name)
			switch {
			case !ok:
				changes = append(changes, SchemaChange{Kind: SchemaAdded, Field: df.Name, Alias: da.Name, Detail: string(da.Analyzer)})
			case sa.Analyzer != da.Analyzer:
				changes = append(changes, SchemaChange{Kind: SchemaAltered, Field: df.Name, Alias: da.Name, Detail: fmt.Sprintf("analyzer %s -> %s", sa.Analyzer, da.Analyzer)})
			}
		}
		for _, sa := range sf.Aliases {
			if _, ok := df.Alias(sa.Name); !ok {
				changes = append(changes, SchemaChange{Kind: SchemaRemoved, Field: df.Name, Alias: sa.Name})
			}
		}
	}
	for _, sf := range s.Fields {
		if _, ok := d.Field(sf.Name); !ok {
			changes = append(changes, SchemaChange{Kind: SchemaRemoved, Field: sf.Name})
		}
	}

	sort.SliceStable(changes, func(i, j int) bool {
		if changes[i].Field != changes[j].Field {
			return changes[i].Field < changes[j].Field
		}
		if changes[i].Alias != changes[j].Alias {
			return changes[i].Alias < changes[j].Alias
		}
		return changes[i].Kind < changes[j].Kind
	})
	return changes
}

func fieldDelta(s, d Field) string {
	var parts []string
	if s.Kind != d.Kind {
		parts = append(parts, fmt.Sprintf("kind %s -> %s", s.Kind, d.Kind))
	}
	if s.Analyzer != d.Analyzer {
		parts = append(parts, fmt.Sprintf("analyzer %s -> %s", s.Analyzer, d.Analyzer))
	}
	if s.Required != d.Required {
		parts = append(parts, fmt.Sprintf("required %t -> %t", s.Required, d.Required))
	}
	if s.Multi != d.Multi {
		parts = append(parts, fmt.Sprintf("multi %t -> %t", s.Multi, d.Multi))
	}
	return strings.Join(parts, ", ")
}

func parentString(p *ParentRef) string {
	if p == nil {
		return "none"
	}
	return p.Type + "." + p.Field
}

// MigrationPlan describes how to move a document type from its active index
// generation to one matching the declared schema.
type MigrationPlan struct {
	Type           string         `json:"type"`
	FromIndex      string         `json:"from_index,omitempty"`
	FromGeneration int            `json:"from_generation"`
	ToIndex        string         `json:"to_index"`
	ToGeneration   int            `json:"to_generation"`
	Declared       Schema         `json:"declared"`
	Stored         *Schema        `json:"stored,omitempty"`
	Changes        []SchemaChange `json:"changes,omitempty"`
}

// IsNoop reports whether the active generation already matches the declared schema.
func (p *MigrationPlan) IsNoop() bool {
	return p.FromIndex != "" && len(p.Changes) == 0
}

// IsInitial reports whether the plan creates the first generation of a type.
func (p *MigrationPlan) IsInitial() bool {
	return p.FromIndex == ""
}

// RemovedFields lists fields dropped by the plan.
func (p *MigrationPlan) RemovedFields() []string {
	var out []string
	for _, c := range p.Changes {
		if c.Kind == SchemaRemoved && c.Field != "" && c.Alias == "" {
			out = append(out, c.Field)
		}
	}
	return out
}

// MigrationResult reports what an applied plan did.
type MigrationResult struct {
	Type         string `json:"type"`
	Generation   int    `json:"generation"`
	Index        string `json:"index"`
	Copied       int    `json:"copied"`
	CaughtUp     int    `json:"caught_up"`
	Noop         bool   `json:"noop"`
	RetiredIndex string `json:"retired_index,omitempty"`
}
