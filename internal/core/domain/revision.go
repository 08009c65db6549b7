package domain

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Envelope fields stored next to the declared fields of every revision.
const (
	EnvDocID   = "rev_doc_id"
	EnvBranch  = "rev_branch"
	EnvCreated = "rev_created"
	EnvRevised = "rev_revised"
	EnvCommit  = "rev_commit"
	EnvDeleted = "rev_deleted"
	EnvKey     = "rev_key"
	EnvType    = "rev_type"
)

// Open marks a revision that has not been superseded on its branch.
const Open int64 = math.MaxInt64

var envelopeFields = map[string]Field{
	EnvDocID:   KeywordField(EnvDocID),
	EnvBranch:  KeywordField(EnvBranch),
	EnvCreated: LongField(EnvCreated),
	EnvRevised: LongField(EnvRevised),
	EnvCommit:  KeywordField(EnvCommit),
	EnvDeleted: BooleanField(EnvDeleted),
	EnvKey:     KeywordField(EnvKey),
	EnvType:    KeywordField(EnvType),
}

// IsEnvelopeField reports whether name is reserved for revision bookkeeping.
func IsEnvelopeField(name string) bool {
	_, ok := envelopeFields[name]
	return ok
}

// EnvelopeFields returns the bookkeeping fields in a stable order.
func EnvelopeFields() []Field {
	return []Field{
		envelopeFields[EnvKey],
		envelopeFields[EnvType],
		envelopeFields[EnvDocID],
		envelopeFields[EnvBranch],
		envelopeFields[EnvCreated],
		envelopeFields[EnvRevised],
		envelopeFields[EnvCommit],
		envelopeFields[EnvDeleted],
	}
}

// Revision is an immutable snapshot of one document on one branch, visible on
// that branch in [Created, Revised). A deleted revision is a tombstone with
// Created == Revised: it is never visible but records the deletion in history.
type Revision struct {
	Type     string         `json:"type"`
	ID       string         `json:"id"`
	Branch   string         `json:"branch"`
	Created  int64          `json:"created"`
	Revised  int64          `json:"revised"`
	CommitID string         `json:"commit_id"`
	Deleted  bool           `json:"deleted,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`
	Score    float64        `json:"score,omitempty"`
}

// RevisionKey is the physical key of a revision inside an index generation.
func RevisionKey(branch, id string, created int64) string {
	return branch + "|" + id + "|" + strconv.FormatInt(created, 10)
}

// Key returns the physical key of the revision.
func (r Revision) Key() string {
	return RevisionKey(r.Branch, r.ID, r.Created)
}

// Current reports whether the revision is still open on its branch.
func (r Revision) Current() bool {
	return r.Revised == Open
}

// VisibleAt reports whether the revision is visible on its own branch at ts.
func (r Revision) VisibleAt(ts int64) bool {
	return r.Created <= ts && ts < r.Revised
}

// Document returns the document state carried by the revision.
func (r Revision) Document() Document {
	return NewDocument(r.Type, r.ID, r.Fields)
}

// Stored flattens the revision into the field map written to the engine.
func (r Revision) Stored() map[string]any {
	out := make(map[string]any, len(r.Fields)+8)
	for k, v := range r.Fields {
		out[k] = v
	}
	out[EnvKey] = r.Key()
	out[EnvType] = r.Type
	out[EnvDocID] = r.ID
	out[EnvBranch] = r.Branch
	out[EnvCreated] = r.Created
	out[EnvRevised] = r.Revised
	out[EnvCommit] = r.CommitID
	out[EnvDeleted] = r.Deleted
	return out
}

// RevisionFromStored rebuilds a revision from an engine document. docType is
// used when the stored document does not carry its type.
func RevisionFromStored(docType string, stored map[string]any) (Revision, error) {
	r := Revision{Type: docType, Fields: make(map[string]any, len(stored))}
	if t, ok := stored[EnvType].(string); ok && t != "" {
		r.Type = t
	}
	var ok bool
	if r.ID, ok = stored[EnvDocID].(string); !ok {
		return Revision{}, fmt.Errorf("%w: stored %s document without %s", ErrStorage, docType, EnvDocID)
	}
	r.Branch, _ = stored[EnvBranch].(string)
	r.CommitID, _ = stored[EnvCommit].(string)
	r.Deleted, _ = stored[EnvDeleted].(bool)
	created, ok := ToFloat(stored[EnvCreated])
	if !ok {
		return Revision{}, fmt.Errorf("%w: stored %s/%s without %s", ErrStorage, docType, r.ID, EnvCreated)
	}
	r.Created = toInt64(stored[EnvCreated], created)
	if revised, ok := ToFloat(stored[EnvRevised]); ok {
		r.Revised = toInt64(stored[EnvRevised], revised)
	} else {
		r.Revised = Open
	}
	for k, v := range stored {
		if IsEnvelopeField(k) {
			continue
		}
		r.Fields[k] = v
	}
	return r, nil
}

// toInt64 keeps int64 precision when available; JSON decoded numbers arrive as float64.
func toInt64(v any, f float64) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return math.MaxInt64
		}
		return int64(x)
	}
	if f >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(f)
}

// SplitRevisionKey parses a physical key back into its parts.
func SplitRevisionKey(key string) (branch, id string, created int64, err error) {
	last := strings.LastIndex(key, "|")
	if last < 0 {
		return "", "", 0, fmt.Errorf("%w: malformed revision key %q", ErrValidation, key)
	}
	first := strings.Index(key, "|")
	if first == last {
		return "", "", 0, fmt.Errorf("%w: malformed revision key %q", ErrValidation, key)
	}
	created, err = strconv.ParseInt(key[last+1:], 10, 64)
	if err != nil {
		return "", "", 0, fmt.Errorf("%w: malformed revision key %q", ErrValidation, key)
	}
	return key[:first], key[first+1 : last], created, nil
}
