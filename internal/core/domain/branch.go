package domain

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// MainPath is the trunk of the branch tree
const MainPath = "MAIN"

// MaxBranchDepth bounds the number of path segments
const MaxBranchDepth = 32

// BranchState is the lifecycle state of a branch
type BranchState string

const (
	BranchActive  BranchState = "ACTIVE"
	BranchDeleted BranchState = "DELETED"
)

// Branch is a named, isolated line of document history.
// Base is the parent timestamp the branch inherits content from; Head is the
// timestamp of the latest commit on the branch (equal to Base until the first commit).
type Branch struct {
	Path      string            `json:"path"`
	Parent    string            `json:"parent,omitempty"`
	Base      int64             `json:"base"`
	Head      int64             `json:"head"`
	State     BranchState       `json:"state"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// Name returns the last path segment.
func (b *Branch) Name() string {
	if i := strings.LastIndex(b.Path, "/"); i >= 0 {
		return b.Path[i+1:]
	}
	return b.Path
}

// IsMain reports whether the branch is the trunk.
func (b *Branch) IsMain() bool {
	return b.Path == MainPath
}

// Active reports whether the branch accepts reads and writes.
func (b *Branch) Active() bool {
	return b.State == BranchActive
}

var segmentPattern = regexp.MustCompile(`^[A-Za-z0-9_.\-]+$`)

// ValidatePath checks a full branch path: MAIN followed by zero or more segments.
func ValidatePath(path string) error {
	segments := strings.Split(path, "/")
	if segments[0] != MainPath {
		return fmt.Errorf("%w: branch path %q must start with %s", ErrValidation, path, MainPath)
	}
	if len(segments) > MaxBranchDepth {
		return fmt.Errorf("%w: branch path %q is deeper than %d", ErrValidation, path, MaxBranchDepth)
	}
	for _, s := range segments[1:] {
		if err := ValidateBranchName(s); err != nil {
			return err
		}
	}
	return nil
}

// ValidateBranchName checks a single path segment.
func ValidateBranchName(name string) error {
	if !segmentPattern.MatchString(name) || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid branch name %q", ErrValidation, name)
	}
	return nil
}

// ChildPath joins a parent path and a branch name.
func ChildPath(parent, name string) (string, error) {
	if err := ValidateBranchName(name); err != nil {
		return "", err
	}
	path := parent + "/" + name
	if err := ValidatePath(path); err != nil {
		return "", err
	}
	return path, nil
}

// ParentPath returns the parent of a path, or "" for MAIN.
func ParentPath(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[:i]
	}
	return ""
}

// BranchRef points at a branch, optionally pinned to a timestamp.
// A zero Timestamp means the branch head.
type BranchRef struct {
	Path      string
	Timestamp int64
}

func (r BranchRef) String() string {
	if r.Timestamp == 0 {
		return r.Path
	}
	return r.Path + "@" + strconv.FormatInt(r.Timestamp, 10)
}

// ParseBranchRef parses "path" or "path@epochMillis". A bare number is a
// timestamp without path.
func ParseBranchRef(s string) (BranchRef, error) {
	if s == "" {
		return BranchRef{}, fmt.Errorf("%w: empty branch reference", ErrValidation)
	}
	if isDigits(s) {
		ts, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return BranchRef{}, fmt.Errorf("%w: invalid timestamp %q", ErrValidation, s)
		}
		return BranchRef{Timestamp: ts}, nil
	}
	path, tsPart, pinned := strings.Cut(s, "@")
	if err := ValidatePath(path); err != nil {
		return BranchRef{}, err
	}
	ref := BranchRef{Path: path}
	if pinned {
		if !isDigits(tsPart) {
			return BranchRef{}, fmt.Errorf("%w: invalid timestamp in %q", ErrValidation, s)
		}
		ts, err := strconv.ParseInt(tsPart, 10, 64)
		if err != nil || ts <= 0 {
			return BranchRef{}, fmt.Errorf("%w: invalid timestamp in %q", ErrValidation, s)
		}
		ref.Timestamp = ts
	}
	return ref, nil
}

// RangeSeparator separates the two ends of a revision range.
const RangeSeparator = "..."

// RevisionRange is a (From, To] interval used for delta reads.
type RevisionRange struct {
	From BranchRef
	To   BranchRef
}

func (r RevisionRange) String() string {
	return r.From.String() + RangeSeparator + r.To.String()
}

// ParseRevisionRange parses "<start>...<end>". Either end may be a bare
// timestamp, in which case it inherits the path of the other end.
func ParseRevisionRange(s string) (RevisionRange, error) {
	from, to, ok := strings.Cut(s, RangeSeparator)
	if !ok {
		return RevisionRange{}, fmt.Errorf("%w: %q is not a revision range", ErrValidation, s)
	}
	f, err := ParseBranchRef(from)
	if err != nil {
		return RevisionRange{}, err
	}
	t, err := ParseBranchRef(to)
	if err != nil {
		return RevisionRange{}, err
	}
	if f.Path == "" {
		f.Path = t.Path
	}
	if t.Path == "" {
		t.Path = f.Path
	}
	return RevisionRange{From: f, To: t}, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
