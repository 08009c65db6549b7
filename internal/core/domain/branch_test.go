package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestValidatePath(t *testing.T) {
	tests := []struct {
		path string
		ok   bool
	}{
		{"MAIN", true},
		{"MAIN/SNOMEDCT-US", true},
		{"MAIN/SNOMEDCT-US/2024-03-01/task_1.2", true},
		{"main", false},
		{"MAIN/", false},
		{"MAIN//a", false},
		{"MAIN/a b", false},
		{"MAIN/..", false},
		{"OTHER/a", false},
		{"MAIN" + strings.Repeat("/a", MaxBranchDepth), false},
		{"MAIN" + strings.Repeat("/a", MaxBranchDepth-1), true},
	}
	for _, tt := range tests {
		err := ValidatePath(tt.path)
		if (err == nil) != tt.ok {
			t.Errorf("ValidatePath(%q): expected ok=%t, got %v", tt.path, tt.ok, err)
		}
		if err != nil && !errors.Is(err, ErrValidation) {
			t.Errorf("ValidatePath(%q): expected ErrValidation, got %v", tt.path, err)
		}
	}
}

func TestBranchPaths(t *testing.T) {
	path, err := ChildPath("MAIN/a", "task")
	if err != nil || path != "MAIN/a/task" {
		t.Fatalf("ChildPath: got %q, %v", path, err)
	}
	if _, err := ChildPath("MAIN", "a/b"); err == nil {
		t.Error("names with separators are rejected")
	}
	if ParentPath("MAIN/a/task") != "MAIN/a" || ParentPath("MAIN") != "" {
		t.Error("unexpected parent path")
	}

	b := &Branch{Path: "MAIN/a/task", State: BranchActive}
	if b.Name() != "task" || b.IsMain() || !b.Active() {
		t.Errorf("unexpected branch accessors for %+v", b)
	}
}

func TestParseBranchRef(t *testing.T) {
	tests := []struct {
		in   string
		want BranchRef
		ok   bool
	}{
		{"MAIN", BranchRef{Path: "MAIN"}, true},
		{"MAIN/a@1700000000000", BranchRef{Path: "MAIN/a", Timestamp: 1700000000000}, true},
		{"1700000000000", BranchRef{Timestamp: 1700000000000}, true},
		{"", BranchRef{}, false},
		{"MAIN@", BranchRef{}, false},
		{"MAIN@0", BranchRef{}, false},
		{"MAIN@-5", BranchRef{}, false},
		{"MAIN@soon", BranchRef{}, false},
		{"nope@5", BranchRef{}, false},
	}
	for _, tt := range tests {
		got, err := ParseBranchRef(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseBranchRef(%q): expected ok=%t, got %v", tt.in, tt.ok, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseBranchRef(%q): expected %+v, got %+v", tt.in, tt.want, got)
		}
	}
}

func TestParseRevisionRange(t *testing.T) {
	rng, err := ParseRevisionRange("MAIN/a@100...200")
	if err != nil {
		t.Fatal(err)
	}
	if rng.From != (BranchRef{Path: "MAIN/a", Timestamp: 100}) || rng.To != (BranchRef{Path: "MAIN/a", Timestamp: 200}) {
		t.Errorf("bare timestamp should inherit the path, got %+v", rng)
	}
	if rng.String() != "MAIN/a@100...MAIN/a@200" {
		t.Errorf("unexpected string %q", rng.String())
	}

	rng, err = ParseRevisionRange("100...MAIN")
	if err != nil || rng.From.Path != "MAIN" || rng.To.Timestamp != 0 {
		t.Errorf("unexpected range %+v, %v", rng, err)
	}

	for _, bad := range []string{"MAIN", "MAIN..MAIN", "...MAIN", "MAIN@x...MAIN"} {
		if _, err := ParseRevisionRange(bad); !errors.Is(err, ErrValidation) {
			t.Errorf("ParseRevisionRange(%q): expected ErrValidation, got %v", bad, err)
		}
	}
}
