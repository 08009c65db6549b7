package domain

// ChangeOp is the kind of change a commit applied to a document
type ChangeOp string

const (
	ChangeAdd    ChangeOp = "add"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// Change identifies one document touched by a commit.
type Change struct {
	Type string   `json:"type"`
	ID   string   `json:"id"`
	Op   ChangeOp `json:"op"`
}

// Commit is the audit record of an atomic batch of revisions on one branch.
// MergeSource and MergeSourceHead are set for commits written by a merge and
// record which source range the merge covered.
type Commit struct {
	ID              string   `json:"id"`
	Branch          string   `json:"branch"`
	Author          string   `json:"author"`
	Comment         string   `json:"comment"`
	Timestamp       int64    `json:"timestamp"`
	Changes         []Change `json:"changes"`
	MergeSource     string   `json:"merge_source,omitempty"`
	MergeSourceHead int64    `json:"merge_source_head,omitempty"`
}

// IsMerge reports whether the commit was written by a merge.
func (c *Commit) IsMerge() bool {
	return c.MergeSource != ""
}

// CommitResult is returned to writers after a successful commit or merge.
type CommitResult struct {
	BranchPath    string   `json:"branch_path"`
	HeadTimestamp int64    `json:"head_timestamp"`
	AffectedCount int      `json:"affected_count"`
	CommitIDs     []string `json:"commit_ids,omitempty"`
}
