package domain

// Page is one page of query results scoped to a branch snapshot.
// At most one of SearchAfter and ScrollID is set: the token the caller passes
// back to fetch the following page.
type Page struct {
	Items       []Revision `json:"items"`
	SearchAfter string     `json:"search_after,omitempty"`
	ScrollID    string     `json:"scroll_id,omitempty"`
	Limit       int        `json:"limit"`
	Total       int        `json:"total"`
	// Timestamp is the branch timestamp the page was read at
	Timestamp int64 `json:"timestamp"`
}

// IDs returns the document identifiers of the page in order.
func (p *Page) IDs() []string {
	ids := make([]string, len(p.Items))
	for i, r := range p.Items {
		ids[i] = r.ID
	}
	return ids
}

// Done reports whether no further pages are available.
func (p *Page) Done() bool {
	return p.SearchAfter == "" && p.ScrollID == ""
}
