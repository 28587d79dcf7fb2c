package domain

// Token is the unit of work moving through the graph. Tokens are value
// snapshots: every transition produces a new Token instead of mutating one.
type Token struct {
	ID            string `json:"token_id"`
	RowID         string `json:"row_id"`
	Data          Row    `json:"data"`
	BranchName    string `json:"branch_name,omitempty"`
	ForkGroupID   string `json:"fork_group_id,omitempty"`
	JoinGroupID   string `json:"join_group_id,omitempty"`
	ExpandGroupID string `json:"expand_group_id,omitempty"`
	Step          int    `json:"step"`
}

// WithData returns a copy of the token carrying a new payload.
func (t Token) WithData(data Row) Token {
	t.Data = data.Clone()
	return t
}

// LineageKind identifies how a child token was derived from its parents.
type LineageKind string

const (
	LineageFork     LineageKind = "fork"
	LineageExpand   LineageKind = "expand"
	LineageCoalesce LineageKind = "coalesce"
	LineageBatch    LineageKind = "batch"
)

// LineageEdge is one parent -> child relation written to the audit trail.
type LineageEdge struct {
	ParentTokenID string      `json:"parent_token_id"`
	ChildTokenID  string      `json:"child_token_id"`
	Kind          LineageKind `json:"kind"`
	GroupID       string      `json:"group_id"`
	Ordinal       int         `json:"ordinal"`
}
