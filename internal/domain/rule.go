package domain

// CheckRule is a custom quality rule: a CEL expression evaluated once per
// mapping row. The expression returns true when the row passes.
type CheckRule struct {
	ID          string   `json:"id"`
	TenantID    string   `json:"tenantId"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Expression  string   `json:"expression"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
}
