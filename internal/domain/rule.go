package domain

// RuleConfig is a tenant rule: a CEL predicate over one annotated claim.
// A claim matching the expression gets a rule violation named after ID.
type RuleConfig struct {
	ID          string `json:"id" validate:"required,max=64"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name" validate:"required,max=128"`
	Description string `json:"description"`
	Version     string `json:"version" validate:"required"`
	Expression  string `json:"expression" validate:"required,max=4096"`
	Enabled     bool   `json:"enabled"`
}
