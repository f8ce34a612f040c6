package model

import "time"

// APIKey is the stored metadata for an agent API key. The raw secret is
// returned exactly once at creation; only the bcrypt verifier survives.
type APIKey struct {
	KeyID        string    `json:"key_id"`
	AgentPattern string    `json:"agent_pattern"`
	Description  string    `json:"description"`
	CreatedAt    time.Time `json:"created_at"`
	LastUsed     time.Time `json:"last_used"`
	Verifier     string    `json:"verifier"`
}

// Redacted strips the verifier for list/inspect surfaces.
func (k APIKey) Redacted() APIKey {
	k.Verifier = ""
	return k
}

// AuthSource tags which validator accepted (or rejected) a credential.
type AuthSource string

const (
	SourceNoAuth AuthSource = "no-auth"
	SourcePublic AuthSource = "public"
	SourceAPIKey AuthSource = "api_key"
	SourceProxy  AuthSource = "proxy"
	SourceAdmin  AuthSource = "admin"
)

// AuthResult is the tagged outcome shared by all three token validators.
type AuthResult struct {
	Valid        bool
	Source       AuthSource
	KeyID        string
	AgentPattern string
	Reason       string
}

// Admin reports whether the credential carries admin privileges.
func (r AuthResult) Admin() bool {
	return r.Valid && r.Source == SourceAdmin
}
