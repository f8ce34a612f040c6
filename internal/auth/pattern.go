package auth

import (
	"github.com/gobwas/glob"

	"github.com/michaelansel/c3po/internal/domain/model"
)

// Authorize reports whether the authenticated credential may act as
// agentID. Only api_key sources carry a restricting pattern; admin, proxy
// and dev-mode credentials pass.
func (m *Manager) Authorize(result model.AuthResult, agentID string) bool {
	if !result.Valid {
		return false
	}
	if result.Source != model.SourceAPIKey {
		return true
	}
	return PatternMatch(agentID, result.AgentPattern)
}

// PatternMatch applies fnmatch-style glob semantics: "*" matches any run
// including "/", "?" one character, "[set]" classes. An uncompilable
// pattern matches nothing.
func PatternMatch(agentID, pattern string) bool {
	if pattern == "" {
		return false
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return false
	}
	return g.Match(agentID)
}
