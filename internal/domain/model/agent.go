package model

import (
	"regexp"
	"time"
)

// LivenessWindow is how long after last_seen an agent still counts as
// online. Status is always computed per-read; nothing persists it.
const LivenessWindow = 90 * time.Second

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Agent is the presence record for one registered agent.
type Agent struct {
	ID           string    `json:"agent_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Capabilities []string  `json:"capabilities"`
	Description  string    `json:"description,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`

	// Status is derived from LastSeen at read time and never stored.
	Status string `json:"status,omitempty"`
}

func (a Agent) Online(now time.Time) bool {
	return now.Sub(a.LastSeen) < LivenessWindow
}

// WithStatus returns a copy with Status filled in relative to now.
func (a Agent) WithStatus(now time.Time) Agent {
	if a.Online(now) {
		a.Status = StatusOnline
	} else {
		a.Status = StatusOffline
	}
	return a
}

// agentIDRe: leading alphanumeric, then up to 63 of [a-zA-Z0-9_./-].
var agentIDRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_./-]{0,63}$`)

func ValidAgentID(id string) bool {
	return agentIDRe.MatchString(id)
}

// FullAgentID joins the machine base id with an optional project suffix.
func FullAgentID(machine, project string) string {
	if project == "" {
		return machine
	}
	return machine + "/" + project
}
