package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidAgentID(t *testing.T) {
	valid := []string{
		"alice",
		"alice/web",
		"build-7",
		"a",
		"Host01.example_dev/proj",
	}
	for _, id := range valid {
		assert.True(t, ValidAgentID(id), id)
	}

	invalid := []string{
		"",
		"-alice",       // must start alphanumeric
		"_alice",       //
		".hidden",      //
		"alice bob",  // no spaces
		"alice::bob", // colon is the fingerprint delimiter
		"a" + strings.Repeat("b", 64), // 65 chars, one over
	}
	for _, id := range invalid {
		assert.False(t, ValidAgentID(id), id)
	}
}

func TestFullAgentID(t *testing.T) {
	assert.Equal(t, "alice", FullAgentID("alice", ""))
	assert.Equal(t, "alice/web", FullAgentID("alice", "web"))
}

func TestAgentStatusWindow(t *testing.T) {
	now := time.Now()
	agent := Agent{ID: "alice", LastSeen: now.Add(-LivenessWindow + time.Second)}
	assert.Equal(t, StatusOnline, agent.WithStatus(now).Status)

	// The window is open on the right: exactly LivenessWindow ago is
	// already offline.
	agent.LastSeen = now.Add(-LivenessWindow)
	assert.Equal(t, StatusOffline, agent.WithStatus(now).Status)

	agent.LastSeen = now.Add(-LivenessWindow - time.Second)
	assert.Equal(t, StatusOffline, agent.WithStatus(now).Status)
}
