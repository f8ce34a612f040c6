package store

// Key layout in Redis. Everything the broker persists lives under the
// "c3po:" prefix so an operator can scan or flush the namespace safely.
const (
	AgentsKey   = "c3po:agents"   // hash: id -> agent record JSON
	APIKeysKey  = "c3po:api_keys" // hash: fingerprint -> key record JSON
	KeyIDsKey   = "c3po:key_ids"  // hash: key_id -> fingerprint
	AuditKey    = "c3po:audit"    // capped list of event JSONs

	InboxPrefix   = "c3po:inbox:"   // list of message JSONs per agent
	RepliesPrefix = "c3po:replies:" // list of reply JSONs per agent
	AckedPrefix   = "c3po:acked:"   // set of acked message ids per agent
	NotifyPrefix  = "c3po:notify:"  // capped list of wake tokens per agent
	RatePrefix    = "c3po:rate:"    // zset of timestamps per (op, identity)
	BlobPrefix    = "c3po:blob:"    // hash of content + metadata per blob
)

func InboxKey(agentID string) string   { return InboxPrefix + agentID }
func RepliesKey(agentID string) string { return RepliesPrefix + agentID }
func AckedKey(agentID string) string   { return AckedPrefix + agentID }
func NotifyKey(agentID string) string  { return NotifyPrefix + agentID }
func BlobKey(blobID string) string     { return BlobPrefix + blobID }

func RateKey(operation, identity string) string {
	return RatePrefix + operation + ":" + identity
}

// AgentKeys lists every per-agent key family, used by purge cleanup.
func AgentKeys(agentID string) []string {
	return []string{
		InboxKey(agentID),
		RepliesKey(agentID),
		AckedKey(agentID),
		NotifyKey(agentID),
	}
}
