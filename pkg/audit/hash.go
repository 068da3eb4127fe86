package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// GenesisHash is the prev_hash of the first event in the chain.
var GenesisHash = strings.Repeat("0", 64)

// ComputeHash returns the hex SHA-256 of the event's canonical form. The
// canonical form is sorted-key JSON over every chained field including
// prev_hash and excluding event_hash itself, so the hash both fingerprints
// the event and commits it to its position in the chain.
func ComputeHash(e *Event) (string, error) {
	body := map[string]any{
		"site_id":    e.SiteID,
		"actor_type": e.ActorType,
		"actor_id":   e.ActorID,
		"event_type": e.EventType,
		"ref_type":   e.RefType,
		"ref_id":     e.RefID,
		"ts_nano":    e.TsNano,
		"prev_hash":  e.PrevHash,
	}
	if e.Payload != nil {
		body["payload"] = map[string]any(e.Payload)
	}
	// encoding/json marshals map keys in sorted order, which is the stable
	// ordering the chain relies on.
	b, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("canonicalize audit event: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
