package audit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chainedEvent() *Event {
	return &Event{
		SiteID:    "site-a",
		ActorType: ActorUser,
		ActorID:   "olga-op",
		EventType: EventCommandProposed,
		RefType:   "command",
		RefID:     "cmd-1",
		Payload:   JSONAny{"risk_tier": "HIGH", "target_count": 3},
		TsNano:    1723000000000000001,
		PrevHash:  GenesisHash,
	}
}

func TestComputeHashDeterministic(t *testing.T) {
	a, err := ComputeHash(chainedEvent())
	require.NoError(t, err)
	b, err := ComputeHash(chainedEvent())
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}

func TestComputeHashCoversChainedFields(t *testing.T) {
	base, err := ComputeHash(chainedEvent())
	require.NoError(t, err)

	mutations := map[string]func(*Event){
		"site_id":    func(e *Event) { e.SiteID = "site-b" },
		"actor_type": func(e *Event) { e.ActorType = ActorDevice },
		"actor_id":   func(e *Event) { e.ActorID = "mallory" },
		"event_type": func(e *Event) { e.EventType = EventCommandApproved },
		"ref_type":   func(e *Event) { e.RefType = "miner" },
		"ref_id":     func(e *Event) { e.RefID = "cmd-2" },
		"ts_nano":    func(e *Event) { e.TsNano++ },
		"prev_hash":  func(e *Event) { e.PrevHash = "ff" + GenesisHash[2:] },
		"payload":    func(e *Event) { e.Payload["risk_tier"] = "LOW" },
	}
	for field, mutate := range mutations {
		e := chainedEvent()
		mutate(e)
		h, err := ComputeHash(e)
		require.NoError(t, err)
		assert.NotEqual(t, base, h, "changing %s must change the hash", field)
	}
}

// ID is engine-assigned and CreatedAt loses precision in some engines, so
// neither participates in the hash. TsNano carries the time instead.
func TestComputeHashIgnoresUnchainedFields(t *testing.T) {
	base, err := ComputeHash(chainedEvent())
	require.NoError(t, err)

	e := chainedEvent()
	e.ID = 42
	e.EventHash = "not-part-of-the-input"
	e.CreatedAt = e.CreatedAt.Add(1)
	h, err := ComputeHash(e)
	require.NoError(t, err)
	assert.Equal(t, base, h)
}

func TestComputeHashNilPayload(t *testing.T) {
	e := chainedEvent()
	e.Payload = nil
	a, err := ComputeHash(e)
	require.NoError(t, err)

	e.Payload = JSONAny{}
	b, err := ComputeHash(e)
	require.NoError(t, err)

	// nil and empty payloads canonicalize differently on purpose: a tampered
	// row cannot silently drop the payload column.
	assert.NotEqual(t, a, b)
}

func TestGenesisHash(t *testing.T) {
	assert.Len(t, GenesisHash, 64)
	for _, c := range GenesisHash {
		assert.Equal(t, '0', c)
	}
}
