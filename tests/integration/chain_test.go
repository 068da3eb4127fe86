package integration

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hashplane/hashplane/pkg/audit"
)

// appendConcurrently writes events from several goroutines at once. The
// chain head row lock is what keeps prev_hash linkage intact here; an
// in-process mutex would not survive a second server replica.
func appendConcurrently(t *testing.T, h *harness, writers, perWriter int) {
	t.Helper()

	errCh := make(chan error, writers*perWriter)
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				err := h.audit.Append(&audit.Event{
					SiteID:    "site-a",
					ActorType: audit.ActorSystem,
					ActorID:   fmt.Sprintf("writer-%d", w),
					EventType: audit.EventCommandExpired,
					RefType:   "command",
					RefID:     fmt.Sprintf("cmd-%d-%d", w, i),
				})
				if err != nil {
					errCh <- err
				}
			}
		}(w)
	}
	wg.Wait()
	close(errCh)
	for err := range errCh {
		require.NoError(t, err)
	}
}

func TestPostgresAuditChainSurvivesConcurrentAppends(t *testing.T) {
	skipIfNoDocker(t)
	h := newHarness(t, openPostgres(t))

	const writers, perWriter = 8, 25
	appendConcurrently(t, h, writers, perWriter)

	res, err := h.audit.Verify("", 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK, "chain broken at event %d", res.FirstBrokenID)
	assert.Equal(t, writers*perWriter, res.Checked)
}

func TestMySQLAuditChainSurvivesConcurrentAppends(t *testing.T) {
	skipIfNoDocker(t)
	h := newHarness(t, openMySQL(t))

	const writers, perWriter = 6, 20
	appendConcurrently(t, h, writers, perWriter)

	res, err := h.audit.Verify("", 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK, "chain broken at event %d", res.FirstBrokenID)
	assert.Equal(t, writers*perWriter, res.Checked)
}
