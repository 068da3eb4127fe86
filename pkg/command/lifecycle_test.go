package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	allowed := []struct{ from, to Status }{
		{StatusPending, StatusPendingApproval},
		{StatusPending, StatusQueued},
		{StatusPending, StatusCancelled},
		{StatusPending, StatusExpired},
		{StatusPendingApproval, StatusQueued},
		{StatusPendingApproval, StatusCancelled},
		{StatusPendingApproval, StatusExpired},
		{StatusQueued, StatusDispatched},
		{StatusQueued, StatusCancelled},
		{StatusQueued, StatusExpired},
		{StatusDispatched, StatusRunning},
		{StatusDispatched, StatusQueued},
		{StatusDispatched, StatusSucceeded},
		{StatusDispatched, StatusPartial},
		{StatusDispatched, StatusFailed},
		{StatusDispatched, StatusCancelled},
		{StatusDispatched, StatusExpired},
		{StatusRunning, StatusQueued},
		{StatusRunning, StatusSucceeded},
		{StatusRunning, StatusPartial},
		{StatusRunning, StatusFailed},
		{StatusRunning, StatusCancelled},
		{StatusRunning, StatusExpired},
	}
	for _, tc := range allowed {
		assert.NoError(t, ValidateTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}

	denied := []struct{ from, to Status }{
		{StatusPending, StatusDispatched},
		{StatusPending, StatusRunning},
		{StatusPending, StatusSucceeded},
		{StatusPendingApproval, StatusDispatched},
		{StatusPendingApproval, StatusRunning},
		{StatusQueued, StatusRunning},
		{StatusQueued, StatusSucceeded},
		{StatusQueued, StatusPendingApproval},
		{StatusDispatched, StatusPendingApproval},
		{StatusRunning, StatusDispatched},
	}
	for _, tc := range denied {
		err := ValidateTransition(tc.from, tc.to)
		require.Error(t, err, "%s -> %s", tc.from, tc.to)
		var terr *TransitionError
		require.ErrorAs(t, err, &terr)
		assert.Equal(t, tc.from, terr.From)
		assert.Equal(t, tc.to, terr.To)
	}
}

func TestValidateTransitionTerminalStatesClosed(t *testing.T) {
	all := []Status{
		StatusPending, StatusPendingApproval, StatusQueued, StatusDispatched,
		StatusRunning, StatusSucceeded, StatusPartial, StatusFailed,
		StatusCancelled, StatusExpired,
	}
	for _, from := range TerminalStatuses {
		for _, to := range all {
			err := ValidateTransition(from, to)
			if from == to {
				assert.NoError(t, err, "%s -> %s must be a no-op", from, to)
				continue
			}
			assert.Error(t, err, "terminal %s must not transition to %s", from, to)
		}
	}
}

func TestValidateTransitionSameStateNoOp(t *testing.T) {
	for from := range allowedTransitions {
		assert.NoError(t, ValidateTransition(from, from))
	}
}

func TestValidateTransitionUnknownState(t *testing.T) {
	err := ValidateTransition(Status("LIMBO"), StatusQueued)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LIMBO")
}

func TestIsTerminal(t *testing.T) {
	for _, s := range TerminalStatuses {
		assert.True(t, IsTerminal(s), "%s", s)
	}
	for _, s := range []Status{StatusPending, StatusPendingApproval, StatusQueued, StatusDispatched, StatusRunning} {
		assert.False(t, IsTerminal(s), "%s", s)
	}
}

func TestAllowedTransitionsCoversEveryStatus(t *testing.T) {
	for _, s := range []Status{
		StatusPending, StatusPendingApproval, StatusQueued, StatusDispatched,
		StatusRunning, StatusSucceeded, StatusPartial, StatusFailed,
		StatusCancelled, StatusExpired,
	} {
		_, ok := allowedTransitions[s]
		assert.True(t, ok, "status %s missing from lifecycle graph", s)
	}
	assert.Empty(t, AllowedTransitions(StatusSucceeded))
	assert.NotEmpty(t, AllowedTransitions(StatusQueued))
}
