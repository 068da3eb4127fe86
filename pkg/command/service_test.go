package command

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/hashplane/hashplane/pkg/audit"
	"github.com/hashplane/hashplane/pkg/authz"
	"github.com/hashplane/hashplane/pkg/fleet"
	"github.com/hashplane/hashplane/pkg/policy"
)

type testEnv struct {
	db      *gorm.DB
	svc     *Service
	store   *Store
	fleet   *fleet.Store
	audit   *audit.Store
	cfg     Config
	ctx     context.Context
	admin   authz.Identity
	op      authz.Identity
	op2     authz.Identity
	cust    authz.Identity
	outcust authz.Identity
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	auditStore := audit.NewStore(db, nil)
	require.NoError(t, auditStore.AutoMigrate())
	fleetStore := fleet.NewStore(db)
	require.NoError(t, fleetStore.AutoMigrate())
	store := NewStore(db)
	require.NoError(t, store.AutoMigrate())

	cfg := DefaultConfig()
	svc := NewService(db, store, fleetStore, policy.NewEngine(nil), auditStore, cfg, nil)

	env := &testEnv{
		db:      db,
		svc:     svc,
		store:   store,
		fleet:   fleetStore,
		audit:   auditStore,
		cfg:     cfg,
		ctx:     context.Background(),
		admin:   authz.Identity{Subject: "alice-admin", Role: authz.RoleAdmin, TenantID: "acme"},
		op:      authz.Identity{Subject: "olga-op", Role: authz.RoleOperator, TenantID: "acme"},
		op2:     authz.Identity{Subject: "omar-op", Role: authz.RoleOperator, TenantID: "acme"},
		cust:    authz.Identity{Subject: "carol-cust", Role: authz.RoleCustomer, TenantID: "acme"},
		outcust: authz.Identity{Subject: "oscar-cust", Role: authz.RoleCustomer, TenantID: "globex"},
	}
	env.seedFleet(t)
	return env
}

func (e *testEnv) seedFleet(t *testing.T) {
	t.Helper()
	require.NoError(t, e.fleet.UpsertSite(&fleet.Site{ID: "site-a", Name: "Alpha", TenantID: "acme", CredentialMode: fleet.ModeMasking}))
	require.NoError(t, e.fleet.UpsertZone(&fleet.Zone{ID: "zone-1", SiteID: "site-a", Name: "Row 1", Capacity: 200}))
	require.NoError(t, e.fleet.UpsertZone(&fleet.Zone{ID: "zone-2", SiteID: "site-a", Name: "Row 2", Capacity: 200}))
	for i := 0; i < 4; i++ {
		require.NoError(t, e.fleet.UpsertMiner(&fleet.Miner{
			ID:             fmt.Sprintf("miner-%d", i),
			SiteID:         "site-a",
			ZoneID:         "zone-1",
			TenantID:       "acme",
			OwnerID:        "carol-cust",
			MACAddr:        fmt.Sprintf("aa:bb:cc:00:00:%02x", i),
			Model:          "S19",
			NominalPowerKW: 3.25,
		}))
	}
	// A miner owned by someone else in the same tenant.
	require.NoError(t, e.fleet.UpsertMiner(&fleet.Miner{
		ID:             "miner-other",
		SiteID:         "site-a",
		ZoneID:         "zone-2",
		TenantID:       "acme",
		OwnerID:        "dave-cust",
		MACAddr:        "aa:bb:cc:00:01:00",
		Model:          "S19",
		NominalPowerKW: 3.25,
	}))
}

func (e *testEnv) propose(t *testing.T, id authz.Identity, req ProposeRequest) *Command {
	t.Helper()
	res, err := e.svc.Propose(e.ctx, id, req)
	require.NoError(t, err)
	require.True(t, res.Created)
	return res.Command
}

func rebootReq(targets ...string) ProposeRequest {
	return ProposeRequest{
		SiteID:      "site-a",
		CommandType: TypeReboot,
		Payload:     map[string]any{},
		TargetIDs:   targets,
	}
}

func TestProposeLowRiskQueuesImmediately(t *testing.T) {
	e := setupTestEnv(t)
	cmd := e.propose(t, e.op, ProposeRequest{
		SiteID:      "site-a",
		CommandType: TypeLED,
		Payload:     map[string]any{"state": "blink"},
		TargetIDs:   []string{"miner-0"},
	})
	assert.Equal(t, StatusQueued, cmd.Status)
	assert.Equal(t, "LOW", cmd.RiskTier)
	assert.False(t, cmd.RequireApproval)
	assert.Zero(t, cmd.StepsRequired)
	assert.Nil(t, cmd.TerminalAt)
}

func TestProposeMediumRiskRequiresApproval(t *testing.T) {
	e := setupTestEnv(t)
	cmd := e.propose(t, e.op, rebootReq("miner-0", "miner-1"))
	assert.Equal(t, StatusPendingApproval, cmd.Status)
	assert.True(t, cmd.RequireApproval)
	assert.Equal(t, 1, cmd.StepsRequired)

	targets, err := e.store.Targets(cmd.ID)
	require.NoError(t, err)
	require.Len(t, targets, 2)
	assert.Equal(t, "miner-0", targets[0].MinerID)
	assert.Equal(t, 0, targets[0].Position)
	assert.Equal(t, TargetPending, targets[0].Status)
}

func TestProposeAuditsEvent(t *testing.T) {
	e := setupTestEnv(t)
	cmd := e.propose(t, e.op, rebootReq("miner-0"))

	events, _, _, err := e.audit.List(audit.ListFilter{EventType: audit.EventCommandProposed}, 10, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, cmd.ID, events[0].RefID)
	assert.Equal(t, "olga-op", events[0].ActorID)

	res, err := e.audit.Verify("", 0, 0)
	require.NoError(t, err)
	assert.True(t, res.OK)
}

func TestProposeDedupesTargets(t *testing.T) {
	e := setupTestEnv(t)
	cmd := e.propose(t, e.op, rebootReq("miner-0", "miner-0", "miner-1"))
	targets, err := e.store.Targets(cmd.ID)
	require.NoError(t, err)
	assert.Len(t, targets, 2)
}

func TestProposeValidation(t *testing.T) {
	e := setupTestEnv(t)
	tests := []struct {
		name string
		req  ProposeRequest
		code string
	}{
		{"no targets", rebootReq(), CodeValidation},
		{"unknown site", ProposeRequest{SiteID: "site-zz", CommandType: TypeReboot, TargetIDs: []string{"miner-0"}}, CodeNotFound},
		{"unknown miner", rebootReq("miner-99"), CodeValidation},
		{"unknown zone", ProposeRequest{SiteID: "site-a", ZoneID: "zone-9", CommandType: TypeReboot, TargetIDs: []string{"miner-0"}}, CodeNotFound},
		{"miner outside zone", ProposeRequest{SiteID: "site-a", ZoneID: "zone-2", CommandType: TypeReboot, TargetIDs: []string{"miner-0"}}, CodeValidation},
		{"unknown type", ProposeRequest{SiteID: "site-a", CommandType: "FLASH", TargetIDs: []string{"miner-0"}}, CodeValidation},
		{"direct rollback", ProposeRequest{SiteID: "site-a", CommandType: TypeRollback, TargetIDs: []string{"miner-0"}}, CodeValidation},
		{"bad payload", ProposeRequest{SiteID: "site-a", CommandType: TypeLED, Payload: map[string]any{"state": "rainbow"}, TargetIDs: []string{"miner-0"}}, CodeValidation},
		{"ip literal", ProposeRequest{
			SiteID:      "site-a",
			CommandType: TypeChangePool,
			Payload: map[string]any{"pools": []any{
				map[string]any{"url": "stratum+tcp://10.0.0.5:3333", "user": "acct.worker"},
			}},
			TargetIDs: []string{"miner-0"},
		}, CodeValidation},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.Propose(e.ctx, e.op, tc.req)
			require.Error(t, err)
			assert.Equal(t, tc.code, AsError(err).Code)
		})
	}
}

func TestProposeABAC(t *testing.T) {
	e := setupTestEnv(t)

	// Viewers cannot propose at all.
	_, err := e.svc.Propose(e.ctx, authz.Identity{Subject: "v", Role: authz.RoleViewer, TenantID: "acme"}, rebootReq("miner-0"))
	assert.Equal(t, CodeAccessDenied, AsError(err).Code)

	// Customers cannot target miners they do not own.
	_, err = e.svc.Propose(e.ctx, e.cust, rebootReq("miner-other"))
	assert.Equal(t, CodeAccessDenied, AsError(err).Code)

	// Customers from another tenant cannot touch the site.
	_, err = e.svc.Propose(e.ctx, e.outcust, rebootReq("miner-0"))
	assert.Equal(t, CodeAccessDenied, AsError(err).Code)

	// Operators bypass ownership.
	cmd := e.propose(t, e.op, rebootReq("miner-other"))
	assert.Equal(t, StatusPendingApproval, cmd.Status)

	// Owners may target their own miners.
	cmd = e.propose(t, e.cust, rebootReq("miner-0"))
	assert.Equal(t, "carol-cust", cmd.RequestedBy)

	// ABAC denials leave a security audit trail.
	events, _, _, err := e.audit.List(audit.ListFilter{EventType: audit.EventAccessDenied}, 10, "")
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestProposeConflictOnBusyTarget(t *testing.T) {
	e := setupTestEnv(t)
	e.propose(t, e.op, rebootReq("miner-0"))

	_, err := e.svc.Propose(e.ctx, e.op, rebootReq("miner-0", "miner-1"))
	require.Error(t, err)
	assert.Equal(t, CodeValidation, AsError(err).Code)
	assert.Contains(t, err.Error(), "miner-0")

	// Unrelated targets are unaffected.
	e.propose(t, e.op, rebootReq("miner-1"))
}

func TestProposeConcurrentTargetsAllowedByConfig(t *testing.T) {
	e := setupTestEnv(t)
	cfg := e.cfg
	cfg.AllowConcurrentTargetCommands = true
	e.svc = NewService(e.db, e.store, e.fleet, policy.NewEngine(nil), e.audit, cfg, nil)

	e.propose(t, e.op, rebootReq("miner-0"))
	e.propose(t, e.op, rebootReq("miner-0"))
}

func TestProposeConflictClearsAfterTerminal(t *testing.T) {
	e := setupTestEnv(t)
	cmd := e.propose(t, e.op, rebootReq("miner-0"))

	now := time.Now().UTC()
	cmd.Status = StatusCancelled
	cmd.TerminalAt = &now
	require.NoError(t, e.store.Save(cmd))

	e.propose(t, e.op, rebootReq("miner-0"))
}

func TestProposeDedupeKey(t *testing.T) {
	e := setupTestEnv(t)
	req := rebootReq("miner-0")
	req.DedupeKey = "rule-7:2026-08-23T10:00"

	first, err := e.svc.Propose(e.ctx, e.op, req)
	require.NoError(t, err)
	assert.True(t, first.Created)

	req2 := rebootReq("miner-1")
	req2.DedupeKey = req.DedupeKey
	second, err := e.svc.Propose(e.ctx, e.op, req2)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Command.ID, second.Command.ID)
}

func TestProposeDedupeRetrySameTargets(t *testing.T) {
	e := setupTestEnv(t)
	req := rebootReq("miner-0")
	req.DedupeKey = "rule-9:retry"

	first, err := e.svc.Propose(e.ctx, e.op, req)
	require.NoError(t, err)
	require.True(t, first.Created)

	// The retry targets the same miner while the original is in flight;
	// the dedupe key must short-circuit before the conflict check.
	second, err := e.svc.Propose(e.ctx, e.op, req)
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.Command.ID, second.Command.ID)
}

func TestApproveSingleStep(t *testing.T) {
	e := setupTestEnv(t)
	cmd := e.propose(t, e.op, rebootReq("miner-0"))

	res, err := e.svc.Approve(e.ctx, e.op2, cmd.ID, "maintenance window", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Equal(t, 1, res.Approvals)

	got, err := e.store.Get(cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, got.Status)
	assert.Equal(t, "omar-op", got.ApprovedBy)
	require.NotNil(t, got.ApprovedAt)

	approvals, err := e.store.Approvals(cmd.ID)
	require.NoError(t, err)
	require.Len(t, approvals, 1)
	assert.Equal(t, 1, approvals[0].Step)
	assert.Equal(t, VerdictApprove, approvals[0].Verdict)
}

func TestApproveSelfApprovalBlocked(t *testing.T) {
	e := setupTestEnv(t)
	cmd := e.propose(t, e.op, rebootReq("miner-0"))

	_, err := e.svc.Approve(e.ctx, e.op, cmd.ID, "lgtm", 0)
	require.Error(t, err)
	assert.Equal(t, CodeAccessDenied, AsError(err).Code)

	got, err := e.store.Get(cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, got.Status)
}

func TestApproveDuplicateBlocked(t *testing.T) {
	e := setupTestEnv(t)
	e.seedManyMiners(t, 150)
	cmd := e.proposeChangePool(t, 150)
	require.Equal(t, 2, cmd.StepsRequired)

	_, err := e.svc.Approve(e.ctx, e.op2, cmd.ID, "first", 0)
	require.NoError(t, err)

	_, err = e.svc.Approve(e.ctx, e.op2, cmd.ID, "second", 0)
	require.Error(t, err)
	assert.Equal(t, CodeDuplicateApproval, AsError(err).Code)
}

func TestApproveDualDistinctApprovers(t *testing.T) {
	e := setupTestEnv(t)
	e.seedManyMiners(t, 150)
	cmd := e.proposeChangePool(t, 150)
	assert.Equal(t, "HIGH", cmd.RiskTier)
	assert.True(t, cmd.RequireDualApproval)
	require.Equal(t, 2, cmd.StepsRequired)

	res, err := e.svc.Approve(e.ctx, e.op2, cmd.ID, "step one", 0)
	require.NoError(t, err)
	assert.Equal(t, StatusPendingApproval, res.Status)
	assert.Equal(t, 1, res.Approvals)

	res, err = e.svc.Approve(e.ctx, e.admin, cmd.ID, "step two", 2)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Equal(t, 2, res.Approvals)
}

func TestApproveSmallChangePoolSingleStep(t *testing.T) {
	e := setupTestEnv(t)
	e.seedManyMiners(t, 150)
	cmd := e.proposeChangePool(t, 10)
	assert.Equal(t, "HIGH", cmd.RiskTier)
	assert.False(t, cmd.RequireDualApproval)
	assert.Equal(t, 1, cmd.StepsRequired)
}

func TestApproveWrongStateAndStep(t *testing.T) {
	e := setupTestEnv(t)
	cmd := e.propose(t, e.op, rebootReq("miner-0"))

	_, err := e.svc.Approve(e.ctx, e.op2, cmd.ID, "", 2)
	require.Error(t, err)
	assert.Equal(t, CodeValidation, AsError(err).Code)

	_, err = e.svc.Approve(e.ctx, e.op2, cmd.ID, "", 1)
	require.NoError(t, err)

	_, err = e.svc.Approve(e.ctx, e.admin, cmd.ID, "", 0)
	require.Error(t, err)
	assert.Equal(t, CodeInvalidState, AsError(err).Code)

	_, err = e.svc.Approve(e.ctx, e.op2, "no-such-command", "", 0)
	require.Error(t, err)
	assert.Equal(t, CodeNotFound, AsError(err).Code)
}

func TestApproveRoleGate(t *testing.T) {
	e := setupTestEnv(t)
	cmd := e.propose(t, e.op, rebootReq("miner-0"))

	_, err := e.svc.Approve(e.ctx, e.cust, cmd.ID, "", 0)
	require.Error(t, err)
	assert.Equal(t, CodeAccessDenied, AsError(err).Code)
}

func TestDenyCancelsImmediately(t *testing.T) {
	e := setupTestEnv(t)
	cmd := e.propose(t, e.op, rebootReq("miner-0"))

	res, err := e.svc.Deny(e.ctx, e.op2, cmd.ID, "bad timing")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, res.Status)

	got, err := e.store.Get(cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
	require.NotNil(t, got.TerminalAt, "terminal state must stamp terminal_at")

	_, err = e.svc.Deny(e.ctx, e.op2, cmd.ID, "again")
	require.Error(t, err)
	assert.Equal(t, CodeInvalidState, AsError(err).Code)

	events, _, _, err := e.audit.List(audit.ListFilter{EventType: audit.EventCommandDenied}, 10, "")
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestRollbackCreatesGatedCommand(t *testing.T) {
	e := setupTestEnv(t)
	cmd := e.propose(t, e.op, ProposeRequest{
		SiteID:      "site-a",
		CommandType: TypePowerMode,
		Payload:     map[string]any{"mode": "low"},
		TargetIDs:   []string{"miner-0", "miner-1"},
	})
	now := time.Now().UTC()
	cmd.Status = StatusSucceeded
	cmd.TerminalAt = &now
	require.NoError(t, e.store.Save(cmd))

	rb, err := e.svc.Rollback(e.ctx, e.op2, cmd.ID, "restore power mode")
	require.NoError(t, err)
	assert.Equal(t, TypeRollback, rb.CommandType)
	assert.Equal(t, StatusPendingApproval, rb.Status)
	assert.Equal(t, cmd.ID, rb.RollbackOf)
	assert.Equal(t, cmd.RiskTier, rb.RiskTier)
	assert.True(t, rb.RequireApproval)
	assert.GreaterOrEqual(t, rb.StepsRequired, 1)
	assert.Equal(t, cmd.ID, rb.Payload["original_command_id"])

	targets, err := e.store.Targets(rb.ID)
	require.NoError(t, err)
	assert.Len(t, targets, 2)

	// The chain records both the rollback link and the new proposal.
	events, _, _, err := e.audit.List(audit.ListFilter{EventType: audit.EventCommandRollback}, 10, "")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, cmd.ID, events[0].RefID)
}

func TestRollbackOnlyFromCompletedStates(t *testing.T) {
	e := setupTestEnv(t)
	cmd := e.propose(t, e.op, rebootReq("miner-0"))

	_, err := e.svc.Rollback(e.ctx, e.op2, cmd.ID, "")
	require.Error(t, err)
	assert.Equal(t, CodeInvalidState, AsError(err).Code)

	now := time.Now().UTC()
	cmd.Status = StatusCancelled
	cmd.TerminalAt = &now
	require.NoError(t, e.store.Save(cmd))

	_, err = e.svc.Rollback(e.ctx, e.op2, cmd.ID, "")
	require.Error(t, err)
	assert.Equal(t, CodeInvalidState, AsError(err).Code)
}

func (e *testEnv) seedManyMiners(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.NoError(t, e.fleet.UpsertMiner(&fleet.Miner{
			ID:             fmt.Sprintf("bulk-%03d", i),
			SiteID:         "site-a",
			ZoneID:         "zone-1",
			TenantID:       "acme",
			OwnerID:        "carol-cust",
			MACAddr:        fmt.Sprintf("aa:bb:cc:01:%02x:%02x", i/256, i%256),
			Model:          "S19",
			NominalPowerKW: 3.25,
		}))
	}
}

func (e *testEnv) proposeChangePool(t *testing.T, n int) *Command {
	t.Helper()
	var targets []string
	if n <= 4 {
		for i := 0; i < n; i++ {
			targets = append(targets, fmt.Sprintf("miner-%d", i))
		}
	} else {
		for i := 0; i < n; i++ {
			targets = append(targets, fmt.Sprintf("bulk-%03d", i))
		}
	}
	return e.propose(t, e.op, ProposeRequest{
		SiteID:      "site-a",
		CommandType: TypeChangePool,
		Payload: map[string]any{"pools": []any{
			map[string]any{"url": "stratum+tcp://pool.example.com:3333", "user": "acct.worker", "pass": "x"},
		}},
		TargetIDs: targets,
	})
}
