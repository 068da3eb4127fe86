// Package integration exercises the storage behavior that only a server
// database shows: the SKIP LOCKED claim path and unique-key races under
// real concurrency. Each test starts a throwaway container; run with
// -short to skip the suite when Docker is unavailable.
//
// Run with: go test ./tests/integration/... -v -count=1 -timeout 10m
package integration

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcmysql "github.com/testcontainers/testcontainers-go/modules/mysql"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"gorm.io/gorm"

	"github.com/hashplane/hashplane/internal/db"
	"github.com/hashplane/hashplane/pkg/audit"
	"github.com/hashplane/hashplane/pkg/authz"
	"github.com/hashplane/hashplane/pkg/command"
	"github.com/hashplane/hashplane/pkg/dispatch"
	"github.com/hashplane/hashplane/pkg/fleet"
	"github.com/hashplane/hashplane/pkg/policy"
)

const minerCount = 64

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}

// openPostgres starts a postgres container and opens it through the same
// path the server uses.
func openPostgres(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("fleet"),
		tcpostgres.WithUsername("fleet"),
		tcpostgres.WithPassword("fleet"),
		tcpostgres.BasicWaitStrategies(),
	)
	t.Cleanup(func() {
		if ctr != nil {
			if err := ctr.Terminate(context.Background()); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		}
	})
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	cfg := db.DefaultConfig()
	cfg.Kind = db.KindPostgres
	cfg.DSN = dsn
	gdb, err := db.Open(cfg)
	require.NoError(t, err)
	return gdb
}

// openMySQL starts a mysql container and opens it through the same path
// the server uses.
func openMySQL(t *testing.T) *gorm.DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcmysql.Run(ctx, "mysql:8.4",
		tcmysql.WithDatabase("fleet"),
		tcmysql.WithUsername("fleet"),
		tcmysql.WithPassword("fleet"),
	)
	t.Cleanup(func() {
		if ctr != nil {
			if err := ctr.Terminate(context.Background()); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		}
	})
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "parseTime=true")
	require.NoError(t, err)

	cfg := db.DefaultConfig()
	cfg.Kind = db.KindMySQL
	cfg.DSN = dsn
	gdb, err := db.Open(cfg)
	require.NoError(t, err)
	return gdb
}

// harness wires the stores and services against the containerized database
// and seeds one site with a zone full of miners.
type harness struct {
	db       *gorm.DB
	audit    *audit.Store
	fleet    *fleet.Store
	commands *command.Store
	service  *command.Service
	operator authz.Identity
	ctx      context.Context
}

func newHarness(t *testing.T, gdb *gorm.DB) *harness {
	t.Helper()

	auditStore := audit.NewStore(gdb, nil)
	require.NoError(t, auditStore.AutoMigrate())
	fleetStore := fleet.NewStore(gdb)
	require.NoError(t, fleetStore.AutoMigrate())
	commandStore := command.NewStore(gdb)
	require.NoError(t, commandStore.AutoMigrate())

	svc := command.NewService(gdb, commandStore, fleetStore, policy.NewEngine(nil), auditStore, command.DefaultConfig(), nil)

	require.NoError(t, fleetStore.UpsertSite(&fleet.Site{ID: "site-a", Name: "Alpha", TenantID: "acme", CredentialMode: fleet.ModeMasking}))
	require.NoError(t, fleetStore.UpsertZone(&fleet.Zone{ID: "zone-1", SiteID: "site-a", Name: "Row 1", Capacity: minerCount}))
	for i := 0; i < minerCount; i++ {
		require.NoError(t, fleetStore.UpsertMiner(&fleet.Miner{
			ID:             fmt.Sprintf("miner-%03d", i),
			SiteID:         "site-a",
			ZoneID:         "zone-1",
			TenantID:       "acme",
			OwnerID:        "carol",
			MACAddr:        fmt.Sprintf("aa:bb:cc:00:%02x:%02x", i/256, i%256),
			Model:          "S19",
			NominalPowerKW: 3.25,
		}))
	}

	return &harness{
		db:       gdb,
		audit:    auditStore,
		fleet:    fleetStore,
		commands: commandStore,
		service:  svc,
		operator: authz.Identity{Subject: "olga", Role: authz.RoleOperator, TenantID: "acme"},
		ctx:      context.Background(),
	}
}

// device registers a collector bound to zone-1.
func (h *harness) device(t *testing.T, id string) *fleet.EdgeDevice {
	t.Helper()
	_, salt, hash, err := fleet.NewDeviceToken()
	require.NoError(t, err)
	d := &fleet.EdgeDevice{ID: id, SiteID: "site-a", ZoneID: "zone-1", Name: id, TokenSalt: salt, TokenHash: hash}
	require.NoError(t, h.fleet.CreateDevice(d))
	return d
}

// queueCommands proposes n low-risk commands, one miner each, and returns
// their IDs. They queue immediately: no approval step.
func (h *harness) queueCommands(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		res, err := h.service.Propose(h.ctx, h.operator, command.ProposeRequest{
			SiteID:      "site-a",
			CommandType: command.TypeLED,
			TargetIDs:   []string{fmt.Sprintf("miner-%03d", i%minerCount)},
		})
		require.NoError(t, err)
		require.Equal(t, command.StatusQueued, res.Command.Status)
		ids[i] = res.Command.ID
	}
	return ids
}

// dispatcher builds a Dispatcher with the given lease TTL.
func (h *harness) dispatcher(leaseTTLSec int) *dispatch.Dispatcher {
	cfg := dispatch.DefaultConfig()
	if leaseTTLSec > 0 {
		cfg.LeaseTTLSec = leaseTTLSec
	}
	return dispatch.NewDispatcher(h.db, h.commands, h.audit, cfg, nil)
}

// waitLeaseElapsed sleeps slightly past a lease TTL.
func waitLeaseElapsed(ttlSec int) {
	time.Sleep(time.Duration(ttlSec)*time.Second + 200*time.Millisecond)
}
