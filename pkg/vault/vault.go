package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/hashplane/hashplane/internal/db"
	"github.com/hashplane/hashplane/pkg/audit"
	"github.com/hashplane/hashplane/pkg/authz"
	"github.com/hashplane/hashplane/pkg/cache"
	"github.com/hashplane/hashplane/pkg/fleet"
)

func forUpdateClause() clause.Locking {
	return clause.Locking{Strength: "UPDATE"}
}

// Config holds vault settings.
type Config struct {
	// MasterSecret is the operator-supplied secret the master key is
	// derived from. Empty disables envelope encryption.
	MasterSecret string
	// DEKCacheSize bounds the number of unwrapped site keys held in
	// memory.
	DEKCacheSize int
	// DEKCacheTTL bounds how long an unwrapped site key is reused before
	// being unwrapped again.
	DEKCacheTTL time.Duration
}

// DefaultConfig returns the default vault configuration.
func DefaultConfig() Config {
	return Config{DEKCacheSize: 256, DEKCacheTTL: 10 * time.Minute}
}

// ConfigFromEnv returns a Config built from environment variables:
//   - FLEET_VAULT_MASTER_SECRET
//   - FLEET_VAULT_DEK_CACHE_SIZE
//   - FLEET_VAULT_DEK_CACHE_TTL_SEC
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.MasterSecret = os.Getenv("FLEET_VAULT_MASTER_SECRET")
	if v := os.Getenv("FLEET_VAULT_DEK_CACHE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DEKCacheSize = n
		}
	}
	if v := os.Getenv("FLEET_VAULT_DEK_CACHE_TTL_SEC"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DEKCacheTTL = time.Duration(n) * time.Second
		}
	}
	return cfg
}

// Vault stores, reveals and migrates per-miner credentials.
type Vault struct {
	db        *gorm.DB
	fleet     *fleet.Store
	audit     *audit.Store
	masterKey []byte
	deks      *cache.TTLCache[[]byte]
	logger    *slog.Logger
}

// NewVault creates a Vault. The master key is derived once here; an empty
// master secret leaves envelope encryption unavailable and every
// mode-2 operation failing loudly.
func NewVault(gdb *gorm.DB, fleetStore *fleet.Store, auditStore *audit.Store, cfg Config, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DEKCacheSize <= 0 {
		cfg.DEKCacheSize = 256
	}
	if cfg.DEKCacheTTL <= 0 {
		cfg.DEKCacheTTL = 10 * time.Minute
	}
	v := &Vault{
		db:     gdb,
		fleet:  fleetStore,
		audit:  auditStore,
		deks:   cache.NewTTLCache[[]byte](cfg.DEKCacheSize, cfg.DEKCacheTTL),
		logger: logger,
	}
	if cfg.MasterSecret != "" {
		v.masterKey = DeriveMasterKey(cfg.MasterSecret)
	}
	return v
}

// AutoMigrate creates or updates the vault tables.
func (v *Vault) AutoMigrate() error {
	if err := v.db.AutoMigrate(&CredentialRecord{}); err != nil {
		return fmt.Errorf("auto-migrate credential_records: %w", err)
	}
	if err := v.db.AutoMigrate(&SiteKey{}); err != nil {
		return fmt.Errorf("auto-migrate site_keys: %w", err)
	}
	return nil
}

// ValidateAntiRollback reports whether next strictly advances past the
// last accepted counter, with a human-readable reason on rejection.
func ValidateAntiRollback(lastAccepted, next int64) (bool, string) {
	if next <= lastAccepted {
		return false, fmt.Sprintf("counter %d does not advance past last accepted %d", next, lastAccepted)
	}
	return true, ""
}

// StoreRequest is a credential update. In masking and envelope modes Value
// is the plaintext; in E2EE mode it is the device-produced ciphertext
// blob. Counter must strictly exceed the last accepted counter.
type StoreRequest struct {
	Value   string `json:"value"`
	Counter int64  `json:"counter"`
}

// CredentialView is the role-aware read model of a stored credential.
// Value is only populated in masking mode: raw for admins, masked for
// everyone else. Protected modes expose metadata only.
type CredentialView struct {
	MinerID     string    `json:"miner_id"`
	SiteID      string    `json:"site_id"`
	Mode        int       `json:"mode"`
	Fingerprint string    `json:"fingerprint"`
	Counter     int64     `json:"counter"`
	Protected   bool      `json:"protected"`
	Value       string    `json:"value,omitempty"`
	UpdatedBy   string    `json:"updated_by,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RevealResult is the plaintext disclosure returned by Reveal.
type RevealResult struct {
	MinerID     string `json:"miner_id"`
	Mode        int    `json:"mode"`
	Value       string `json:"value"`
	Fingerprint string `json:"fingerprint"`
}

// errRollbackRejected is the in-transaction sentinel for an anti-rollback
// rejection; the audited error is built after the transaction rolls back.
var errRollbackRejected = errors.New("anti-rollback rejected")

// Store writes a credential for a miner under its site's protection mode,
// enforcing the anti-rollback counter. Operator role or better.
func (v *Vault) Store(ctx context.Context, actor authz.Identity, minerID string, req StoreRequest) (*CredentialView, error) {
	if !actor.Role.AtLeast(authz.RoleOperator) {
		v.auditDenied(actor, minerID, "credential update requires operator role")
		return nil, errAccessDenied("credential update requires operator role")
	}
	miner, err := v.fleet.GetMiner(minerID)
	if err != nil {
		return nil, err
	}
	if miner == nil {
		return nil, errNotFound("miner %s not found", minerID)
	}
	site, err := v.fleet.GetSite(miner.SiteID)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, errNotFound("site %s not found", miner.SiteID)
	}
	if req.Value == "" {
		return nil, errValidation("value is required")
	}
	if site.CredentialMode == fleet.ModeEnvelope && v.masterKey == nil {
		return nil, errInternal("envelope encryption requires a configured master secret")
	}

	var rec *CredentialRecord
	var rejectedLast int64
	err = v.db.Transaction(func(tx *gorm.DB) error {
		existing, err := v.getForUpdate(tx, minerID)
		if err != nil {
			return err
		}
		var last int64
		if existing != nil {
			last = existing.LastAcceptedCounter
		}
		if ok, _ := ValidateAntiRollback(last, req.Counter); !ok {
			rejectedLast = last
			return errRollbackRejected
		}

		stored := req.Value
		switch site.CredentialMode {
		case fleet.ModeEnvelope:
			dek, err := v.siteDEK(tx, site.ID)
			if err != nil {
				return err
			}
			if stored, err = EncryptValue(dek, req.Value); err != nil {
				return err
			}
		case fleet.ModeE2EE:
			stored = PrefixE2EE + req.Value
		}

		rec = &CredentialRecord{
			MinerID:             minerID,
			SiteID:              site.ID,
			Mode:                site.CredentialMode,
			Value:               stored,
			Fingerprint:         Fingerprint(req.Value),
			LastAcceptedCounter: req.Counter,
			UpdatedBy:           actor.Subject,
		}
		if existing != nil {
			rec.CreatedAt = existing.CreatedAt
		}
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("save credential: %w", err)
		}

		return v.audit.AppendTx(tx, &audit.Event{
			SiteID:    site.ID,
			ActorType: audit.ActorUser,
			ActorID:   actor.Subject,
			EventType: audit.EventCredentialUpdated,
			RefType:   "miner",
			RefID:     minerID,
			Payload: audit.JSONAny{
				"mode":        site.CredentialMode,
				"fingerprint": rec.Fingerprint,
				"counter":     req.Counter,
			},
		})
	})
	if errors.Is(err, errRollbackRejected) {
		_, reason := ValidateAntiRollback(rejectedLast, req.Counter)
		v.audit.Observe(&audit.Event{
			SiteID:    site.ID,
			ActorType: audit.ActorUser,
			ActorID:   actor.Subject,
			EventType: audit.EventAntiRollbackReject,
			RefType:   "miner",
			RefID:     minerID,
			Payload: audit.JSONAny{
				"last_accepted": rejectedLast,
				"presented":     req.Counter,
			},
		})
		return nil, errAntiRollback("%s", reason)
	}
	if err != nil {
		return nil, err
	}
	return v.view(actor, rec), nil
}

// StoreFromDevice accepts a device-encrypted credential blob for a miner
// at the submitting device's own site. Only end-to-end mode sites take
// device submissions; the server never sees the plaintext. The same
// anti-rollback counter rules apply as on the operator path.
func (v *Vault) StoreFromDevice(ctx context.Context, device *fleet.EdgeDevice, minerID string, req StoreRequest) (*CredentialView, error) {
	miner, err := v.fleet.GetMiner(minerID)
	if err != nil {
		return nil, err
	}
	if miner == nil {
		return nil, errNotFound("miner %s not found", minerID)
	}
	if miner.SiteID != device.SiteID {
		v.auditDeniedDevice(device, minerID, "miner belongs to another site")
		return nil, errAccessDenied("miner %s is not at this device's site", minerID)
	}
	site, err := v.fleet.GetSite(miner.SiteID)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, errNotFound("site %s not found", miner.SiteID)
	}
	if site.CredentialMode != fleet.ModeE2EE {
		return nil, errInvalidState("site %s does not accept device-encrypted credentials in mode %d", site.ID, site.CredentialMode)
	}
	if req.Value == "" {
		return nil, errValidation("value is required")
	}

	var rec *CredentialRecord
	var rejectedLast int64
	err = v.db.Transaction(func(tx *gorm.DB) error {
		existing, err := v.getForUpdate(tx, minerID)
		if err != nil {
			return err
		}
		var last int64
		if existing != nil {
			last = existing.LastAcceptedCounter
		}
		if ok, _ := ValidateAntiRollback(last, req.Counter); !ok {
			rejectedLast = last
			return errRollbackRejected
		}

		rec = &CredentialRecord{
			MinerID:             minerID,
			SiteID:              site.ID,
			Mode:                fleet.ModeE2EE,
			Value:               PrefixE2EE + req.Value,
			Fingerprint:         Fingerprint(req.Value),
			LastAcceptedCounter: req.Counter,
			UpdatedBy:           "device:" + device.ID,
		}
		if existing != nil {
			rec.CreatedAt = existing.CreatedAt
		}
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("save credential: %w", err)
		}

		return v.audit.AppendTx(tx, &audit.Event{
			SiteID:    site.ID,
			ActorType: audit.ActorDevice,
			ActorID:   device.ID,
			EventType: audit.EventCredentialUpdated,
			RefType:   "miner",
			RefID:     minerID,
			Payload: audit.JSONAny{
				"mode":        fleet.ModeE2EE,
				"fingerprint": rec.Fingerprint,
				"counter":     req.Counter,
			},
		})
	})
	if errors.Is(err, errRollbackRejected) {
		_, reason := ValidateAntiRollback(rejectedLast, req.Counter)
		v.audit.Observe(&audit.Event{
			SiteID:    site.ID,
			ActorType: audit.ActorDevice,
			ActorID:   device.ID,
			EventType: audit.EventAntiRollbackReject,
			RefType:   "miner",
			RefID:     minerID,
			Payload: audit.JSONAny{
				"last_accepted": rejectedLast,
				"presented":     req.Counter,
			},
		})
		return nil, errAntiRollback("%s", reason)
	}
	if err != nil {
		return nil, err
	}
	return &CredentialView{
		MinerID:     rec.MinerID,
		SiteID:      rec.SiteID,
		Mode:        rec.Mode,
		Fingerprint: rec.Fingerprint,
		Counter:     rec.LastAcceptedCounter,
		Protected:   true,
		UpdatedBy:   rec.UpdatedBy,
		UpdatedAt:   rec.UpdatedAt,
	}, nil
}

// Delivery is credential material resolved for the collector that will
// execute against the miner. Modes 1 and 2 resolve to the stored value;
// mode 3 hands over the device-encrypted blob unchanged, E2EE: prefix
// included. Counter lets the collector enforce freshness on its side.
type Delivery struct {
	MinerID     string `json:"miner_id"`
	Mode        int    `json:"mode"`
	Value       string `json:"value"`
	Counter     int64  `json:"counter"`
	Fingerprint string `json:"fingerprint"`
}

// DeliverForDevice resolves the credential a device needs to execute a
// claimed command against one of its miners. The caller only requests
// targets of commands the device just claimed, so the site check is the
// backstop, not the gate. Returns nil when no credential is stored.
func (v *Vault) DeliverForDevice(ctx context.Context, device *fleet.EdgeDevice, minerID string) (*Delivery, error) {
	miner, err := v.fleet.GetMiner(minerID)
	if err != nil {
		return nil, err
	}
	if miner == nil {
		return nil, errNotFound("miner %s not found", minerID)
	}
	if miner.SiteID != device.SiteID {
		v.auditDeniedDevice(device, minerID, "miner belongs to another site")
		return nil, errAccessDenied("miner %s is not at this device's site", minerID)
	}
	rec, err := v.getRecord(minerID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	d := &Delivery{
		MinerID:     minerID,
		Mode:        rec.Mode,
		Counter:     rec.LastAcceptedCounter,
		Fingerprint: rec.Fingerprint,
	}
	switch rec.Mode {
	case fleet.ModeMasking:
		d.Value = rec.Value
	case fleet.ModeEnvelope:
		dek, err := v.loadDEK(rec.SiteID)
		if err != nil {
			return nil, err
		}
		if d.Value, err = DecryptValue(dek, rec.Value); err != nil {
			return nil, errInternal("credential cannot be decrypted")
		}
	case fleet.ModeE2EE:
		d.Value = rec.Value
	default:
		return nil, errInternal("unknown credential mode %d", rec.Mode)
	}
	return d, nil
}

// Get returns the role-aware view of a miner's credential. Customers see
// only miners they own; viewers see nothing.
func (v *Vault) Get(ctx context.Context, actor authz.Identity, minerID string) (*CredentialView, error) {
	miner, err := v.fleet.GetMiner(minerID)
	if err != nil {
		return nil, err
	}
	if miner == nil {
		return nil, errNotFound("miner %s not found", minerID)
	}
	if err := v.checkRead(actor, miner); err != nil {
		return nil, err
	}
	rec, err := v.getRecord(minerID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errNotFound("no credential stored for miner %s", minerID)
	}
	return v.view(actor, rec), nil
}

// Reveal discloses the plaintext credential to an admin. Envelope mode
// requires a reason of at least 10 characters; E2EE mode always fails
// server-side. The disclosure is returned only after the audit append
// succeeds.
func (v *Vault) Reveal(ctx context.Context, actor authz.Identity, minerID, reason string) (*RevealResult, error) {
	if actor.Role != authz.RoleAdmin {
		v.auditDenied(actor, minerID, "credential reveal requires admin role")
		return nil, errAccessDenied("credential reveal requires admin role")
	}
	rec, err := v.getRecord(minerID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errNotFound("no credential stored for miner %s", minerID)
	}

	var value string
	switch rec.Mode {
	case fleet.ModeMasking:
		value = rec.Value
	case fleet.ModeEnvelope:
		if len(reason) < 10 {
			return nil, errValidation("reveal of an encrypted credential requires a reason of at least 10 characters")
		}
		if v.masterKey == nil {
			return nil, errInternal("envelope encryption requires a configured master secret")
		}
		dek, err := v.loadDEK(rec.SiteID)
		if err != nil {
			return nil, err
		}
		if value, err = DecryptValue(dek, rec.Value); err != nil {
			return nil, errInternal("credential cannot be decrypted")
		}
	case fleet.ModeE2EE:
		return nil, errInvalidState("end-to-end encrypted credential can only be revealed by its edge device")
	default:
		return nil, errInternal("unknown credential mode %d", rec.Mode)
	}

	// Disclosure is conditional on the audit record existing: a failed
	// append aborts the reveal.
	if err := v.audit.Append(&audit.Event{
		SiteID:    rec.SiteID,
		ActorType: audit.ActorUser,
		ActorID:   actor.Subject,
		EventType: audit.EventCredentialRevealed,
		RefType:   "miner",
		RefID:     minerID,
		Payload: audit.JSONAny{
			"mode":        rec.Mode,
			"fingerprint": rec.Fingerprint,
			"reason":      reason,
		},
	}); err != nil {
		v.logger.Error("credential reveal blocked: audit append failed",
			"miner_id", minerID, "actor", actor.Subject, "error", err)
		return nil, errAuditWrite("reveal aborted: audit log write failed")
	}

	return &RevealResult{MinerID: minerID, Mode: rec.Mode, Value: value, Fingerprint: rec.Fingerprint}, nil
}

// Migration outcome statuses.
const (
	MigrateOK      = "migrated"
	MigrateFailed  = "failed"
	MigrateSkipped = "skipped"
)

// MigrateOutcome is the per-miner result of a migration attempt.
type MigrateOutcome struct {
	MinerID string `json:"miner_id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
}

// BatchMigrateReport summarizes a site migration. Failed miners keep
// their previous protection until retried.
type BatchMigrateReport struct {
	SiteID     string           `json:"site_id"`
	TargetMode int              `json:"target_mode"`
	Outcomes   []MigrateOutcome `json:"outcomes"`
	Migrated   int              `json:"migrated"`
	Failed     int              `json:"failed"`
	Skipped    int              `json:"skipped"`
}

// BatchMigrateSite re-protects every credential at a site under
// targetMode and switches the site's mode for future stores. Migration is
// per-miner: one miner failing does not stop the rest. Admin only.
func (v *Vault) BatchMigrateSite(ctx context.Context, actor authz.Identity, siteID string, targetMode int) (*BatchMigrateReport, error) {
	if actor.Role != authz.RoleAdmin {
		v.auditDenied(actor, siteID, "credential migration requires admin role")
		return nil, errAccessDenied("credential migration requires admin role")
	}
	if targetMode < fleet.ModeMasking || targetMode > fleet.ModeE2EE {
		return nil, errValidation("target_mode must be 1, 2 or 3")
	}
	site, err := v.fleet.GetSite(siteID)
	if err != nil {
		return nil, err
	}
	if site == nil {
		return nil, errNotFound("site %s not found", siteID)
	}
	if targetMode == fleet.ModeEnvelope && v.masterKey == nil {
		return nil, errInternal("envelope encryption requires a configured master secret")
	}

	miners, err := v.fleet.ListMinersBySite(siteID)
	if err != nil {
		return nil, err
	}

	report := &BatchMigrateReport{SiteID: siteID, TargetMode: targetMode}
	for i := range miners {
		outcome := v.migrateMiner(actor, miners[i].ID, siteID, targetMode)
		report.Outcomes = append(report.Outcomes, outcome)
		switch outcome.Status {
		case MigrateOK:
			report.Migrated++
		case MigrateFailed:
			report.Failed++
		case MigrateSkipped:
			report.Skipped++
		}
	}

	// The site mode flips regardless of stragglers: new stores use the
	// target mode, and the report tells operators which miners still
	// hold values in the old one.
	if err := v.fleet.SetSiteCredentialMode(siteID, targetMode); err != nil {
		return nil, err
	}

	v.logger.Info("site credential migration finished",
		"site_id", siteID, "target_mode", targetMode,
		"migrated", report.Migrated, "failed", report.Failed, "skipped", report.Skipped)
	return report, nil
}

// migrateMiner re-protects one credential. The record's own mode decides
// how plaintext is obtained; targetMode decides how it is re-stored. The
// anti-rollback counter is untouched: the credential content does not
// change.
func (v *Vault) migrateMiner(actor authz.Identity, minerID, siteID string, targetMode int) MigrateOutcome {
	out := MigrateOutcome{MinerID: minerID}
	err := v.db.Transaction(func(tx *gorm.DB) error {
		rec, err := v.getForUpdate(tx, minerID)
		if err != nil {
			return err
		}
		if rec == nil {
			out.Status, out.Reason = MigrateSkipped, "no credential stored"
			return nil
		}
		if rec.Mode == targetMode {
			out.Status, out.Reason = MigrateSkipped, "already in target mode"
			return nil
		}

		var plaintext string
		switch rec.Mode {
		case fleet.ModeMasking:
			plaintext = rec.Value
		case fleet.ModeEnvelope:
			if v.masterKey == nil {
				out.Status, out.Reason = MigrateFailed, "master secret not configured"
				return nil
			}
			dek, err := v.siteDEK(tx, rec.SiteID)
			if err != nil {
				out.Status, out.Reason = MigrateFailed, "site key unavailable"
				return nil
			}
			if plaintext, err = DecryptValue(dek, rec.Value); err != nil {
				out.Status, out.Reason = MigrateFailed, "stored value cannot be decrypted"
				return nil
			}
		case fleet.ModeE2EE:
			out.Status, out.Reason = MigrateFailed, "end-to-end encrypted value requires the edge device to re-submit"
			return nil
		default:
			out.Status, out.Reason = MigrateFailed, fmt.Sprintf("unknown mode %d", rec.Mode)
			return nil
		}

		switch targetMode {
		case fleet.ModeMasking:
			rec.Value = plaintext
		case fleet.ModeEnvelope:
			dek, err := v.siteDEK(tx, rec.SiteID)
			if err != nil {
				out.Status, out.Reason = MigrateFailed, "site key unavailable"
				return nil
			}
			if rec.Value, err = EncryptValue(dek, plaintext); err != nil {
				out.Status, out.Reason = MigrateFailed, "re-encryption failed"
				return nil
			}
		case fleet.ModeE2EE:
			out.Status, out.Reason = MigrateFailed, "end-to-end encryption requires the edge device to submit ciphertext"
			return nil
		}

		fromMode := rec.Mode
		rec.Mode = targetMode
		if err := tx.Save(rec).Error; err != nil {
			return fmt.Errorf("save migrated credential: %w", err)
		}
		if err := v.audit.AppendTx(tx, &audit.Event{
			SiteID:    siteID,
			ActorType: audit.ActorUser,
			ActorID:   actor.Subject,
			EventType: audit.EventCredentialMigrated,
			RefType:   "miner",
			RefID:     minerID,
			Payload: audit.JSONAny{
				"from_mode":   fromMode,
				"to_mode":     targetMode,
				"fingerprint": rec.Fingerprint,
			},
		}); err != nil {
			return err
		}
		out.Status = MigrateOK
		return nil
	})
	if err != nil {
		out.Status, out.Reason = MigrateFailed, "storage error"
		v.logger.Error("credential migration failed", "miner_id", minerID, "error", err)
	}
	return out
}

// view builds the role-aware read model.
func (v *Vault) view(actor authz.Identity, rec *CredentialRecord) *CredentialView {
	cv := &CredentialView{
		MinerID:     rec.MinerID,
		SiteID:      rec.SiteID,
		Mode:        rec.Mode,
		Fingerprint: rec.Fingerprint,
		Counter:     rec.LastAcceptedCounter,
		Protected:   rec.Mode != fleet.ModeMasking,
		UpdatedBy:   rec.UpdatedBy,
		UpdatedAt:   rec.UpdatedAt,
	}
	if rec.Mode == fleet.ModeMasking {
		if actor.Role == authz.RoleAdmin {
			cv.Value = rec.Value
		} else {
			cv.Value = Mask(rec.Value)
		}
	}
	return cv
}

// checkRead applies the read-side ABAC: admin and operator see every
// miner, a customer only miners they own in their tenant, viewers none.
func (v *Vault) checkRead(actor authz.Identity, miner *fleet.Miner) error {
	switch {
	case actor.Role.AtLeast(authz.RoleOperator):
		return nil
	case actor.Role == authz.RoleCustomer:
		if miner.TenantID == actor.TenantID && miner.OwnerID == actor.Subject {
			return nil
		}
	}
	v.auditDenied(actor, miner.ID, "credential read denied")
	return errAccessDenied("not authorized to read this miner's credential")
}

func (v *Vault) getRecord(minerID string) (*CredentialRecord, error) {
	var rec CredentialRecord
	if err := v.db.First(&rec, "miner_id = ?", minerID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return &rec, nil
}

func (v *Vault) getForUpdate(tx *gorm.DB, minerID string) (*CredentialRecord, error) {
	var rec CredentialRecord
	q := tx.Where("miner_id = ?", minerID)
	if tx.Dialector.Name() != "sqlite" {
		q = q.Clauses(forUpdateClause())
	}
	if err := q.First(&rec).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get credential for update: %w", err)
	}
	return &rec, nil
}

// siteDEK returns the unwrapped data key for a site, generating and
// wrapping a fresh one on first use. Two processes racing the first store
// converge on whichever row the insert race persisted.
func (v *Vault) siteDEK(tx *gorm.DB, siteID string) ([]byte, error) {
	if dek, ok := v.deks.Get(siteID); ok {
		return dek, nil
	}
	if v.masterKey == nil {
		return nil, errInternal("envelope encryption requires a configured master secret")
	}

	var sk SiteKey
	err := tx.First(&sk, "site_id = ?", siteID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		dek, err := NewDEK()
		if err != nil {
			return nil, err
		}
		wrapped, err := WrapDEK(v.masterKey, dek)
		if err != nil {
			return nil, err
		}
		sk = SiteKey{SiteID: siteID, WrappedKey: wrapped}
		if err := tx.Create(&sk).Error; err != nil {
			if !db.IsDuplicateKey(err) {
				return nil, fmt.Errorf("create site key: %w", err)
			}
			// Lost the insert race; use the winner's key.
			if err := tx.First(&sk, "site_id = ?", siteID).Error; err != nil {
				return nil, fmt.Errorf("reload site key: %w", err)
			}
		} else {
			v.deks.Set(siteID, dek)
			return dek, nil
		}
	} else if err != nil {
		return nil, fmt.Errorf("get site key: %w", err)
	}

	dek, err := UnwrapDEK(v.masterKey, sk.WrappedKey)
	if err != nil {
		return nil, err
	}
	v.deks.Set(siteID, dek)
	return dek, nil
}

// loadDEK unwraps a site key outside any transaction, for reveal.
func (v *Vault) loadDEK(siteID string) ([]byte, error) {
	if dek, ok := v.deks.Get(siteID); ok {
		return dek, nil
	}
	var sk SiteKey
	if err := v.db.First(&sk, "site_id = ?", siteID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errInternal("no site key for site %s", siteID)
		}
		return nil, fmt.Errorf("get site key: %w", err)
	}
	dek, err := UnwrapDEK(v.masterKey, sk.WrappedKey)
	if err != nil {
		return nil, err
	}
	v.deks.Set(siteID, dek)
	return dek, nil
}

func (v *Vault) auditDenied(actor authz.Identity, refID, detail string) {
	v.audit.Observe(&audit.Event{
		ActorType: audit.ActorUser,
		ActorID:   actor.Subject,
		EventType: audit.EventAccessDenied,
		RefType:   "credential",
		RefID:     refID,
		Payload:   audit.JSONAny{"detail": detail, "role": string(actor.Role)},
	})
}

func (v *Vault) auditDeniedDevice(device *fleet.EdgeDevice, refID, detail string) {
	v.audit.Observe(&audit.Event{
		SiteID:    device.SiteID,
		ActorType: audit.ActorDevice,
		ActorID:   device.ID,
		EventType: audit.EventAccessDenied,
		RefType:   "credential",
		RefID:     refID,
		Payload:   audit.JSONAny{"detail": detail},
	})
}
