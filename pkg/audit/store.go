package audit

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store provides append-only operations over the hash-chained audit ledger.
// Events are never updated or deleted.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// AutoMigrate creates the audit tables and seeds the chain head row.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Event{}, &chainHead{}); err != nil {
		return fmt.Errorf("migrate audit tables: %w", err)
	}
	return s.db.Transaction(func(tx *gorm.DB) error {
		var head chainHead
		err := tx.First(&head, "id = ?", 1).Error
		if err == nil {
			return nil
		}
		if err != gorm.ErrRecordNotFound {
			return fmt.Errorf("read audit chain head: %w", err)
		}
		head = chainHead{ID: 1, TailHash: GenesisHash}
		// Adopt an existing tail when the head row is introduced on a
		// database that already has events.
		var tail Event
		if err := tx.Order("id DESC").Limit(1).Find(&tail).Error; err != nil {
			return fmt.Errorf("read audit tail: %w", err)
		}
		if tail.ID != 0 {
			head.TailID = tail.ID
			head.TailHash = tail.EventHash
		}
		if err := tx.Create(&head).Error; err != nil {
			return fmt.Errorf("seed audit chain head: %w", err)
		}
		return nil
	})
}

// AppendTx appends an event inside the caller's transaction, so the audit
// write and the domain mutation it records commit together or not at all.
// The chain head row is locked for the duration of the append; concurrent
// appenders serialize on that row lock, never on an in-process mutex.
func (s *Store) AppendTx(tx *gorm.DB, e *Event) error {
	if e.ActorType == "" {
		e.ActorType = ActorSystem
	}
	if e.TsNano == 0 {
		e.TsNano = time.Now().UTC().UnixNano()
	}
	e.CreatedAt = time.Unix(0, e.TsNano).UTC()

	// SQLite rejects FOR UPDATE; its writer model serializes appends on
	// its own.
	q := tx
	if tx.Dialector.Name() != "sqlite" {
		q = tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var head chainHead
	if err := q.First(&head, "id = ?", 1).Error; err != nil {
		return fmt.Errorf("lock audit chain head: %w", err)
	}

	e.PrevHash = head.TailHash
	if e.PrevHash == "" {
		e.PrevHash = GenesisHash
	}
	hash, err := ComputeHash(e)
	if err != nil {
		return err
	}
	e.EventHash = hash

	if err := tx.Create(e).Error; err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := tx.Model(&chainHead{}).Where("id = ?", 1).Updates(map[string]any{
		"tail_id":   e.ID,
		"tail_hash": e.EventHash,
	}).Error; err != nil {
		return fmt.Errorf("advance audit chain head: %w", err)
	}
	return nil
}

// Append appends a single event in its own transaction.
func (s *Store) Append(e *Event) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		return s.AppendTx(tx, e)
	})
}

// Observe is the best-effort append used for routine events: a failed write
// is logged loudly but never fails the operation that produced it.
// Operations that must fail closed on audit failure (credential reveal)
// call Append or AppendTx directly and check the error.
func (s *Store) Observe(e *Event) {
	if err := s.Append(e); err != nil {
		s.logger.Error("audit append failed", "event_type", e.EventType, "ref_id", e.RefID, "error", err)
	}
}

// GetByID returns one event, or nil when it does not exist.
func (s *Store) GetByID(id int64) (*Event, error) {
	var e Event
	if err := s.db.First(&e, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get audit event: %w", err)
	}
	return &e, nil
}

// ListFilter defines filters for listing audit events.
type ListFilter struct {
	SiteID    string
	EventType string
	ActorType string
	ActorID   string
	RefType   string
	RefID     string
}

// List returns paginated events, newest first. pageToken is the ID of the
// last event on the previous page; IDs are monotonic so the cursor is exact.
func (s *Store) List(filter ListFilter, pageSize int, pageToken string) ([]Event, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&Event{})
		if filter.SiteID != "" {
			q = q.Where("site_id = ?", filter.SiteID)
		}
		if filter.EventType != "" {
			q = q.Where("event_type = ?", filter.EventType)
		}
		if filter.ActorType != "" {
			q = q.Where("actor_type = ?", filter.ActorType)
		}
		if filter.ActorID != "" {
			q = q.Where("actor_id = ?", filter.ActorID)
		}
		if filter.RefType != "" {
			q = q.Where("ref_type = ?", filter.RefType)
		}
		if filter.RefID != "" {
			q = q.Where("ref_id = ?", filter.RefID)
		}
		return q
	}

	var totalSize int64
	if err := buildQuery(s.db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count audit events: %w", err)
	}

	query := buildQuery(s.db).Order("id DESC").Limit(pageSize + 1)
	if pageToken != "" {
		lastID, err := strconv.ParseInt(pageToken, 10, 64)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("id < ?", lastID)
	}

	var records []Event
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list audit events: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = strconv.FormatInt(records[pageSize-1].ID, 10)
		records = records[:pageSize]
	}

	return records, nextToken, int(totalSize), nil
}

// ListRange returns events with CreatedAt in [from, to) and ID greater than
// afterID, oldest first, up to limit. Used by the export endpoint to walk
// the ledger in stable batches.
func (s *Store) ListRange(from, to time.Time, afterID int64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 500
	}
	q := s.db.Where("id > ?", afterID).Order("id ASC").Limit(limit)
	if !from.IsZero() {
		q = q.Where("created_at >= ?", from)
	}
	if !to.IsZero() {
		q = q.Where("created_at < ?", to)
	}
	var records []Event
	if err := q.Find(&records).Error; err != nil {
		return nil, fmt.Errorf("list audit range: %w", err)
	}
	return records, nil
}

// VerifyResult reports the outcome of a chain verification walk.
type VerifyResult struct {
	OK            bool
	FirstBrokenID int64
	Checked       int
}

// Verify walks events in ID order and checks that each event's recomputed
// hash matches its stored hash and, for the unfiltered walk, that each
// event's prev_hash equals the previous event's hash. A site filter limits
// the walk to that site's events; linkage is a property of the global chain,
// so the filtered walk detects tampering via recomputation only.
// fromID/toID bound the walk when > 0. An empty range verifies as ok.
func (s *Store) Verify(siteID string, fromID, toID int64) (*VerifyResult, error) {
	const batch = 500

	result := &VerifyResult{OK: true}
	checkLinkage := siteID == ""

	prev := GenesisHash
	cursor := int64(0)
	if fromID > 1 {
		cursor = fromID - 1
		if checkLinkage {
			// Seed linkage from the event just before the range.
			var before Event
			if err := s.db.Where("id < ?", fromID).Order("id DESC").Limit(1).Find(&before).Error; err != nil {
				return nil, fmt.Errorf("seed verify cursor: %w", err)
			}
			if before.ID != 0 {
				prev = before.EventHash
			}
		}
	}

	for {
		q := s.db.Where("id > ?", cursor).Order("id ASC").Limit(batch)
		if siteID != "" {
			q = q.Where("site_id = ?", siteID)
		}
		if toID > 0 {
			q = q.Where("id <= ?", toID)
		}
		var events []Event
		if err := q.Find(&events).Error; err != nil {
			return nil, fmt.Errorf("verify audit chain: %w", err)
		}
		if len(events) == 0 {
			return result, nil
		}
		for i := range events {
			e := &events[i]
			if checkLinkage && e.PrevHash != prev {
				result.OK = false
				result.FirstBrokenID = e.ID
				return result, nil
			}
			recomputed, err := ComputeHash(e)
			if err != nil {
				return nil, err
			}
			if recomputed != e.EventHash {
				result.OK = false
				result.FirstBrokenID = e.ID
				return result, nil
			}
			prev = e.EventHash
			result.Checked++
		}
		cursor = events[len(events)-1].ID
	}
}
