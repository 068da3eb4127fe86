package fleet

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/hashplane/hashplane/pkg/cache"
)

// lastSeenWriteInterval bounds how often a device's last_seen_at is
// persisted. Collectors poll every few seconds; one write per interval
// is enough for liveness reporting.
const lastSeenWriteInterval = 30 * time.Second

const lastSeenCacheSize = 4096

// Store provides database operations for fleet inventory and edge devices.
type Store struct {
	db   *gorm.DB
	seen *cache.TTLCache[struct{}]
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:   db,
		seen: cache.NewTTLCache[struct{}](lastSeenCacheSize, lastSeenWriteInterval),
	}
}

// AutoMigrate creates or updates the fleet tables.
func (s *Store) AutoMigrate() error {
	return s.db.AutoMigrate(&Site{}, &Zone{}, &Miner{}, &EdgeDevice{})
}

// GetSite returns a site by ID, or nil when it does not exist.
func (s *Store) GetSite(id string) (*Site, error) {
	var site Site
	if err := s.db.First(&site, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get site: %w", err)
	}
	return &site, nil
}

// ListSites returns all sites for a tenant; an empty tenant lists every site.
func (s *Store) ListSites(tenantID string) ([]Site, error) {
	q := s.db.Order("id ASC")
	if tenantID != "" {
		q = q.Where("tenant_id = ?", tenantID)
	}
	var sites []Site
	if err := q.Find(&sites).Error; err != nil {
		return nil, fmt.Errorf("list sites: %w", err)
	}
	return sites, nil
}

// UpsertSite creates or updates a site by ID.
func (s *Store) UpsertSite(site *Site) error {
	if err := s.db.Save(site).Error; err != nil {
		return fmt.Errorf("upsert site: %w", err)
	}
	return nil
}

// SetSiteCredentialMode updates a site's credential protection mode.
func (s *Store) SetSiteCredentialMode(siteID string, mode int) error {
	res := s.db.Model(&Site{}).Where("id = ?", siteID).Update("credential_mode", mode)
	if res.Error != nil {
		return fmt.Errorf("set site credential mode: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("site not found: %s", siteID)
	}
	return nil
}

// GetZone returns a zone by ID, or nil when it does not exist.
func (s *Store) GetZone(id string) (*Zone, error) {
	var zone Zone
	if err := s.db.First(&zone, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get zone: %w", err)
	}
	return &zone, nil
}

// UpsertZone creates or updates a zone by ID.
func (s *Store) UpsertZone(zone *Zone) error {
	if err := s.db.Save(zone).Error; err != nil {
		return fmt.Errorf("upsert zone: %w", err)
	}
	return nil
}

// GetMiner returns a miner by ID, or nil when it does not exist.
func (s *Store) GetMiner(id string) (*Miner, error) {
	var miner Miner
	if err := s.db.First(&miner, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get miner: %w", err)
	}
	return &miner, nil
}

// GetMinersByIDs returns the miners for the given IDs. Callers check the
// returned length against the requested length to detect unknown IDs.
func (s *Store) GetMinersByIDs(ids []string) ([]Miner, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var miners []Miner
	if err := s.db.Where("id IN ?", ids).Find(&miners).Error; err != nil {
		return nil, fmt.Errorf("get miners: %w", err)
	}
	return miners, nil
}

// ListMinersBySite returns all miners at a site.
func (s *Store) ListMinersBySite(siteID string) ([]Miner, error) {
	var miners []Miner
	if err := s.db.Where("site_id = ?", siteID).Order("id ASC").Find(&miners).Error; err != nil {
		return nil, fmt.Errorf("list miners: %w", err)
	}
	return miners, nil
}

// UpsertMiner creates or updates a miner by ID.
func (s *Store) UpsertMiner(miner *Miner) error {
	if err := s.db.Save(miner).Error; err != nil {
		return fmt.Errorf("upsert miner: %w", err)
	}
	return nil
}

// SitePowerKW returns the summed nominal power of all miners at a site.
// The approval policy engine uses it for percentage-impact thresholds.
func (s *Store) SitePowerKW(siteID string) (float64, error) {
	var total *float64
	err := s.db.Model(&Miner{}).Where("site_id = ?", siteID).
		Select("SUM(nominal_power_kw)").Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("sum site power: %w", err)
	}
	if total == nil {
		return 0, nil
	}
	return *total, nil
}

// CreateDevice persists a newly registered edge device.
func (s *Store) CreateDevice(d *EdgeDevice) error {
	if err := s.db.Create(d).Error; err != nil {
		return fmt.Errorf("create edge device: %w", err)
	}
	return nil
}

// GetDevice returns a device by ID, or nil when it does not exist.
func (s *Store) GetDevice(id string) (*EdgeDevice, error) {
	var d EdgeDevice
	if err := s.db.First(&d, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, nil
		}
		return nil, fmt.Errorf("get edge device: %w", err)
	}
	return &d, nil
}

// ListDevices returns all devices for a site; an empty site lists every device.
func (s *Store) ListDevices(siteID string) ([]EdgeDevice, error) {
	q := s.db.Order("registered_at ASC")
	if siteID != "" {
		q = q.Where("site_id = ?", siteID)
	}
	var devices []EdgeDevice
	if err := q.Find(&devices).Error; err != nil {
		return nil, fmt.Errorf("list edge devices: %w", err)
	}
	return devices, nil
}

// RevokeDevice marks a device as revoked. Revoked devices fail
// authentication on their next poll.
func (s *Store) RevokeDevice(id string) error {
	res := s.db.Model(&EdgeDevice{}).Where("id = ?", id).Update("revoked", true)
	if res.Error != nil {
		return fmt.Errorf("revoke edge device: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("edge device not found: %s", id)
	}
	return nil
}

// TouchDevice updates a device's last-seen timestamp, writing at most once
// per lastSeenWriteInterval. Best-effort; poll traffic should not fail on it.
func (s *Store) TouchDevice(id string) {
	if _, ok := s.seen.Get(id); ok {
		return
	}
	s.db.Model(&EdgeDevice{}).Where("id = ?", id).Update("last_seen_at", time.Now().UTC())
	s.seen.Set(id, struct{}{})
}

// Authenticate resolves a device by ID and verifies its bearer token.
// Returns nil when the device is unknown, revoked, or the token mismatches;
// callers treat all three identically so probing cannot distinguish them.
func (s *Store) Authenticate(deviceID, token string) (*EdgeDevice, error) {
	d, err := s.GetDevice(deviceID)
	if err != nil {
		return nil, err
	}
	if d == nil || d.Revoked || !VerifyToken(d.TokenSalt, d.TokenHash, token) {
		return nil, nil
	}
	return d, nil
}
