package fleet

import (
	"fmt"
	"os"

	"gorm.io/gorm"
	"gopkg.in/yaml.v3"
)

// Inventory is the YAML form of a fleet layout. Site and miner management
// is owned by external tooling; the control plane only needs the records to
// exist, so deployments without that tooling load them from a file.
type Inventory struct {
	Sites []InventorySite `yaml:"sites"`
}

// InventorySite describes one site with its zones and miners.
type InventorySite struct {
	ID             string           `yaml:"id"`
	Name           string           `yaml:"name"`
	TenantID       string           `yaml:"tenant_id"`
	CredentialMode int              `yaml:"credential_mode"`
	Zones          []InventoryZone  `yaml:"zones"`
	Miners         []InventoryMiner `yaml:"miners"`
}

// InventoryZone describes one zone.
type InventoryZone struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Capacity int    `yaml:"capacity"`
}

// InventoryMiner describes one miner.
type InventoryMiner struct {
	ID             string  `yaml:"id"`
	ZoneID         string  `yaml:"zone_id"`
	OwnerID        string  `yaml:"owner_id"`
	MACAddr        string  `yaml:"mac_addr"`
	Model          string  `yaml:"model"`
	NominalPowerKW float64 `yaml:"nominal_power_kw"`
}

// LoadInventory reads and validates an inventory file. A missing file is not
// an error; it returns an empty inventory.
func LoadInventory(path string) (*Inventory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Inventory{}, nil
		}
		return nil, fmt.Errorf("read inventory file: %w", err)
	}

	var inv Inventory
	if err := yaml.Unmarshal(data, &inv); err != nil {
		return nil, fmt.Errorf("parse inventory file: %w", err)
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	return &inv, nil
}

// Validate checks referential integrity inside the inventory.
func (inv *Inventory) Validate() error {
	for _, site := range inv.Sites {
		if site.ID == "" {
			return fmt.Errorf("inventory site with empty id")
		}
		if site.CredentialMode != 0 && (site.CredentialMode < ModeMasking || site.CredentialMode > ModeE2EE) {
			return fmt.Errorf("site %s: credential_mode must be 1, 2, or 3", site.ID)
		}
		zones := make(map[string]bool, len(site.Zones))
		for _, z := range site.Zones {
			if z.ID == "" {
				return fmt.Errorf("site %s: zone with empty id", site.ID)
			}
			zones[z.ID] = true
		}
		for _, m := range site.Miners {
			if m.ID == "" {
				return fmt.Errorf("site %s: miner with empty id", site.ID)
			}
			if m.ZoneID != "" && !zones[m.ZoneID] {
				return fmt.Errorf("site %s: miner %s references unknown zone %s", site.ID, m.ID, m.ZoneID)
			}
		}
	}
	return nil
}

// ApplyInventory upserts the inventory into the store in one transaction.
func (s *Store) ApplyInventory(inv *Inventory) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		txStore := NewStore(tx)
		for _, site := range inv.Sites {
			mode := site.CredentialMode
			if mode == 0 {
				mode = ModeMasking
			}
			tenant := site.TenantID
			if tenant == "" {
				tenant = "default"
			}
			if err := txStore.UpsertSite(&Site{
				ID:             site.ID,
				Name:           site.Name,
				TenantID:       tenant,
				CredentialMode: mode,
			}); err != nil {
				return err
			}
			for _, z := range site.Zones {
				if err := txStore.UpsertZone(&Zone{
					ID:       z.ID,
					SiteID:   site.ID,
					Name:     z.Name,
					Capacity: z.Capacity,
				}); err != nil {
					return err
				}
			}
			for _, m := range site.Miners {
				if err := txStore.UpsertMiner(&Miner{
					ID:             m.ID,
					SiteID:         site.ID,
					ZoneID:         m.ZoneID,
					TenantID:       tenant,
					OwnerID:        m.OwnerID,
					MACAddr:        m.MACAddr,
					Model:          m.Model,
					NominalPowerKW: m.NominalPowerKW,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}
