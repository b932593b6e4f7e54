package catalog

import (
	"time"

	"github.com/papermarket/trading-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// LoadTradable returns every active instrument that has not expired before
// now. Expired rows stay in the store for audit; they are simply not indexed.
func (d *Database) LoadTradable(now time.Time) ([]types.Instrument, error) {
	var instruments []types.Instrument
	err := d.db.
		Where("is_active = ?", true).
		Where("expiry IS NULL OR expiry >= ?", now).
		Find(&instruments).Error
	if err != nil {
		return nil, err
	}
	return instruments, nil
}

// UpsertInstruments bulk-writes master rows keyed by token. The periodic
// master sync job and the seed path both land here.
func (d *Database) UpsertInstruments(instruments []types.Instrument) error {
	return d.db.Transaction(func(tx *gorm.DB) error {
		for i := range instruments {
			var existing types.Instrument
			err := tx.Where("token = ?", instruments[i].Token).First(&existing).Error
			switch {
			case err == gorm.ErrRecordNotFound:
				if err := tx.Create(&instruments[i]).Error; err != nil {
					return err
				}
			case err != nil:
				return err
			default:
				instruments[i].ID = existing.ID
				if err := tx.Save(&instruments[i]).Error; err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// DeactivateInstrument soft-deactivates a row. Instruments are never
// removed mid-session.
func (d *Database) DeactivateInstrument(token uint32) error {
	return d.db.Model(&types.Instrument{}).
		Where("token = ?", token).
		Update("is_active", false).Error
}
