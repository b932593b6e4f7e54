package position

import (
	"errors"

	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) GetPosition(userID string, token uint32) (*Position, error) {
	var p Position
	err := d.db.Where("user_id = ? AND instrument_token = ?", userID, token).First(&p).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &p, nil
}

func (d *Database) CreatePosition(p *Position) error {
	return d.db.Create(p).Error
}

func (d *Database) SavePosition(p *Position) error {
	return d.db.Save(p).Error
}

// DeletePosition removes the row permanently; zero-quantity positions must
// not linger.
func (d *Database) DeletePosition(p *Position) error {
	return d.db.Unscoped().Delete(p).Error
}

func (d *Database) ListPositions(userID string) ([]Position, error) {
	var positions []Position
	if err := d.db.Where("user_id = ?", userID).Order("trading_symbol ASC").Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}

// ListPositionsForToken returns every user's position on one instrument.
// The expiry coordinator sweeps these.
func (d *Database) ListPositionsForToken(token uint32) ([]Position, error) {
	var positions []Position
	if err := d.db.Where("instrument_token = ?", token).Find(&positions).Error; err != nil {
		return nil, err
	}
	return positions, nil
}
