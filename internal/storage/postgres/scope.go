package postgres

import (
	"gorm.io/gorm"

	"github.com/jkaninda/codegate/internal/storage"
)

// FilterScope returns a GORM scope applying every non-zero field of filter
// except Limit.
func FilterScope(filter storage.ListFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if filter.ClientID != "" {
			db = db.Where("client_id = ?", filter.ClientID)
		}
		if filter.FailuresOnly {
			db = db.Where("success = ?", false)
		}
		if !filter.Since.IsZero() {
			db = db.Where("created_at >= ?", filter.Since)
		}
		return db
	}
}
