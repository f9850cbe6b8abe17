package database

import (
	"time"

	"github.com/MarcoPoloResearchLab/loyalty/backend/internal/docstore"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationClampNegativePoints = "2026-10-01_clamp_negative_points"

	pointsField = "points"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationClampNegativePoints, apply: clampNegativePoints},
	}

	for _, migration := range migrations {
		var record migrationRecord
		lookup := db.Where("name = ?", migration.name).Limit(1).Find(&record)
		if lookup.Error != nil {
			return lookup.Error
		}
		if lookup.RowsAffected > 0 {
			continue
		}
		if err := db.Transaction(migration.apply); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// clampNegativePoints raises balances written below zero by older clients to zero, on both
// private profiles and public summaries.
func clampNegativePoints(db *gorm.DB) error {
	var documents []docstore.Document
	if err := db.Where("fields_json LIKE ?", `%"points":-%`).Find(&documents).Error; err != nil {
		return err
	}
	now := time.Now().UTC()
	for index := range documents {
		document := &documents[index]
		fields, err := document.DecodedFields()
		if err != nil {
			return err
		}
		points, ok := fields.Int64(pointsField)
		if !ok || points >= 0 {
			continue
		}
		fields[pointsField] = 0
		if err := document.ReplaceFields(fields, now); err != nil {
			return err
		}
		if err := db.Save(document).Error; err != nil {
			return err
		}
	}
	return nil
}
