package database

import (
	"errors"
	"time"

	"github.com/quorumtrade/biasboard/backend/internal/rooms"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	migrationSeedSystemTemplates     = "2026-07-14_seed_system_templates"
	migrationNormalizeLegacyBiasRows = "2026-07-21_normalize_legacy_bias_rows"
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
		{name: migrationSeedSystemTemplates, apply: seedSystemTemplates},
		{name: migrationNormalizeLegacyBiasRows, apply: normalizeLegacyBiasRows},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
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

func seedSystemTemplates(db *gorm.DB) error {
	templates := []rooms.Template{
		{
			ID:           "tpl-scalping-forex",
			Name:         "Forex Scalping",
			Description:  "Fast intraday reads on major pairs",
			TimeFrames:   datatypes.NewJSONSlice([]string{"1m", "5m", "15m"}),
			AssetClass:   "forex",
			TradingStyle: "scalping",
			IsSystem:     true,
		},
		{
			ID:           "tpl-day-trading-indices",
			Name:         "Index Day Trading",
			Description:  "Session-by-session index bias",
			TimeFrames:   datatypes.NewJSONSlice([]string{"5m", "15m", "1h", "4h"}),
			AssetClass:   "indices",
			TradingStyle: "day_trading",
			IsSystem:     true,
		},
		{
			ID:           "tpl-swing-crypto",
			Name:         "Crypto Swing",
			Description:  "Multi-day crypto positioning",
			TimeFrames:   datatypes.NewJSONSlice([]string{"1h", "4h", "1D", "1W"}),
			AssetClass:   "crypto",
			TradingStyle: "swing_trading",
			IsSystem:     true,
		},
		{
			ID:           "tpl-position-stocks",
			Name:         "Stock Position Trading",
			Description:  "Weekly and monthly equity views",
			TimeFrames:   datatypes.NewJSONSlice([]string{"1D", "1W", "1M"}),
			AssetClass:   "stocks",
			TradingStyle: "position_trading",
			IsSystem:     true,
		},
	}
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&templates).Error
}

// normalizeLegacyBiasRows rewrites direction values imported from the old
// per-member bias column, which used bullish/bearish instead of long/short.
func normalizeLegacyBiasRows(db *gorm.DB) error {
	if err := db.Exec("UPDATE bias_records SET direction = 'long' WHERE direction = 'bullish'").Error; err != nil {
		return err
	}
	return db.Exec("UPDATE bias_records SET direction = 'short' WHERE direction = 'bearish'").Error
}
