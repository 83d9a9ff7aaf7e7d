package database

import (
	"whatsapp-automation/internal/models"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// tables lists every migrated table parents first, so copying in this order
// never inserts a row before the row it points to
var tables = []struct {
	name string
	rows func() interface{}
}{
	{"accounts", func() interface{} { return &[]models.Account{} }},
	{"conversations", func() interface{} { return &[]models.Conversation{} }},
	{"messages", func() interface{} { return &[]models.Message{} }},
	{"flows", func() interface{} { return &[]models.Flow{} }},
	{"flow_steps", func() interface{} { return &[]models.FlowStep{} }},
	{"flow_triggers", func() interface{} { return &[]models.FlowTrigger{} }},
	{"flow_executions", func() interface{} { return &[]models.FlowExecution{} }},
	{"campaigns", func() interface{} { return &[]models.Campaign{} }},
	{"campaign_targets", func() interface{} { return &[]models.CampaignTarget{} }},
}

const copyBatchSize = 500

// CopyAll copies every row from src into dst keeping primary keys, one
// transaction per table. It returns the row count copied per table.
func CopyAll(src, dst *gorm.DB) (map[string]int, error) {
	counts := make(map[string]int, len(tables))
	for _, t := range tables {
		copied := 0
		err := dst.Transaction(func(tx *gorm.DB) error {
			rows := t.rows()
			res := src.FindInBatches(rows, copyBatchSize, func(batch *gorm.DB, _ int) error {
				if batch.RowsAffected == 0 {
					return nil
				}
				if err := tx.Omit(clause.Associations).Create(rows).Error; err != nil {
					return err
				}
				copied += int(batch.RowsAffected)
				return nil
			})
			return res.Error
		})
		if err != nil {
			return counts, errors.Wrapf(err, "copy %s", t.name)
		}
		counts[t.name] = copied
		log.Info().Str("table", t.name).Int("rows", copied).Msg("Table copied")
	}
	return counts, nil
}

// SyncSequences moves each postgres id sequence past the largest copied id.
// Other drivers derive ids from the table and need nothing.
func SyncSequences(db *gorm.DB) error {
	if db.Dialector.Name() != "postgres" {
		log.Info().Str("driver", db.Dialector.Name()).Msg("No sequences to sync")
		return nil
	}
	for _, t := range tables {
		query := "SELECT setval(pg_get_serial_sequence('" + t.name + "', 'id'), coalesce(max(id), 0) + 1, false) FROM " + t.name
		if err := db.Exec(query).Error; err != nil {
			return errors.Wrapf(err, "sync sequence for %s", t.name)
		}
		log.Info().Str("table", t.name).Msg("Sequence synced")
	}
	return nil
}
