// Package gormaudit stamps captured activity with actor and client metadata from GORM callbacks.
package gormaudit

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/mickamy/pgaudit"
	"github.com/mickamy/pgaudit/internal/pgtext"
	"github.com/mickamy/pgaudit/internal/query"
)

const (
	setValuesCallback = "pgaudit:set_activity_values"
	skipCallback      = "pgaudit:skip_capture"
)

// Plugin is a gorm.Plugin backed by a pgaudit.Manager.
//
// Activity values and pgaudit.WithSkip only apply within a transaction. Writes made with
// SkipDefaultTransaction outside db.Transaction are captured but left unstamped, and a
// skipped context does not stop their capture.
type Plugin struct {
	m *pgaudit.Manager
}

var _ gorm.Plugin = (*Plugin)(nil)

func New(m *pgaudit.Manager) *Plugin {
	return &Plugin{m: m}
}

func (p *Plugin) Name() string {
	return "pgaudit"
}

func (p *Plugin) Initialize(db *gorm.DB) error {
	cb := db.Callback()

	if err := cb.Create().After("gorm:begin_transaction").Before("gorm:before_create").Register(skipCallback, p.skip); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:begin_transaction").Before("gorm:before_update").Register(skipCallback, p.skip); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:begin_transaction").Before("gorm:before_delete").Register(skipCallback, p.skip); err != nil {
		return err
	}

	if err := cb.Create().After("gorm:after_create").Before("gorm:commit_or_rollback_transaction").Register(setValuesCallback, p.setActivityValues); err != nil {
		return err
	}
	if err := cb.Update().After("gorm:after_update").Before("gorm:commit_or_rollback_transaction").Register(setValuesCallback, p.setActivityValues); err != nil {
		return err
	}
	if err := cb.Delete().After("gorm:after_delete").Before("gorm:commit_or_rollback_transaction").Register(setValuesCallback, p.setActivityValues); err != nil {
		return err
	}
	return cb.Raw().After("gorm:raw").Register(setValuesCallback, p.setRawActivityValues)
}

func (p *Plugin) skip(db *gorm.DB) {
	if db.Error != nil || db.DryRun || !pgaudit.Skipped(db.Statement.Context) || !inTransaction(db) {
		return
	}
	if err := p.m.DisableCapture(db.Statement.Context, db.Statement.ConnPool); err != nil {
		_ = db.AddError(err)
	}
}

func (p *Plugin) setActivityValues(db *gorm.DB) {
	if db.Error != nil || db.DryRun || db.Statement.RowsAffected == 0 || !inTransaction(db) {
		return
	}
	if err := p.m.SetActivityValues(db.Statement.Context, db.Statement.ConnPool); err != nil {
		_ = db.AddError(err)
	}
}

func (p *Plugin) setRawActivityValues(db *gorm.DB) {
	if db.Error != nil || db.DryRun || !inTransaction(db) {
		return
	}
	if len(query.ParseAll(db.Statement.SQL.String())) == 0 {
		return
	}
	if err := p.m.SetActivityValues(db.Statement.Context, db.Statement.ConnPool); err != nil {
		_ = db.AddError(err)
	}
}

func inTransaction(db *gorm.DB) bool {
	_, ok := db.Statement.ConnPool.(gorm.TxCommitter)
	return ok
}

// Activities scopes db to the activity table, selecting every Activity field.
func (p *Plugin) Activities(db *gorm.DB) *gorm.DB {
	return db.Table(p.m.ActivityTableName()).Select(pgaudit.ActivityColumns)
}

// CountActivities counts activity rows matching scopes.
func (p *Plugin) CountActivities(db *gorm.DB, scopes ...func(*gorm.DB) *gorm.DB) (int64, error) {
	var n int64
	err := db.Table(p.m.ActivityTableName()).Scopes(scopes...).Count(&n).Error
	return n, err
}

// ForTable filters activity by the audited table's name.
func ForTable(name string) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("table_name = ?", name)
	}
}

// DataEquals filters activity whose merged row data holds value under key.
func (p *Plugin) DataEquals(key string, value any) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		v, err := pgtext.Encode(value)
		if err != nil {
			_ = db.AddError(fmt.Errorf("pgaudit: failed to encode %s: %w", key, err))
			return db
		}
		return db.Where(fmt.Sprintf("(%s ->> ?) = ?", p.m.DataExpression()), key, v)
	}
}
