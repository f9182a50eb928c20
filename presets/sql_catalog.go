package presets

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// SQLCatalog reads the presets and tcp_config tables.
type SQLCatalog struct {
	db *sql.DB
}

func NewSQLCatalog(db *sql.DB) *SQLCatalog {
	return &SQLCatalog{db: db}
}

func (sc *SQLCatalog) Migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS presets (
			trigger_key    TEXT NOT NULL,
			preset_id      TEXT NOT NULL,
			camera_id      TEXT NOT NULL,
			model_name     TEXT NOT NULL DEFAULT '',
			model_version  TEXT NOT NULL DEFAULT '',
			target_service TEXT NOT NULL DEFAULT 'standard',
			PRIMARY KEY (trigger_key, preset_id)
		)
	`)
	if err != nil {
		return errors.Wrap(err, "create presets")
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS tcp_config (
			field   TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 0
		)
	`)
	return errors.Wrap(err, "create tcp_config")
}

func (sc *SQLCatalog) ByTriggerKey(ctx context.Context, key string) ([]Preset, error) {
	return sc.query(ctx, "WHERE trigger_key = ?", key)
}

// Commands returns the presets fired by socket protocol commands, keyed by command.
func (sc *SQLCatalog) Commands(ctx context.Context) (map[string]Preset, error) {
	all, err := sc.query(ctx, "")
	if err != nil {
		return nil, err
	}

	commands := make(map[string]Preset)
	for _, p := range all {
		if !p.IsInputTrigger() {
			commands[p.TriggerKey] = p
		}
	}
	return commands, nil
}

func (sc *SQLCatalog) query(ctx context.Context, where string, args ...any) ([]Preset, error) {
	rows, err := sc.db.QueryContext(ctx,
		"SELECT trigger_key, preset_id, camera_id, model_name, model_version, target_service FROM presets "+where+" ORDER BY trigger_key, preset_id",
		args...,
	)
	if err != nil {
		return nil, errors.Wrap(err, "query presets")
	}
	defer rows.Close()

	var found []Preset
	for rows.Next() {
		var p Preset
		var service string
		if err := rows.Scan(&p.TriggerKey, &p.PresetID, &p.CameraID, &p.ModelName, &p.ModelVersion, &service); err != nil {
			return nil, errors.Wrap(err, "scan preset")
		}
		p.TargetService = TargetService(service)
		found = append(found, p)
	}
	return found, errors.Wrap(rows.Err(), "iterate presets")
}

func (sc *SQLCatalog) ResponseFilter(ctx context.Context) (ResponseFilter, error) {
	rf := ResponseFilter{Fields: make(map[string]bool)}

	rows, err := sc.db.QueryContext(ctx, "SELECT field, enabled FROM tcp_config")
	if err != nil {
		return rf, errors.Wrap(err, "query tcp_config")
	}
	defer rows.Close()

	for rows.Next() {
		var field string
		var enabled int
		if err := rows.Scan(&field, &enabled); err != nil {
			return rf, errors.Wrap(err, "scan tcp_config")
		}
		if field == PacketHeaderField {
			rf.PacketHeader = enabled != 0
			continue
		}
		rf.Fields[field] = enabled != 0
	}
	return rf, errors.Wrap(rows.Err(), "iterate tcp_config")
}

// Put inserts or replaces a preset, used to seed the catalog from config.
func (sc *SQLCatalog) Put(ctx context.Context, p Preset) error {
	if err := p.Validate(); err != nil {
		return err
	}
	_, err := sc.db.ExecContext(ctx, `
		INSERT INTO presets (trigger_key, preset_id, camera_id, model_name, model_version, target_service)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(trigger_key, preset_id) DO UPDATE SET
			camera_id = excluded.camera_id,
			model_name = excluded.model_name,
			model_version = excluded.model_version,
			target_service = excluded.target_service`,
		p.TriggerKey, p.PresetID, p.CameraID, p.ModelName, p.ModelVersion, string(p.TargetService),
	)
	return errors.Wrapf(err, "put preset %s/%s", p.TriggerKey, p.PresetID)
}

// SetResponseFilter merges filter flags, fields not named keep their value.
func (sc *SQLCatalog) SetResponseFilter(ctx context.Context, rf ResponseFilter) error {
	flags := make(map[string]bool, len(rf.Fields)+1)
	for field, on := range rf.Fields {
		flags[field] = on
	}
	flags[PacketHeaderField] = rf.PacketHeader

	for field, on := range flags {
		enabled := 0
		if on {
			enabled = 1
		}
		_, err := sc.db.ExecContext(ctx,
			"INSERT INTO tcp_config (field, enabled) VALUES (?, ?) ON CONFLICT(field) DO UPDATE SET enabled = excluded.enabled",
			field, enabled,
		)
		if err != nil {
			return errors.Wrapf(err, "set tcp_config %s", field)
		}
	}
	return nil
}
