package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/botloader/guildscheduler/internal/model"
)

// SQLiteStore is the relational Db implementation for production use,
// following the pack-wide convention (jholhewres-goclaw's
// sqlite_storage.go, zkoranges-go-claw's persistence/store.go) of a
// thin wrapper around database/sql plus prepared schema migration on
// open.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if absent) the sqlite database at path
// and applies the schema.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS scripts (
	id INTEGER PRIMARY KEY,
	guild_id INTEGER NOT NULL,
	source TEXT NOT NULL,
	enabled INTEGER NOT NULL,
	plugin_present INTEGER NOT NULL,
	plugin_value INTEGER NOT NULL,
	settings_values TEXT NOT NULL DEFAULT '{}',
	contributions TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_scripts_guild ON scripts(guild_id);

CREATE TABLE IF NOT EXISTS interval_timers (
	guild_id INTEGER NOT NULL,
	plugin_present INTEGER NOT NULL,
	plugin_value INTEGER NOT NULL,
	name TEXT NOT NULL,
	fixed_minutes INTEGER NOT NULL DEFAULT 0,
	cron_expr TEXT NOT NULL DEFAULT '',
	last_run INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (guild_id, plugin_present, plugin_value, name)
);

CREATE TABLE IF NOT EXISTS scheduled_tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	guild_id INTEGER NOT NULL,
	plugin_present INTEGER NOT NULL,
	plugin_value INTEGER NOT NULL,
	bucket TEXT NOT NULL,
	unique_key TEXT NOT NULL DEFAULT '',
	payload BLOB,
	execute_at INTEGER NOT NULL,
	UNIQUE(guild_id, plugin_present, plugin_value, bucket, unique_key)
);
CREATE INDEX IF NOT EXISTS idx_tasks_guild_due ON scheduled_tasks(guild_id, execute_at);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) ListEnabledScripts(ctx context.Context, guild model.GuildID) ([]model.Script, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, guild_id, source, enabled, plugin_present, plugin_value, settings_values, contributions
		FROM scripts WHERE guild_id = ? AND enabled = 1`, int64(guild))
	if err != nil {
		return nil, fmt.Errorf("store: list scripts: %w", err)
	}
	defer rows.Close()

	var out []model.Script
	for rows.Next() {
		var sc model.Script
		var guildID int64
		var pluginPresent int
		var pluginValue int64
		var settingsJSON, contribJSON string
		if err := rows.Scan(&sc.ID, &guildID, &sc.Source, &sc.Enabled, &pluginPresent, &pluginValue, &settingsJSON, &contribJSON); err != nil {
			return nil, fmt.Errorf("store: scan script: %w", err)
		}
		sc.GuildID = model.GuildID(guildID)
		sc.Plugin = model.PluginID{Present: pluginPresent != 0, Value: pluginValue}
		_ = json.Unmarshal([]byte(settingsJSON), &sc.SettingsValues)
		_ = json.Unmarshal([]byte(contribJSON), &sc.Contributions)
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertContributions(ctx context.Context, guild model.GuildID, scriptID uint64, c model.ContributionSet) error {
	buf, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("store: marshal contributions: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE scripts SET contributions = ? WHERE id = ? AND guild_id = ?`, string(buf), scriptID, int64(guild))
	if err != nil {
		return fmt.Errorf("store: upsert contributions: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertSettingsDefinitions(ctx context.Context, guild model.GuildID, scriptID uint64, settings []string) error {
	buf, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("store: marshal settings: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `UPDATE scripts SET contributions = json_set(contributions, '$.Settings', json(?)) WHERE id = ? AND guild_id = ?`, string(buf), scriptID, int64(guild))
	if err != nil {
		return fmt.Errorf("store: upsert settings: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTimers(ctx context.Context, guild model.GuildID) ([]model.IntervalTimer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT plugin_present, plugin_value, name, fixed_minutes, cron_expr, last_run
		FROM interval_timers WHERE guild_id = ?`, int64(guild))
	if err != nil {
		return nil, fmt.Errorf("store: list timers: %w", err)
	}
	defer rows.Close()

	var out []model.IntervalTimer
	for rows.Next() {
		var t model.IntervalTimer
		var pluginPresent int
		var pluginValue int64
		var lastRunUnix int64
		if err := rows.Scan(&pluginPresent, &pluginValue, &t.Name, &t.Interval.FixedMinutes, &t.Interval.CronExpr, &lastRunUnix); err != nil {
			return nil, fmt.Errorf("store: scan timer: %w", err)
		}
		t.GuildID = guild
		t.PluginScope = model.PluginID{Present: pluginPresent != 0, Value: pluginValue}
		t.LastRun = time.Unix(lastRunUnix, 0).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UpsertTimer(ctx context.Context, t model.IntervalTimer) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO interval_timers
		(guild_id, plugin_present, plugin_value, name, fixed_minutes, cron_expr, last_run)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, plugin_present, plugin_value, name) DO UPDATE SET
			fixed_minutes = excluded.fixed_minutes,
			cron_expr = excluded.cron_expr,
			last_run = excluded.last_run`,
		int64(t.GuildID), boolToInt(t.PluginScope.Present), t.PluginScope.Value, t.Name,
		t.Interval.FixedMinutes, t.Interval.CronExpr, t.LastRun.Unix())
	if err != nil {
		return fmt.Errorf("store: upsert timer: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpsertTask(ctx context.Context, t model.ScheduledTask) (model.ScheduledTask, error) {
	res, err := s.db.ExecContext(ctx, `INSERT INTO scheduled_tasks
		(guild_id, plugin_present, plugin_value, bucket, unique_key, payload, execute_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guild_id, plugin_present, plugin_value, bucket, unique_key) DO UPDATE SET
			payload = excluded.payload,
			execute_at = excluded.execute_at`,
		int64(t.GuildID), boolToInt(t.PluginScope.Present), t.PluginScope.Value, t.Bucket, t.UniqueKey, t.Payload, t.ExecuteAt.Unix())
	if err != nil {
		return model.ScheduledTask{}, fmt.Errorf("store: upsert task: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT id FROM scheduled_tasks WHERE guild_id = ? AND plugin_present = ? AND plugin_value = ? AND bucket = ? AND unique_key = ?`,
		int64(t.GuildID), boolToInt(t.PluginScope.Present), t.PluginScope.Value, t.Bucket, t.UniqueKey)
	var id int64
	if err := row.Scan(&id); err != nil {
		lastID, lerr := res.LastInsertId()
		if lerr != nil {
			return model.ScheduledTask{}, fmt.Errorf("store: resolve task id: %w", err)
		}
		id = lastID
	}
	t.ID = uint64(id)
	return t, nil
}

func (s *SQLiteStore) DeleteTask(ctx context.Context, id uint64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete task: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteByKey(ctx context.Context, guild model.GuildID, bucket, uniqueKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE guild_id = ? AND bucket = ? AND unique_key = ?`,
		int64(guild), bucket, uniqueKey)
	if err != nil {
		return fmt.Errorf("store: delete task by key: %w", err)
	}
	return nil
}

// registeredPredicate builds the "plugin_id + '_' + name" composite
// match the original persistence layer uses (spec §4.3), since sqlite
// has no array-contains operator convenient for a dynamic-length IN
// list without building it by hand.
func registeredPredicate(buckets []string) (string, []interface{}) {
	if len(buckets) == 0 {
		return "0", nil
	}
	placeholders := make([]string, len(buckets))
	args := make([]interface{}, len(buckets))
	for i, b := range buckets {
		placeholders[i] = "?"
		args[i] = b
	}
	return "(CASE WHEN plugin_present != 0 THEN CAST(plugin_value AS TEXT) ELSE '' END || '_' || bucket) IN (" + strings.Join(placeholders, ",") + ")", args
}

func excludePredicate(ids []uint64) (string, []interface{}) {
	if len(ids) == 0 {
		return "1=1", nil
	}
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	return "id NOT IN (" + strings.Join(placeholders, ",") + ")", args
}

func (s *SQLiteStore) TasksDueBefore(ctx context.Context, guild model.GuildID, at time.Time, excludeIDs []uint64, registeredBuckets []string) ([]model.ScheduledTask, error) {
	bucketPred, bucketArgs := registeredPredicate(registeredBuckets)
	excludePred, excludeArgs := excludePredicate(excludeIDs)

	query := fmt.Sprintf(`SELECT id, guild_id, plugin_present, plugin_value, bucket, unique_key, payload, execute_at
		FROM scheduled_tasks WHERE guild_id = ? AND execute_at <= ? AND %s AND %s ORDER BY id`, bucketPred, excludePred)

	args := append([]interface{}{int64(guild), at.Unix()}, bucketArgs...)
	args = append(args, excludeArgs...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: tasks due before: %w", err)
	}
	defer rows.Close()

	var out []model.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) FindMinExecAt(ctx context.Context, guild model.GuildID, excludeIDs []uint64, registeredBuckets []string) (time.Time, bool, error) {
	bucketPred, bucketArgs := registeredPredicate(registeredBuckets)
	excludePred, excludeArgs := excludePredicate(excludeIDs)

	query := fmt.Sprintf(`SELECT MIN(execute_at) FROM scheduled_tasks WHERE guild_id = ? AND %s AND %s`, bucketPred, excludePred)
	args := append([]interface{}{int64(guild)}, bucketArgs...)
	args = append(args, excludeArgs...)

	var min sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&min); err != nil {
		return time.Time{}, false, fmt.Errorf("store: find min exec_at: %w", err)
	}
	if !min.Valid {
		return time.Time{}, false, nil
	}
	return time.Unix(min.Int64, 0).UTC(), true, nil
}

func scanTask(rows *sql.Rows) (model.ScheduledTask, error) {
	var t model.ScheduledTask
	var guildID int64
	var pluginPresent int
	var pluginValue int64
	var executeAtUnix int64
	if err := rows.Scan(&t.ID, &guildID, &pluginPresent, &pluginValue, &t.Bucket, &t.UniqueKey, &t.Payload, &executeAtUnix); err != nil {
		return model.ScheduledTask{}, fmt.Errorf("store: scan task: %w", err)
	}
	t.GuildID = model.GuildID(guildID)
	t.PluginScope = model.PluginID{Present: pluginPresent != 0, Value: pluginValue}
	t.ExecuteAt = time.Unix(executeAtUnix, 0).UTC()
	return t, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
