// Package sqlite implements storage.Store on an embedded SQLite database for
// single-node deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/timzifer/fleetcollector/storage"
)

//go:embed schema.sql
var schema string

// Store is a storage.Store backed by SQLite. Timestamps are stored as unix
// milliseconds.
type Store struct {
	db     *sql.DB
	rule   *storage.ParkedRule
	now    func() time.Time
	logger zerolog.Logger
}

// Option customises a Store.
type Option func(*Store)

// WithNow overrides the wall clock used for bookkeeping columns.
func WithNow(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (and migrates) the database at dsn. ":memory:" yields a private
// in-memory database.
func Open(ctx context.Context, dsn string, rule *storage.ParkedRule, logger zerolog.Logger, opts ...Option) (*Store, error) {
	dsn = strings.TrimPrefix(dsn, "sqlite://")
	if dsn == "" {
		return nil, fmt.Errorf("sqlite: empty dsn")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// A single connection serialises writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA foreign_keys=ON;", "PRAGMA busy_timeout=5000;"} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	if rule == nil {
		rule = storage.DefaultParkedRule()
	}
	s := &Store{db: db, rule: rule, now: time.Now, logger: logger.With().Str("component", "storage").Str("driver", "sqlite").Logger()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DB exposes the underlying handle for seeding and inspection.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ListActiveDevicesWithCredentials(ctx context.Context) ([]storage.DeviceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT d.id, d.organization_id, d.serial_number, COALESCE(d.device_name, ''), d.truck_id, d.status,
		       COALESCE(c.applink_url, ''), c.connection_key, c.access_key,
		       s.cohort_id, s.last_successful_poll_at, s.connection_status, s.backfill_status, s.gap_start_at
		FROM power_mon_devices d
		INNER JOIN device_credentials c ON c.device_id = d.id AND c.is_active = 1
		LEFT JOIN device_sync_status s ON s.device_id = d.id
		WHERE d.is_active = 1
		ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("list active devices: %w", err)
	}
	defer rows.Close()

	var out []storage.DeviceRecord
	for rows.Next() {
		var (
			rec            storage.DeviceRecord
			truck          sql.NullInt64
			cohort         sql.NullInt64
			lastSuccess    sql.NullInt64
			connStatus     sql.NullString
			backfillStatus sql.NullString
			gapStart       sql.NullInt64
		)
		if err := rows.Scan(&rec.DeviceID, &rec.OrganizationID, &rec.SerialNumber, &rec.DeviceName, &truck, &rec.Status,
			&rec.AccessURL, &rec.ConnectionKey, &rec.AccessKey,
			&cohort, &lastSuccess, &connStatus, &backfillStatus, &gapStart); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		if truck.Valid {
			v := truck.Int64
			rec.TruckID = &v
		}
		if cohort.Valid {
			v := int(cohort.Int64)
			rec.CohortID = &v
		}
		rec.LastSuccessfulPollAt = fromMillis(lastSuccess)
		rec.ConnectionStatus = connStatus.String
		rec.BackfillStatus = storage.BackfillStatus(backfillStatus.String)
		rec.GapStartAt = fromMillis(gapStart)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpsertDeviceSyncStatus(ctx context.Context, deviceID, orgID int64, cohort int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_sync_status (device_id, organization_id, cohort_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (device_id) DO UPDATE SET cohort_id = excluded.cohort_id, updated_at = excluded.updated_at`,
		deviceID, orgID, cohort, s.stamp())
	if err != nil {
		return fmt.Errorf("upsert sync status %d: %w", deviceID, err)
	}
	return nil
}

func (s *Store) MarkDeviceConnected(ctx context.Context, deviceID int64) error {
	now := s.stamp()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE device_sync_status SET
				connection_status = 'connected',
				last_connected_at = ?1,
				consecutive_poll_failures = 0,
				gap_end_at = CASE WHEN gap_start_at IS NOT NULL THEN ?1 ELSE gap_end_at END,
				updated_at = ?1
			WHERE device_id = ?2`, now, deviceID); err != nil {
			return fmt.Errorf("mark connected %d: %w", deviceID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE power_mon_devices SET status = 'online', last_seen_at = ?1, updated_at = ?1 WHERE id = ?2`,
			now, deviceID); err != nil {
			return fmt.Errorf("mark device online %d: %w", deviceID, err)
		}
		return nil
	})
}

func (s *Store) MarkDeviceDisconnected(ctx context.Context, deviceID int64, gapStart time.Time) error {
	now := s.stamp()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE device_sync_status SET
				connection_status = 'disconnected',
				last_disconnected_at = ?1,
				gap_start_at = COALESCE(gap_start_at, ?2),
				gap_end_at = CASE WHEN gap_start_at IS NULL THEN NULL ELSE gap_end_at END,
				backfill_status = CASE WHEN gap_start_at IS NULL THEN 'pending' ELSE backfill_status END,
				updated_at = ?1
			WHERE device_id = ?3`, now, gapStart.UnixMilli(), deviceID); err != nil {
			return fmt.Errorf("mark disconnected %d: %w", deviceID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE power_mon_devices SET status = 'offline', updated_at = ?1 WHERE id = ?2`, now, deviceID); err != nil {
			return fmt.Errorf("mark device offline %d: %w", deviceID, err)
		}
		return nil
	})
}

func (s *Store) UpdateDeviceInfo(ctx context.Context, deviceID int64, info storage.DeviceInfoUpdate) error {
	if info.Empty() {
		return nil
	}
	sets := make([]string, 0, 5)
	args := make([]interface{}, 0, 6)
	if info.SerialNumber != "" {
		sets = append(sets, "serial_number = ?")
		args = append(args, info.SerialNumber)
	}
	if info.FirmwareVersion != "" {
		sets = append(sets, "firmware_version = ?")
		args = append(args, info.FirmwareVersion)
	}
	if info.HardwareRevision != 0 {
		sets = append(sets, "hardware_revision = ?")
		args = append(args, fmt.Sprint(info.HardwareRevision))
	}
	if info.DeviceName != "" {
		sets = append(sets, "device_name = ?")
		args = append(args, info.DeviceName)
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, s.stamp(), deviceID)
	if _, err := s.db.ExecContext(ctx, "UPDATE power_mon_devices SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...); err != nil {
		return fmt.Errorf("update device info %d: %w", deviceID, err)
	}
	return nil
}

func (s *Store) BulkInsertMeasurements(ctx context.Context, rows []storage.Measurement) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var inserted int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO device_measurements
				(organization_id, device_id, truck_id, voltage1, voltage2, current, power, temperature, soc,
				 energy, charge, runtime, rssi, power_status, power_status_string, source, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, m := range rows {
			res, err := stmt.ExecContext(ctx, m.OrganizationID, m.DeviceID, nullInt64(m.TruckID),
				m.Voltage1, m.Voltage2, m.Current, m.Power, m.Temperature, m.SOC,
				m.Energy, m.Charge, m.Runtime, nullInt(m.RSSI), m.PowerStatus, nullString(m.PowerStatusString),
				string(m.Source), m.RecordedAt.UnixMilli())
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			inserted += n
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bulk insert %d measurements: %w", len(rows), err)
	}
	return inserted, nil
}

func (s *Store) UpsertDeviceSnapshot(ctx context.Context, snap storage.Snapshot) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		prev, err := loadParkedState(ctx, tx, snap.DeviceID)
		if err != nil {
			return err
		}
		at := snap.RecordedAt
		if at.IsZero() {
			at = s.now()
		}
		parked, err := s.rule.NextParkedState(prev, snap.Reading, at)
		if err != nil {
			return fmt.Errorf("snapshot %d: %w", snap.DeviceID, err)
		}
		if parked.IsParked {
			s.logger.Debug().Int64("device_id", snap.DeviceID).Float64("voltage2", snap.Voltage2).
				Int("today_parked_minutes", parked.TodayParkedMinutes).Msg("truck parked")
		}
		var since interface{}
		if parked.ParkedSince != nil {
			since = parked.ParkedSince.UnixMilli()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO device_snapshots
				(organization_id, device_id, truck_id, voltage1, voltage2, current, power, temperature, soc,
				 energy, charge, runtime, rssi, power_status, power_status_string,
				 is_parked, parked_since, today_parked_seconds, today_parked_minutes, parked_date, recorded_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (device_id) DO UPDATE SET
				organization_id = excluded.organization_id,
				truck_id = excluded.truck_id,
				voltage1 = excluded.voltage1,
				voltage2 = excluded.voltage2,
				current = excluded.current,
				power = excluded.power,
				temperature = excluded.temperature,
				soc = excluded.soc,
				energy = excluded.energy,
				charge = excluded.charge,
				runtime = excluded.runtime,
				rssi = excluded.rssi,
				power_status = excluded.power_status,
				power_status_string = excluded.power_status_string,
				is_parked = excluded.is_parked,
				parked_since = excluded.parked_since,
				today_parked_seconds = excluded.today_parked_seconds,
				today_parked_minutes = excluded.today_parked_minutes,
				parked_date = excluded.parked_date,
				recorded_at = excluded.recorded_at,
				updated_at = excluded.updated_at`,
			snap.OrganizationID, snap.DeviceID, nullInt64(snap.TruckID),
			snap.Voltage1, snap.Voltage2, snap.Current, snap.Power, snap.Temperature, snap.SOC,
			snap.Energy, snap.Charge, snap.Runtime, nullInt(snap.RSSI), snap.PowerStatus, nullString(snap.PowerStatusString),
			parked.IsParked, since, parked.TodayParkedSeconds, parked.TodayParkedMinutes, parked.ParkedDate,
			at.UnixMilli(), s.stamp())
		if err != nil {
			return fmt.Errorf("upsert snapshot %d: %w", snap.DeviceID, err)
		}
		return nil
	})
}

func loadParkedState(ctx context.Context, tx *sql.Tx, deviceID int64) (*storage.ParkedState, error) {
	var (
		state    storage.ParkedState
		since    sql.NullInt64
		date     sql.NullString
		recorded int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT is_parked, parked_since, today_parked_seconds, today_parked_minutes, parked_date, recorded_at
		FROM device_snapshots WHERE device_id = ?`, deviceID).
		Scan(&state.IsParked, &since, &state.TodayParkedSeconds, &state.TodayParkedMinutes, &date, &recorded)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d: %w", deviceID, err)
	}
	state.ParkedSince = fromMillis(since)
	state.ParkedDate = date.String
	state.UpdatedAt = time.UnixMilli(recorded).UTC()
	return &state, nil
}

const gapSelect = `
	SELECT s.device_id, s.organization_id, d.serial_number, COALESCE(c.applink_url, ''),
	       s.gap_start_at, s.gap_end_at, s.last_log_file_id, s.last_log_offset
	FROM device_sync_status s
	INNER JOIN power_mon_devices d ON d.id = s.device_id
	INNER JOIN device_credentials c ON c.device_id = d.id AND c.is_active = 1`

func (s *Store) GetDevicesNeedingBackfill(ctx context.Context, limit int) ([]storage.GapRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, gapSelect+`
		WHERE s.backfill_status = 'pending'
		ORDER BY s.gap_start_at IS NULL, s.gap_start_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("devices needing backfill: %w", err)
	}
	defer rows.Close()
	var out []storage.GapRecord
	for rows.Next() {
		rec, err := scanGap(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetBackfillCandidate(ctx context.Context, deviceID int64) (storage.GapRecord, error) {
	row := s.db.QueryRowContext(ctx, gapSelect+` WHERE s.device_id = ?`, deviceID)
	rec, err := scanGap(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.GapRecord{}, fmt.Errorf("device %d: %w", deviceID, storage.ErrNotFound)
	}
	return rec, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanGap(row scanner) (storage.GapRecord, error) {
	var (
		rec      storage.GapRecord
		gapStart sql.NullInt64
		gapEnd   sql.NullInt64
	)
	if err := row.Scan(&rec.DeviceID, &rec.OrganizationID, &rec.SerialNumber, &rec.AccessURL,
		&gapStart, &gapEnd, &rec.LastLogFileID, &rec.LastLogOffset); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan gap: %w", err)
	}
	rec.GapStartAt = fromMillis(gapStart)
	rec.GapEndAt = fromMillis(gapEnd)
	return rec, nil
}

func (s *Store) MarkBackfillPending(ctx context.Context, deviceID int64) error {
	return s.execOne(ctx, `UPDATE device_sync_status SET backfill_status = 'pending', updated_at = ? WHERE device_id = ?`,
		s.stamp(), deviceID)
}

func (s *Store) UpdateBackfillProgress(ctx context.Context, deviceID int64, p storage.BackfillProgress) error {
	return s.execOne(ctx, `
		UPDATE device_sync_status SET
			last_log_file_id = ?1,
			last_log_offset = ?2,
			total_samples_synced = total_samples_synced + ?3,
			last_log_sync_at = ?4,
			backfill_status = ?5,
			error_message = CASE WHEN ?5 = 'completed' THEN NULL ELSE error_message END,
			gap_start_at = CASE WHEN ?5 = 'completed' THEN NULL ELSE gap_start_at END,
			gap_end_at = CASE WHEN ?5 = 'completed' THEN NULL ELSE gap_end_at END,
			updated_at = ?4
		WHERE device_id = ?6`,
		p.LastLogFileID, p.LastLogOffset, p.SamplesSynced, s.stamp(), string(p.Status), deviceID)
}

func (s *Store) MarkBackfillFailed(ctx context.Context, deviceID int64, message string) error {
	return s.execOne(ctx, `
		UPDATE device_sync_status SET backfill_status = 'failed', error_message = ?, updated_at = ? WHERE device_id = ?`,
		message, s.stamp(), deviceID)
}

func (s *Store) GetSyncStatus(ctx context.Context, deviceID int64) (storage.SyncStatus, error) {
	var (
		st       storage.SyncStatus
		errMsg   sql.NullString
		backfill string
	)
	var lastConn, lastDisc, lastPoll, lastOK, gapStart, gapEnd, syncAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT device_id, organization_id, cohort_id, connection_status,
		       last_connected_at, last_disconnected_at, last_poll_at, last_successful_poll_at,
		       consecutive_poll_failures, gap_start_at, gap_end_at, last_log_file_id, last_log_offset,
		       last_log_sync_at, backfill_status, total_samples_synced, error_message
		FROM device_sync_status WHERE device_id = ?`, deviceID).Scan(
		&st.DeviceID, &st.OrganizationID, &st.CohortID, &st.ConnectionStatus,
		&lastConn, &lastDisc, &lastPoll, &lastOK,
		&st.ConsecutivePollFailures, &gapStart, &gapEnd, &st.LastLogFileID, &st.LastLogOffset,
		&syncAt, &backfill, &st.TotalSamplesSynced, &errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SyncStatus{}, fmt.Errorf("sync status %d: %w", deviceID, storage.ErrNotFound)
	}
	if err != nil {
		return storage.SyncStatus{}, fmt.Errorf("sync status %d: %w", deviceID, err)
	}
	st.LastConnectedAt = fromMillis(lastConn)
	st.LastDisconnectedAt = fromMillis(lastDisc)
	st.LastPollAt = fromMillis(lastPoll)
	st.LastSuccessfulPollAt = fromMillis(lastOK)
	st.GapStartAt = fromMillis(gapStart)
	st.GapEndAt = fromMillis(gapEnd)
	st.LastLogSyncAt = fromMillis(syncAt)
	st.BackfillStatus = storage.BackfillStatus(backfill)
	st.ErrorMessage = errMsg.String
	return st, nil
}

func (s *Store) execOne(ctx context.Context, query string, args ...interface{}) error {
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("sqlite: %w", err)
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

func (s *Store) stamp() int64 {
	return s.now().UnixMilli()
}

func fromMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func nullInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(v string) interface{} {
	if v == "" {
		return nil
	}
	return v
}

var _ storage.Store = (*Store)(nil)

// DeviceSeed describes a registry row inserted by SeedDevice.
type DeviceSeed struct {
	DeviceID       int64
	OrganizationID int64
	SerialNumber   string
	DeviceName     string
	TruckID        *int64
	AccessURL      string
	ConnectionKey  string
	AccessKey      string
	Inactive       bool
}

// SeedDevice inserts or replaces a device and its active credential. The
// registry is owned by the admin tooling in production; seeding exists for
// standalone runs against the simulator and for tests.
func (s *Store) SeedDevice(ctx context.Context, seed DeviceSeed) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO power_mon_devices (id, organization_id, truck_id, serial_number, device_name, is_active, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE SET
				organization_id = excluded.organization_id,
				truck_id = excluded.truck_id,
				serial_number = excluded.serial_number,
				device_name = excluded.device_name,
				is_active = excluded.is_active,
				updated_at = excluded.updated_at`,
			seed.DeviceID, seed.OrganizationID, nullInt64(seed.TruckID), seed.SerialNumber, nullString(seed.DeviceName),
			!seed.Inactive, s.stamp()); err != nil {
			return fmt.Errorf("seed device %d: %w", seed.DeviceID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO device_credentials (organization_id, device_id, connection_key, access_key, applink_url, is_active)
			VALUES (?, ?, ?, ?, ?, 1)
			ON CONFLICT (device_id) DO UPDATE SET
				connection_key = excluded.connection_key,
				access_key = excluded.access_key,
				applink_url = excluded.applink_url,
				is_active = 1`,
			seed.OrganizationID, seed.DeviceID, seed.ConnectionKey, seed.AccessKey, nullString(seed.AccessURL)); err != nil {
			return fmt.Errorf("seed credentials %d: %w", seed.DeviceID, err)
		}
		return nil
	})
}
