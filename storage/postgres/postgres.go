// Package postgres implements storage.Store on PostgreSQL using pgx.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/timzifer/fleetcollector/storage"
)

//go:embed schema.sql
var schema string

var measurementColumns = []string{
	"organization_id", "device_id", "truck_id", "voltage1", "voltage2", "current", "power", "temperature", "soc",
	"energy", "charge", "runtime", "rssi", "power_status", "power_status_string", "source", "recorded_at",
}

// Config holds the connection parameters of the pool.
type Config struct {
	URL            string
	PoolSize       int
	ConnectTimeout time.Duration
	// Migrate creates the collector tables and indexes when missing.
	Migrate bool
}

// Store is a storage.Store backed by a pgx connection pool.
type Store struct {
	pool   *pgxpool.Pool
	rule   *storage.ParkedRule
	now    func() time.Time
	logger zerolog.Logger
}

// Open connects the pool and verifies reachability.
func Open(ctx context.Context, cfg Config, rule *storage.ParkedRule, logger zerolog.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse url: %w", err)
	}
	if cfg.PoolSize > 0 {
		poolCfg.MaxConns = int32(cfg.PoolSize)
	}
	poolCfg.MaxConnIdleTime = 30 * time.Second
	if cfg.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectTimeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if cfg.Migrate {
		if _, err := pool.Exec(ctx, schema); err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	if rule == nil {
		rule = storage.DefaultParkedRule()
	}
	logger = logger.With().Str("component", "storage").Str("driver", "postgres").Logger()
	logger.Info().Int32("pool_size", poolCfg.MaxConns).Msg("database pool initialized")
	return &Store{pool: pool, rule: rule, now: time.Now, logger: logger}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	s.logger.Info().Msg("database pool closed")
	return nil
}

func (s *Store) ListActiveDevicesWithCredentials(ctx context.Context) ([]storage.DeviceRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT d.id, d.organization_id, d.serial_number, COALESCE(d.device_name, ''), d.truck_id, COALESCE(d.status, ''),
		       COALESCE(c.applink_url, ''), c.connection_key, c.access_key,
		       s.cohort_id, s.last_successful_poll_at, COALESCE(s.connection_status, ''),
		       COALESCE(s.backfill_status, ''), s.gap_start_at
		FROM power_mon_devices d
		INNER JOIN device_credentials c ON c.device_id = d.id AND c.is_active = true
		LEFT JOIN device_sync_status s ON s.device_id = d.id
		WHERE d.is_active = true
		ORDER BY d.id`)
	if err != nil {
		return nil, fmt.Errorf("list active devices: %w", err)
	}
	defer rows.Close()

	var out []storage.DeviceRecord
	for rows.Next() {
		var (
			rec            storage.DeviceRecord
			truck          *int64
			cohort         *int32
			backfillStatus string
		)
		if err := rows.Scan(&rec.DeviceID, &rec.OrganizationID, &rec.SerialNumber, &rec.DeviceName, &truck, &rec.Status,
			&rec.AccessURL, &rec.ConnectionKey, &rec.AccessKey,
			&cohort, &rec.LastSuccessfulPollAt, &rec.ConnectionStatus, &backfillStatus, &rec.GapStartAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		rec.TruckID = truck
		if cohort != nil {
			v := int(*cohort)
			rec.CohortID = &v
		}
		rec.BackfillStatus = storage.BackfillStatus(backfillStatus)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) UpsertDeviceSyncStatus(ctx context.Context, deviceID, orgID int64, cohort int) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO device_sync_status (device_id, organization_id, cohort_id, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (device_id) DO UPDATE SET cohort_id = $3, updated_at = $4`,
		deviceID, orgID, cohort, s.now())
	if err != nil {
		return fmt.Errorf("upsert sync status %d: %w", deviceID, err)
	}
	return nil
}

func (s *Store) MarkDeviceConnected(ctx context.Context, deviceID int64) error {
	now := s.now()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE device_sync_status SET
				connection_status = 'connected',
				last_connected_at = $1,
				consecutive_poll_failures = 0,
				gap_end_at = CASE WHEN gap_start_at IS NOT NULL THEN $1 ELSE gap_end_at END,
				updated_at = $1
			WHERE device_id = $2`, now, deviceID); err != nil {
			return fmt.Errorf("mark connected %d: %w", deviceID, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE power_mon_devices SET status = 'online', last_seen_at = $1, updated_at = $1 WHERE id = $2`,
			now, deviceID); err != nil {
			return fmt.Errorf("mark device online %d: %w", deviceID, err)
		}
		return nil
	})
}

func (s *Store) MarkDeviceDisconnected(ctx context.Context, deviceID int64, gapStart time.Time) error {
	now := s.now()
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE device_sync_status SET
				connection_status = 'disconnected',
				last_disconnected_at = $1,
				gap_start_at = COALESCE(gap_start_at, $2),
				gap_end_at = CASE WHEN gap_start_at IS NULL THEN NULL ELSE gap_end_at END,
				backfill_status = CASE WHEN gap_start_at IS NULL THEN 'pending' ELSE backfill_status END,
				updated_at = $1
			WHERE device_id = $3`, now, gapStart, deviceID); err != nil {
			return fmt.Errorf("mark disconnected %d: %w", deviceID, err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE power_mon_devices SET status = 'offline', updated_at = $1 WHERE id = $2`, now, deviceID); err != nil {
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
	args := []interface{}{deviceID}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if info.SerialNumber != "" {
		add("serial_number", info.SerialNumber)
	}
	if info.FirmwareVersion != "" {
		add("firmware_version", info.FirmwareVersion)
	}
	if info.HardwareRevision != 0 {
		add("hardware_revision", fmt.Sprint(info.HardwareRevision))
	}
	if info.DeviceName != "" {
		add("device_name", info.DeviceName)
	}
	add("updated_at", s.now())
	if _, err := s.pool.Exec(ctx, "UPDATE power_mon_devices SET "+strings.Join(sets, ", ")+" WHERE id = $1", args...); err != nil {
		return fmt.Errorf("update device info %d: %w", deviceID, err)
	}
	return nil
}

// BulkInsertMeasurements copies rows into a transaction-scoped temp table and
// moves them into device_measurements, dropping natural-key conflicts.
func (s *Store) BulkInsertMeasurements(ctx context.Context, rows []storage.Measurement) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	var inserted int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			CREATE TEMP TABLE tmp_device_measurements
				(LIKE device_measurements INCLUDING DEFAULTS)
				ON COMMIT DROP`); err != nil {
			return fmt.Errorf("create temp table: %w", err)
		}
		copied, err := tx.CopyFrom(ctx, pgx.Identifier{"tmp_device_measurements"}, measurementColumns,
			pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
				m := rows[i]
				var status *string
				if m.PowerStatusString != "" {
					status = &m.PowerStatusString
				}
				return []interface{}{
					m.OrganizationID, m.DeviceID, m.TruckID,
					float32(m.Voltage1), float32(m.Voltage2), float32(m.Current), float32(m.Power),
					float32(m.Temperature), float32(m.SOC), float32(m.Energy), float32(m.Charge),
					int32(m.Runtime), m.RSSI, int32(m.PowerStatus), status, string(m.Source), m.RecordedAt,
				}, nil
			}))
		if err != nil {
			return fmt.Errorf("copy measurements: %w", err)
		}
		cols := strings.Join(measurementColumns, ", ")
		tag, err := tx.Exec(ctx, fmt.Sprintf(
			"INSERT INTO device_measurements (%s) SELECT %s FROM tmp_device_measurements ON CONFLICT DO NOTHING", cols, cols))
		if err != nil {
			return fmt.Errorf("insert measurements: %w", err)
		}
		inserted = tag.RowsAffected()
		s.logger.Debug().Int64("copied", copied).Int64("inserted", inserted).Msg("bulk inserted measurements")
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("bulk insert %d measurements: %w", len(rows), err)
	}
	return inserted, nil
}

func (s *Store) UpsertDeviceSnapshot(ctx context.Context, snap storage.Snapshot) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
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
		var status *string
		if snap.PowerStatusString != "" {
			status = &snap.PowerStatusString
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO device_snapshots
				(organization_id, device_id, truck_id, voltage1, voltage2, current, power, temperature, soc,
				 energy, charge, runtime, rssi, power_status, power_status_string,
				 is_parked, parked_since, today_parked_seconds, today_parked_minutes, parked_date, recorded_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
			ON CONFLICT (device_id) DO UPDATE SET
				organization_id = $1,
				truck_id = $3,
				voltage1 = $4,
				voltage2 = $5,
				current = $6,
				power = $7,
				temperature = $8,
				soc = $9,
				energy = $10,
				charge = $11,
				runtime = $12,
				rssi = $13,
				power_status = $14,
				power_status_string = $15,
				is_parked = $16,
				parked_since = $17,
				today_parked_seconds = $18,
				today_parked_minutes = $19,
				parked_date = $20,
				recorded_at = $21,
				updated_at = $22`,
			snap.OrganizationID, snap.DeviceID, snap.TruckID,
			snap.Voltage1, snap.Voltage2, snap.Current, snap.Power, snap.Temperature, snap.SOC,
			snap.Energy, snap.Charge, snap.Runtime, snap.RSSI, snap.PowerStatus, status,
			parked.IsParked, parked.ParkedSince, parked.TodayParkedSeconds, parked.TodayParkedMinutes, parked.ParkedDate,
			at, s.now())
		if err != nil {
			return fmt.Errorf("upsert snapshot %d: %w", snap.DeviceID, err)
		}
		return nil
	})
}

func loadParkedState(ctx context.Context, tx pgx.Tx, deviceID int64) (*storage.ParkedState, error) {
	var (
		state   storage.ParkedState
		seconds *int64
		minutes *int32
		parked  *bool
		date    *string
	)
	err := tx.QueryRow(ctx, `
		SELECT is_parked, parked_since, today_parked_seconds, today_parked_minutes, parked_date, recorded_at
		FROM device_snapshots WHERE device_id = $1 FOR UPDATE`, deviceID).
		Scan(&parked, &state.ParkedSince, &seconds, &minutes, &date, &state.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot %d: %w", deviceID, err)
	}
	if parked != nil {
		state.IsParked = *parked
	}
	if minutes != nil {
		state.TodayParkedMinutes = int(*minutes)
	}
	if seconds != nil && *seconds > 0 {
		state.TodayParkedSeconds = *seconds
	} else {
		// Rows written before second-level accounting only carry minutes.
		state.TodayParkedSeconds = int64(state.TodayParkedMinutes) * 60
	}
	if date != nil {
		state.ParkedDate = *date
	}
	return &state, nil
}

const gapSelect = `
	SELECT s.device_id, s.organization_id, d.serial_number, COALESCE(c.applink_url, ''),
	       s.gap_start_at, s.gap_end_at, COALESCE(s.last_log_file_id, 0), COALESCE(s.last_log_offset, 0)
	FROM device_sync_status s
	INNER JOIN power_mon_devices d ON d.id = s.device_id
	INNER JOIN device_credentials c ON c.device_id = d.id AND c.is_active = true`

func (s *Store) GetDevicesNeedingBackfill(ctx context.Context, limit int) ([]storage.GapRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, gapSelect+`
		WHERE s.backfill_status = 'pending'
		ORDER BY s.gap_start_at ASC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("devices needing backfill: %w", err)
	}
	defer rows.Close()
	var out []storage.GapRecord
	for rows.Next() {
		var rec storage.GapRecord
		if err := rows.Scan(&rec.DeviceID, &rec.OrganizationID, &rec.SerialNumber, &rec.AccessURL,
			&rec.GapStartAt, &rec.GapEndAt, &rec.LastLogFileID, &rec.LastLogOffset); err != nil {
			return nil, fmt.Errorf("scan gap: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetBackfillCandidate(ctx context.Context, deviceID int64) (storage.GapRecord, error) {
	var rec storage.GapRecord
	err := s.pool.QueryRow(ctx, gapSelect+` WHERE s.device_id = $1`, deviceID).Scan(
		&rec.DeviceID, &rec.OrganizationID, &rec.SerialNumber, &rec.AccessURL,
		&rec.GapStartAt, &rec.GapEndAt, &rec.LastLogFileID, &rec.LastLogOffset)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.GapRecord{}, fmt.Errorf("device %d: %w", deviceID, storage.ErrNotFound)
	}
	if err != nil {
		return storage.GapRecord{}, fmt.Errorf("backfill candidate %d: %w", deviceID, err)
	}
	return rec, nil
}

func (s *Store) MarkBackfillPending(ctx context.Context, deviceID int64) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE device_sync_status SET backfill_status = 'pending', updated_at = $2 WHERE device_id = $1`,
		deviceID, s.now()); err != nil {
		return fmt.Errorf("mark backfill pending %d: %w", deviceID, err)
	}
	return nil
}

func (s *Store) UpdateBackfillProgress(ctx context.Context, deviceID int64, p storage.BackfillProgress) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE device_sync_status SET
			last_log_file_id = $2,
			last_log_offset = $3,
			total_samples_synced = COALESCE(total_samples_synced, 0) + $4,
			last_log_sync_at = $6,
			backfill_status = $5::text,
			error_message = CASE WHEN $5::text = 'completed' THEN NULL ELSE error_message END,
			gap_start_at = CASE WHEN $5::text = 'completed' THEN NULL ELSE gap_start_at END,
			gap_end_at = CASE WHEN $5::text = 'completed' THEN NULL ELSE gap_end_at END,
			updated_at = $6
		WHERE device_id = $1`,
		deviceID, p.LastLogFileID, p.LastLogOffset, p.SamplesSynced, string(p.Status), s.now())
	if err != nil {
		return fmt.Errorf("update backfill progress %d: %w", deviceID, err)
	}
	return nil
}

func (s *Store) MarkBackfillFailed(ctx context.Context, deviceID int64, message string) error {
	if _, err := s.pool.Exec(ctx, `
		UPDATE device_sync_status SET backfill_status = 'failed', error_message = $2, updated_at = $3
		WHERE device_id = $1`, deviceID, message, s.now()); err != nil {
		return fmt.Errorf("mark backfill failed %d: %w", deviceID, err)
	}
	return nil
}

func (s *Store) GetSyncStatus(ctx context.Context, deviceID int64) (storage.SyncStatus, error) {
	var (
		st       storage.SyncStatus
		cohort   int32
		failures int32
		backfill string
		errMsg   *string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT device_id, organization_id, COALESCE(cohort_id, 0), COALESCE(connection_status, ''),
		       last_connected_at, last_disconnected_at, last_poll_at, last_successful_poll_at,
		       COALESCE(consecutive_poll_failures, 0), gap_start_at, gap_end_at,
		       COALESCE(last_log_file_id, 0), COALESCE(last_log_offset, 0), last_log_sync_at,
		       COALESCE(backfill_status, 'none'), COALESCE(total_samples_synced, 0), error_message
		FROM device_sync_status WHERE device_id = $1`, deviceID).Scan(
		&st.DeviceID, &st.OrganizationID, &cohort, &st.ConnectionStatus,
		&st.LastConnectedAt, &st.LastDisconnectedAt, &st.LastPollAt, &st.LastSuccessfulPollAt,
		&failures, &st.GapStartAt, &st.GapEndAt,
		&st.LastLogFileID, &st.LastLogOffset, &st.LastLogSyncAt,
		&backfill, &st.TotalSamplesSynced, &errMsg)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.SyncStatus{}, fmt.Errorf("sync status %d: %w", deviceID, storage.ErrNotFound)
	}
	if err != nil {
		return storage.SyncStatus{}, fmt.Errorf("sync status %d: %w", deviceID, err)
	}
	st.CohortID = int(cohort)
	st.ConsecutivePollFailures = int(failures)
	st.BackfillStatus = storage.BackfillStatus(backfill)
	if errMsg != nil {
		st.ErrorMessage = *errMsg
	}
	return st, nil
}

var _ storage.Store = (*Store)(nil)
