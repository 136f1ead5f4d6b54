// Package store persists decoded measurements and sync checkpoints in a
// SQLite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/omviva/omviva-sync/internal/measurement"
)

// ErrIncompleteRecord is returned for records that cannot be keyed because
// they lack a sequence number or user id.
var ErrIncompleteRecord = errors.New("store: record has no sequence number or user id")

// Store is a measurement datastore. Open one per sync attempt and Close it
// when the attempt ends.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (or creates) the database at path and runs the schema
// migration. The parent directory is created if missing.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open measurement db: %w", err)
	}
	// Single connection so the pragma holds for every query.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate measurement db: %w", err)
	}
	return &Store{db: db, path: path, logger: logger, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS measurements (
			sequence_number            INTEGER NOT NULL,
			user_id                    INTEGER NOT NULL,
			timestamp                  INTEGER,
			weight                     REAL,
			weight_unit                TEXT NOT NULL DEFAULT 'kg',
			bmi                        REAL,
			height                     REAL,
			height_unit                TEXT NOT NULL DEFAULT 'm',
			body_fat_percentage        REAL,
			basal_metabolism           INTEGER,
			muscle_percentage          REAL,
			muscle_mass                REAL,
			fat_free_mass              REAL,
			soft_lean_mass             REAL,
			body_water_mass            REAL,
			impedance                  REAL,
			skeletal_muscle_percentage REAL,
			visceral_fat_level         REAL,
			body_age                   INTEGER,
			body_fat_stage             INTEGER,
			skeletal_muscle_stage      INTEGER,
			visceral_fat_stage         INTEGER,
			flags                      INTEGER NOT NULL
		);
		CREATE UNIQUE INDEX IF NOT EXISTS measurements_seq_user
			ON measurements (sequence_number, user_id);
		CREATE TABLE IF NOT EXISTS syncs (
			id        INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp INTEGER NOT NULL,
			user_id   INTEGER NOT NULL,
			run_id    TEXT NOT NULL DEFAULT ''
		);
	`)
	return err
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// LastSync returns the most recent sync checkpoint. ok is false when no sync
// has ever succeeded.
func (s *Store) LastSync(ctx context.Context) (at time.Time, user uint8, ok bool, err error) {
	var ts int64
	var uid int64
	err = s.db.QueryRowContext(ctx,
		"SELECT timestamp, user_id FROM syncs ORDER BY timestamp DESC, id DESC LIMIT 1",
	).Scan(&ts, &uid)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, 0, false, nil
	}
	if err != nil {
		return time.Time{}, 0, false, fmt.Errorf("read last sync: %w", err)
	}
	return time.Unix(ts, 0).UTC(), uint8(uid), true, nil
}

// HighestSequence returns the largest stored sequence number for user. ok is
// false when the user has no stored records.
func (s *Store) HighestSequence(ctx context.Context, user uint8) (seq uint16, ok bool, err error) {
	var highest sql.NullInt64
	err = s.db.QueryRowContext(ctx,
		"SELECT MAX(sequence_number) FROM measurements WHERE user_id = ?", user,
	).Scan(&highest)
	if err != nil {
		return 0, false, fmt.Errorf("read highest sequence: %w", err)
	}
	if !highest.Valid {
		return 0, false, nil
	}
	return uint16(highest.Int64), true, nil
}

// PersistMeasurement stores rec. A record whose (sequence number, user id)
// pair is already stored is skipped and inserted is false.
func (s *Store) PersistMeasurement(ctx context.Context, rec *measurement.Record) (inserted bool, err error) {
	if !rec.Has(measurement.FlagSequenceNumber) || !rec.Has(measurement.FlagUserID) {
		return false, ErrIncompleteRecord
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO measurements (
			sequence_number, user_id, timestamp,
			weight, weight_unit, bmi, height, height_unit,
			body_fat_percentage, basal_metabolism,
			muscle_percentage, muscle_mass, fat_free_mass, soft_lean_mass,
			body_water_mass, impedance, skeletal_muscle_percentage,
			visceral_fat_level, body_age,
			body_fat_stage, skeletal_muscle_stage, visceral_fat_stage,
			flags
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SequenceNumber, rec.UserID, optInt(rec, measurement.FlagTimestamp, rec.Timestamp),
		optFixed(rec, measurement.FlagWeight, rec.Weight), rec.WeightUnit,
		optFixed(rec, measurement.FlagBMIAndHeight, rec.BMI),
		optFixed(rec, measurement.FlagBMIAndHeight, rec.Height), rec.HeightUnit,
		optFixed(rec, measurement.FlagBodyFatPercentage, rec.BodyFatPercentage),
		optInt(rec, measurement.FlagBasalMetabolism, int64(rec.BasalMetabolism)),
		optFixed(rec, measurement.FlagMusclePercentage, rec.MusclePercentage),
		optFixed(rec, measurement.FlagMuscleMass, rec.MuscleMass),
		optFixed(rec, measurement.FlagFatFreeMass, rec.FatFreeMass),
		optFixed(rec, measurement.FlagSoftLeanMass, rec.SoftLeanMass),
		optFixed(rec, measurement.FlagBodyWaterMass, rec.BodyWaterMass),
		optFixed(rec, measurement.FlagImpedance, rec.Impedance),
		optFixed(rec, measurement.FlagSkeletalMusclePercentage, rec.SkeletalMusclePercentage),
		optFixed(rec, measurement.FlagVisceralFatLevel, rec.VisceralFatLevel),
		optInt(rec, measurement.FlagBodyAge, int64(rec.BodyAge)),
		optInt(rec, measurement.FlagBodyFatStageEvaluation, int64(rec.BodyFatStageEvaluation)),
		optInt(rec, measurement.FlagSkeletalMuscleStageEvaluation, int64(rec.SkeletalMuscleStageEvaluation)),
		optInt(rec, measurement.FlagVisceralFatStageEvaluation, int64(rec.VisceralFatStageEvaluation)),
		int64(rec.Flags),
	)
	if err != nil {
		return false, fmt.Errorf("insert measurement %d/%d: %w", rec.UserID, rec.SequenceNumber, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		s.logger.Info("[STORE] measurement already stored", "user", rec.UserID, "seq", rec.SequenceNumber)
		return false, nil
	}
	return true, nil
}

// StoreSuccess appends a sync checkpoint for user stamped with the current
// time.
func (s *Store) StoreSuccess(ctx context.Context, user uint8, runID string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO syncs (timestamp, user_id, run_id) VALUES (?, ?, ?)",
		s.now().Unix(), user, runID,
	)
	if err != nil {
		return fmt.Errorf("store sync checkpoint: %w", err)
	}
	return nil
}

// Measurement is a stored row, as returned by ListMeasurements. Fields the
// scale did not report are invalid.
type Measurement struct {
	SequenceNumber           uint16
	UserID                   uint8
	Timestamp                sql.NullInt64
	Weight                   sql.NullFloat64
	WeightUnit               string
	BMI                      sql.NullFloat64
	BodyFatPercentage        sql.NullFloat64
	SkeletalMusclePercentage sql.NullFloat64
	VisceralFatLevel         sql.NullFloat64
	BodyAge                  sql.NullInt64
}

// ListMeasurements returns every stored measurement for user in sequence
// order.
func (s *Store) ListMeasurements(ctx context.Context, user uint8) ([]Measurement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence_number, user_id, timestamp, weight, weight_unit, bmi,
			body_fat_percentage, skeletal_muscle_percentage, visceral_fat_level, body_age
		FROM measurements WHERE user_id = ? ORDER BY sequence_number`, user)
	if err != nil {
		return nil, fmt.Errorf("list measurements: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var m Measurement
		if err := rows.Scan(&m.SequenceNumber, &m.UserID, &m.Timestamp, &m.Weight, &m.WeightUnit, &m.BMI,
			&m.BodyFatPercentage, &m.SkeletalMusclePercentage, &m.VisceralFatLevel, &m.BodyAge); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func optFixed(rec *measurement.Record, f measurement.Flags, v measurement.Fixed) any {
	if !rec.Has(f) {
		return nil
	}
	return v.Float64()
}

func optInt(rec *measurement.Record, f measurement.Flags, v int64) any {
	if !rec.Has(f) {
		return nil
	}
	return v
}
