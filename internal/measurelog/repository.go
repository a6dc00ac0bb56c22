package measurelog

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"codeberg.org/mutker/aiovctl/internal/errors"
	"codeberg.org/mutker/aiovctl/internal/logger"
	"codeberg.org/mutker/aiovctl/internal/measure"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	// Ensure the directory exists
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	version, err := GetSchemaVersion(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	switch version {
	case 0:
		if err := InitSchema(db, log); err != nil {
			db.Close()
			return nil, err
		}
	case SchemaVersion:
		// Current
	default:
		db.Close()
		return nil, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Found    int
			Expected int
		}{
			Found:    version,
			Expected: SchemaVersion,
		})
	}

	log.Debug().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Msg("Measurement log initialized")

	return &repository{
		db:     db,
		logger: log,
		cfg:    cfg,
	}, nil
}

// Record appends one finished measurement. Brackets finish at human
// cadence, so rows are inserted synchronously rather than batched.
func (r *repository) Record(result *measure.Result) error {
	errFactory := errors.New()

	_, err := r.db.Exec(insertMeasurementSQL,
		time.Now().Unix(),
		result.Feature,
		int64(result.Pin),
		int64(boolToInt(result.OriginalOn)),
		result.Baseline.CurrentMean,
		result.Baseline.CurrentStdDev,
		result.Baseline.PowerMean,
		result.Baseline.PowerStdDev,
		int64(result.Baseline.Count),
		result.Opposite.CurrentMean,
		result.Opposite.CurrentStdDev,
		result.Opposite.PowerMean,
		result.Opposite.PowerStdDev,
		int64(result.Opposite.Count),
		result.DeltaCurrent,
		result.DeltaPower,
	)
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to insert measurement")
		return errFactory.Wrap(ErrRecordFailed, err)
	}

	r.logger.Debug().Str("feature", result.Feature).Msg("Recorded measurement")

	return nil
}

func (r *repository) Close() error {
	// Checkpoint WAL and cleanup on close
	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "checkpoint_wal",
			Error: err.Error(),
		})
	}

	if err := r.db.Close(); err != nil {
		return errors.New().WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	return nil
}
