package measurelog

import (
	"database/sql"

	"codeberg.org/mutker/aiovctl/internal/errors"
	"codeberg.org/mutker/aiovctl/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS measurements (
	       id                      INTEGER PRIMARY KEY AUTOINCREMENT,
	       timestamp               INTEGER NOT NULL,
	       feature                 TEXT NOT NULL,
	       pin                     INTEGER NOT NULL,
	       original_on             INTEGER NOT NULL CHECK (original_on IN (0, 1)),
	       baseline_current_mean   REAL NOT NULL,
	       baseline_current_stddev REAL NOT NULL,
	       baseline_power_mean     REAL NOT NULL,
	       baseline_power_stddev   REAL NOT NULL,
	       baseline_samples        INTEGER NOT NULL,
	       opposite_current_mean   REAL NOT NULL,
	       opposite_current_stddev REAL NOT NULL,
	       opposite_power_mean     REAL NOT NULL,
	       opposite_power_stddev   REAL NOT NULL,
	       opposite_samples        INTEGER NOT NULL,
	       delta_current           REAL NOT NULL,
	       delta_power             REAL NOT NULL
	   );`

	insertMeasurementSQL = `
    INSERT INTO measurements (
        timestamp, feature, pin, original_on,
        baseline_current_mean, baseline_current_stddev,
        baseline_power_mean, baseline_power_stddev, baseline_samples,
        opposite_current_mean, opposite_current_stddev,
        opposite_power_mean, opposite_power_stddev, opposite_samples,
        delta_current, delta_power
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
)

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil {
				if !errors.Is(err, sql.ErrTxDone) {
					log.Debug().Err(err).Msg("Failed to rollback transaction")
				}
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			SQL   string
		}{
			Error: err.Error(),
			SQL:   createTablesSQL,
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Error string
			Phase string
		}{
			Error: err.Error(),
			Phase: "record_version",
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Debug().
		Int("version", SchemaVersion).
		Msg("Schema initialized")

	return nil
}

// GetSchemaVersion returns the current schema version
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := tableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

func tableExists(db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()
	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}
