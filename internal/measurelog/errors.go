package measurelog

import "codeberg.org/mutker/aiovctl/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("measurelog_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("measurelog_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("measurelog_schema_validation_failed")
	ErrTransactionFailed      = errors.ErrorCode("measurelog_transaction_failed")

	// Storage Errors
	ErrStorageInit  = errors.ErrInitFailed
	ErrStorageClose = errors.ErrShutdownFailed

	// Record Errors
	ErrRecordFailed  = errors.ErrorCode("measurelog_record_failed")
	ErrInvalidRecord = errors.ErrorCode("measurelog_invalid_record")

	// Operation Errors
	ErrOperationTimeout = errors.ErrTimeout
)
