package samples

import "codeberg.org/mutker/sensord/internal/errors"

const (
	// Configuration Errors
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrInvalidDBPath = errors.ErrorCode("samples_invalid_db_path")

	// Schema Errors
	ErrSchemaInitFailed       = errors.ErrorCode("samples_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("samples_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("samples_schema_migration_failed")

	// Storage Errors
	ErrStorageIO    = errors.ErrStorageIO
	ErrStorageInit  = errors.ErrInitFailed
	ErrStorageClose = errors.ErrShutdownFailed
)
