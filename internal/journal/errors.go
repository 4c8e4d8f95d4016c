package journal

import "codeberg.org/mutker/gpufand/internal/errors"

const (
	ErrInvalidPath = errors.ErrorCode("journal_invalid_path")

	ErrSchemaInitFailed       = errors.ErrorCode("journal_schema_init_failed")
	ErrSchemaValidationFailed = errors.ErrorCode("journal_schema_validation_failed")
	ErrSchemaMigrationFailed  = errors.ErrorCode("journal_schema_migration_failed")

	ErrStorageInit   = errors.ErrInitFailed
	ErrStorageClose  = errors.ErrShutdownFailed
	ErrStorageAccess = errors.ErrorCode("journal_storage_access_failed")
)
