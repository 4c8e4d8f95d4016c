package journal

import (
	"path/filepath"

	"codeberg.org/mutker/gpufand/internal/errors"
)

const (
	defaultDirPerm = 0o755
	DefaultPath    = "/var/lib/gpufand/journal.db"
)

type Config struct {
	Path    string
	Enabled bool
	// BackupDir receives a copy of the database before an incompatible
	// schema is replaced. Defaults to "backups" next to Path.
	BackupDir string
}

func DefaultConfig() Config {
	return Config{
		Path:    DefaultPath,
		Enabled: true,
	}
}

func (c Config) Validate() error {
	if c.Enabled && c.Path == "" {
		return errors.New().New(ErrInvalidPath)
	}
	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.Path), "backups")
}
