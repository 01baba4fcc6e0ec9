package samples

import (
	"path/filepath"

	"codeberg.org/mutker/sensord/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm = 0o755
	defaultDBPath  = "/var/lib/sensord/samples.db"
	backupDirName  = "backups"
	busyTimeoutMs  = 5000
)

type Config struct {
	DBPath          string
	BackupDir       string
	BackupOnMigrate bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:          defaultDBPath,
		BackupOnMigrate: true,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	return nil
}

// backupDir returns where schema migration backups go, next to the database by default
func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.DBPath), backupDirName)
}
