package instance

import (
	"os"
	"path/filepath"
)

// Dir returns the per-instance directory under the data dir. It holds the
// transport credential bundle (session.db).
func Dir(dataDir, instanceID string) string {
	return filepath.Join(dataDir, "instances", instanceID)
}

// CredentialDBPath returns the whatsmeow session.db path for an instance.
// Its presence is what marks an instance as restorable at startup.
func CredentialDBPath(dataDir, instanceID string) string {
	return filepath.Join(Dir(dataDir, instanceID), "session.db")
}

// AppDBPath returns the app-owned database path shared by all instances.
func AppDBPath(dataDir string) string {
	return filepath.Join(dataDir, "warelay.db")
}

// MediaDir returns the local media fallback directory.
func MediaDir(dataDir string) string {
	return filepath.Join(dataDir, "media")
}

// LogPath returns the daemon log file path.
func LogPath(dataDir string) string {
	return filepath.Join(dataDir, "logs", "warelayd.log")
}

// EnsureDirs creates the data directory tree with proper permissions.
func EnsureDirs(dataDir string) error {
	dirs := []string{
		filepath.Join(dataDir, "instances"),
		MediaDir(dataDir),
		filepath.Join(dataDir, "logs"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}

// EnsureDir creates the directory for one instance.
func EnsureDir(dataDir, instanceID string) error {
	return os.MkdirAll(Dir(dataDir, instanceID), 0700)
}

// List enumerates instance IDs that have a credential bundle on disk.
// Directories without a session.db are skipped: they belong to instances
// that never completed pairing.
func List(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(dataDir, "instances"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(CredentialDBPath(dataDir, e.Name())); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}
