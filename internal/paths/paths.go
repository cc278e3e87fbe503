package paths

import (
	"os"
	"path/filepath"
)

// Layout describes the on-disk layout of a zzapp data directory.
type Layout struct {
	Root string
}

// Default returns the layout rooted at ~/.zzapp.
func Default() Layout {
	home, _ := os.UserHomeDir()
	return Layout{Root: filepath.Join(home, ".zzapp")}
}

// ConfigPath returns the config.toml path.
func (l Layout) ConfigPath() string {
	return filepath.Join(l.Root, "config.toml")
}

// AppDBPath returns the app-owned zzapp.db path.
func (l Layout) AppDBPath() string {
	return filepath.Join(l.Root, "zzapp.db")
}

// CredentialDBPath returns the whatsmeow credential store path.
func (l Layout) CredentialDBPath() string {
	return filepath.Join(l.Root, "session.db")
}

// LockPath returns the daemon lock file path.
func (l Layout) LockPath() string {
	return filepath.Join(l.Root, "LOCK")
}

// UploadsDir holds files staged by clients for outbound sends.
func (l Layout) UploadsDir() string {
	return filepath.Join(l.Root, "uploads")
}

// DownloadsDir holds materialized inbound attachments.
func (l Layout) DownloadsDir() string {
	return filepath.Join(l.Root, "downloads")
}

// AvatarsDir holds the contact avatar cache.
func (l Layout) AvatarsDir() string {
	return filepath.Join(l.Root, "avatars")
}

// LogDir returns the log directory.
func (l Layout) LogDir() string {
	return filepath.Join(l.Root, "logs")
}

// LogPath returns the daemon log file path.
func (l Layout) LogPath() string {
	return filepath.Join(l.LogDir(), "zzappd.log")
}

// EnsureDirs creates the directory tree with owner-only permissions.
func (l Layout) EnsureDirs() error {
	dirs := []string{
		l.Root,
		l.UploadsDir(),
		l.DownloadsDir(),
		l.AvatarsDir(),
		l.LogDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
