package patch

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// SweepBackups restores any *.bak files left under root by a process that
// was killed mid-protocol. The backup is always the pre-call content, so
// restoring it re-establishes the rollback side of the atomicity
// guarantee after a crash. Returns the restored target paths.
func SweepBackups(root string, logger *zap.Logger) ([]string, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var restored []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, backupSuffix) {
			return nil
		}

		target := strings.TrimSuffix(path, backupSuffix)
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := os.WriteFile(target, content, 0o644); err != nil {
			return err
		}
		if err := os.Remove(path); err != nil {
			return err
		}
		logger.Warn("restored stale backup from interrupted update",
			zap.String("file", target))
		restored = append(restored, target)
		return nil
	})
	if err != nil {
		return restored, err
	}
	return restored, nil
}
