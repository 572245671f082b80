package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// syncDir fsyncs the parent directory of path, the step that makes a
// preceding rename durable across a crash (POSIX does not guarantee a
// rename is itself persisted without this). Used after every atomic
// manifest/page-file/hotness/reader-file swap.
func syncDir(path string) error {
	dir := filepath.Dir(path)
	df, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir %s for sync: %w", dir, err)
	}
	defer df.Close()
	return df.Sync()
}
