package ledger

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Located pairs a parsed ledger with the path it was found at. The path
// matters because artifact paths inside a ledger are relative to the
// ledger's own directory.
type Located struct {
	Ledger *Ledger
	Path   string
}

// Dir returns the directory containing the ledger file.
func (s Located) Dir() string {
	return filepath.Dir(s.Path)
}

// Crawl walks the output tree under root and returns every ledger whose id
// is in wanted, keyed by id. Ledgers are read under their lock; lock
// sentinel files are skipped. Streams that have not appeared yet are simply
// absent from the result, the caller polls again.
func Crawl(root string, wanted []string) (map[string]Located, error) {
	return CrawlWithTimeout(root, wanted, DefaultLockTimeout)
}

// CrawlWithTimeout is Crawl with an explicit per-ledger lock timeout.
func CrawlWithTimeout(root string, wanted []string, timeout time.Duration) (map[string]Located, error) {
	want := make(map[string]bool, len(wanted))
	for _, id := range wanted {
		want[id] = true
	}

	found := make(map[string]Located)
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// The renderer may not have created the tree yet; treat a
			// missing root like an empty one and let the caller poll.
			if path == root && os.IsNotExist(err) {
				return filepath.SkipAll
			}
			return err
		}
		if d.IsDir() || !isLedgerFile(d.Name()) {
			return nil
		}
		l, err := ReadWithTimeout(path, timeout)
		if err != nil {
			return err
		}
		if want[l.ID] {
			found[l.ID] = Located{Ledger: l, Path: path}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// FilterType returns the subset of located ledgers with the given stream
// type.
func FilterType(located map[string]Located, streamType string) map[string]Located {
	filtered := make(map[string]Located)
	for id, s := range located {
		if s.Ledger.Type == streamType {
			filtered[id] = s
		}
	}
	return filtered
}

// isLedgerFile reports whether name looks like a ledger file. Both the
// renderer's plain "metadata.yaml" and the postprocessors' noun-prefixed
// "<id>_metadata.yaml" match; ".lock" sentinels do not.
func isLedgerFile(name string) bool {
	return strings.HasSuffix(name, "metadata.yaml")
}
