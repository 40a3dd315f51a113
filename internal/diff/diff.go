// Package diff compares fingerprint snapshots between two peers.
package diff

import (
	"fmt"

	syncerrors "github.com/alexjbarnes/dirsync/internal/errors"
	"github.com/alexjbarnes/dirsync/internal/models"
)

// Diff returns, for every root index, the paths in src that are missing
// from dst or whose hash differs. Paths that only exist in dst are never
// reported. Result order follows the iteration order of each src snapshot.
//
// Both lists must have the same length: the two peers have to be configured
// with the same roots in the same order.
func Diff(src, dst models.Snapshots) (models.DiffResult, error) {
	if len(src) != len(dst) {
		return nil, fmt.Errorf("%w: local_dirs=%d remote_dirs=%d",
			syncerrors.ErrRootCountMismatch, len(src), len(dst))
	}

	result := make(models.DiffResult, len(src))

	for i := range src {
		changed := []string{}

		src[i].Each(func(rec models.FileRecord) bool {
			theirs, ok := dst[i].Get(rec.Path)
			if !ok || theirs.Hash != rec.Hash {
				changed = append(changed, rec.Path)
			}

			return true
		})

		result[i] = changed
	}

	return result, nil
}
