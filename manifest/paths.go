package manifest

import (
	"context"
	"fmt"
	"strings"

	"github.com/gurre/datomvault/blob"
)

// File names inside a backup prefix. The layout is identical for the object
// store and the local directory; only the transport differs.
const (
	ManifestFile   = "manifest.json"
	CheckpointFile = "checkpoint.json"
	MarkerFile     = "complete.marker"
)

// MarkerBody is the literal content of the completion marker.
var MarkerBody = []byte("complete")

func join(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// BackupPrefix returns <prefix>/<database-id>/<backup-id>.
func BackupPrefix(prefix, databaseID, backupID string) string {
	return join(prefix, databaseID, backupID)
}

// Key returns the manifest key for a backup.
func Key(prefix, databaseID, backupID string) string {
	return join(prefix, databaseID, backupID, ManifestFile)
}

// CheckpointKey returns the checkpoint key for a backup.
func CheckpointKey(prefix, databaseID, backupID string) string {
	return join(prefix, databaseID, backupID, CheckpointFile)
}

// MarkerKey returns the completion marker key for a backup.
func MarkerKey(prefix, databaseID, backupID string) string {
	return join(prefix, databaseID, backupID, MarkerFile)
}

// ChunkKey returns the storage key of chunk i, e.g.
// <prefix>/<db>/<backup>/chunks/datoms-3.json.gz.
func ChunkKey(prefix, databaseID, backupID string, i int, ext string) string {
	return join(prefix, databaseID, backupID, "chunks", fmt.Sprintf("datoms-%d%s", i, ext))
}

// WriteMarker writes the completion marker, the backup's commit point.
func WriteMarker(ctx context.Context, store blob.Store, prefix, databaseID, backupID string) error {
	key := MarkerKey(prefix, databaseID, backupID)
	if _, err := store.Put(ctx, key, MarkerBody, "text/plain", nil); err != nil {
		return fmt.Errorf("failed to write completion marker: %w", err)
	}
	return nil
}

// HasMarker reports whether the completion marker exists. A backup without
// one is incomplete and eligible for cleanup.
func HasMarker(ctx context.Context, store blob.Store, prefix, databaseID, backupID string) (bool, error) {
	return store.Head(ctx, MarkerKey(prefix, databaseID, backupID))
}
