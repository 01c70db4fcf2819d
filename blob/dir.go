package blob

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DirStore implements Store over a local directory. Keys map to file paths
// with "/" as the separator on every platform. Multipart uploads are
// emulated as plain writes and etags are absent.
// Example:
//
//	store, err := blob.NewDirStore("/var/backups/datomvault")
type DirStore struct {
	root string
}

var (
	_ Store       = (*DirStore)(nil)
	_ Multiparter = (*DirStore)(nil)
)

// NewDirStore creates a DirStore rooted at dir, creating it if needed.
func NewDirStore(dir string) (*DirStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("invalid store directory: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}
	return &DirStore{root: abs}, nil
}

// Root returns the absolute directory backing the store.
func (d *DirStore) Root() string { return d.root }

func (d *DirStore) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

func (d *DirStore) Put(ctx context.Context, key string, data []byte, contentType string, meta map[string]string) (string, error) {
	path := d.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	// Write through a temp file so readers never observe a torn object.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("failed to write %s: %w", key, err)
	}
	return "", nil
}

func (d *DirStore) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(d.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

func (d *DirStore) Head(ctx context.Context, key string) (bool, error) {
	_, err := os.Stat(d.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat %s: %w", key, err)
	}
	return true, nil
}

func (d *DirStore) List(ctx context.Context, prefix string) ([]Object, error) {
	var objects []Object
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		objects = append(objects, Object{
			Key:          key,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

func (d *DirStore) Delete(ctx context.Context, key string) error {
	err := os.Remove(d.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

// CreateMultipart emulates multipart creation; the upload id is the key
// itself and parts accumulate in a staging file.
func (d *DirStore) CreateMultipart(ctx context.Context, key string) (string, error) {
	path := d.path(key) + ".upload"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", key, err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return "", fmt.Errorf("failed to start upload for %s: %w", key, err)
	}
	return key, nil
}

func (d *DirStore) UploadPart(ctx context.Context, key, uploadID string, partNumber int32, data []byte) (string, error) {
	f, err := os.OpenFile(d.path(key)+".upload", os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open upload for %s: %w", key, err)
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("failed to write part %d of %s: %w", partNumber, key, err)
	}
	return "", nil
}

func (d *DirStore) CompleteMultipart(ctx context.Context, key, uploadID string, etags []string) error {
	if err := os.Rename(d.path(key)+".upload", d.path(key)); err != nil {
		return fmt.Errorf("failed to complete upload for %s: %w", key, err)
	}
	return nil
}

func (d *DirStore) AbortMultipart(ctx context.Context, key, uploadID string) error {
	err := os.Remove(d.path(key) + ".upload")
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to abort upload for %s: %w", key, err)
	}
	return nil
}

func (d *DirStore) ListMultipart(ctx context.Context) ([]Upload, error) {
	var uploads []Upload
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() || !strings.HasSuffix(path, ".upload") {
			return err
		}
		rel, relErr := filepath.Rel(d.root, path)
		if relErr != nil {
			return relErr
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			return infoErr
		}
		key := strings.TrimSuffix(filepath.ToSlash(rel), ".upload")
		uploads = append(uploads, Upload{Key: key, ID: key, Initiated: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list uploads: %w", err)
	}
	return uploads, nil
}

func (d *DirStore) CleanupMultipartOlderThan(ctx context.Context, age time.Duration) (int, error) {
	uploads, err := d.ListMultipart(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-age)
	cleaned := 0
	for _, u := range uploads {
		if u.Initiated.After(cutoff) {
			continue
		}
		if err := d.AbortMultipart(ctx, u.Key, u.ID); err != nil {
			return cleaned, err
		}
		cleaned++
	}
	return cleaned, nil
}
