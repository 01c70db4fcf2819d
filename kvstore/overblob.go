package kvstore

import (
	"context"
	"errors"

	"github.com/gurre/datomvault/blob"
)

// OverBlob adapts any blob.Store into a kvstore.Store, covering the object
// store and local directory backends with one implementation.
// Example:
//
//	dir, _ := blob.NewDirStore("/var/lib/datomstore")
//	store := kvstore.NewOverBlob(dir, kvstore.BackendDirectory)
type OverBlob struct {
	inner   blob.Store
	backend Backend
}

var _ Store = (*OverBlob)(nil)

// NewOverBlob wraps inner, reporting the given backend for sweep tuning.
func NewOverBlob(inner blob.Store, backend Backend) *OverBlob {
	return &OverBlob{inner: inner, backend: backend}
}

func (o *OverBlob) Backend() Backend { return o.backend }

func (o *OverBlob) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := o.inner.Get(ctx, key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (o *OverBlob) Put(ctx context.Context, key string, value []byte) error {
	_, err := o.inner.Put(ctx, key, value, "application/octet-stream", nil)
	return err
}

func (o *OverBlob) Keys(ctx context.Context) ([]KeyInfo, error) {
	objects, err := o.inner.List(ctx, "")
	if err != nil {
		return nil, err
	}
	infos := make([]KeyInfo, 0, len(objects))
	for _, obj := range objects {
		infos = append(infos, KeyInfo{
			Key:          obj.Key,
			Size:         obj.Size,
			LastModified: obj.LastModified,
		})
	}
	return infos, nil
}

func (o *OverBlob) Delete(ctx context.Context, keys []string) error {
	for _, key := range keys {
		if err := o.inner.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}
