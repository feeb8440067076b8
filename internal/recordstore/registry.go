package recordstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"github.com/mcclowes/reqon/pkg/mission"
)

// Registry resolves a mission's store definitions to adapters. Adapters
// are built eagerly so configuration mistakes surface before the first
// stage runs, and SQLite handles are shared across stores on the same
// database path.
type Registry struct {
	logger *zap.Logger
	stores map[string]Store
	dbs    []*sql.DB
}

// NewRegistry builds one adapter per store definition. S3 buckets are
// created when missing; SQLite databases are opened here, so the caller
// must import a driver registered under "sqlite".
func NewRegistry(ctx context.Context, defs map[string]mission.StoreDef, logger *zap.Logger) (*Registry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{logger: logger, stores: make(map[string]Store, len(defs))}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	dbByPath := make(map[string]*sql.DB)
	for _, name := range names {
		store, err := r.build(ctx, name, defs[name], dbByPath)
		if err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("store %q: %w", name, err)
		}
		r.stores[name] = store
	}
	return r, nil
}

func (r *Registry) build(ctx context.Context, name string, def mission.StoreDef, dbByPath map[string]*sql.DB) (Store, error) {
	switch def.Kind {
	case "", mission.StoreMemory:
		return NewMemoryStore(), nil

	case mission.StoreFile:
		if def.Path == "" {
			return nil, errors.New("file store needs a path")
		}
		return NewFileStore(def.Path, name)

	case mission.StoreSQLite:
		if def.Path == "" {
			return nil, errors.New("sqlite store needs a path")
		}
		db, ok := dbByPath[def.Path]
		if !ok {
			var err error
			db, err = sql.Open("sqlite", def.Path)
			if err != nil {
				return nil, fmt.Errorf("open database %s: %w", def.Path, err)
			}
			dbByPath[def.Path] = db
			r.dbs = append(r.dbs, db)
		}
		return NewSQLiteStore(db, name)

	case mission.StoreS3:
		if def.Endpoint == "" || def.Bucket == "" {
			return nil, errors.New("s3 store needs an endpoint and a bucket")
		}
		client, err := minio.New(def.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(resolveSecret(def.AccessKey), resolveSecret(def.SecretKey), ""),
			Secure: def.UseSSL,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		if err := ensureBucket(ctx, client, def.Bucket); err != nil {
			return nil, fmt.Errorf("ensure bucket %s: %w", def.Bucket, err)
		}
		return NewObjectStore(client, def.Bucket, path.Join(def.Prefix, name)), nil
	}
	return nil, fmt.Errorf("unknown store kind %q", def.Kind)
}

// Store returns the adapter for a mission store name.
func (r *Registry) Store(name string) (Store, error) {
	store, ok := r.stores[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrStoreNotFound, name)
	}
	return store, nil
}

// Names lists the registered store names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.stores))
	for name := range r.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Counts reports each store's record count. Stores that fail to count
// are logged and left out rather than failing the result.
func (r *Registry) Counts(ctx context.Context) map[string]int {
	counts := make(map[string]int, len(r.stores))
	for name, store := range r.stores {
		n, err := store.Len(ctx)
		if err != nil {
			r.logger.Warn("store count failed",
				zap.String("store", name), zap.Error(err))
			continue
		}
		counts[name] = n
	}
	return counts
}

// Close releases database handles owned by the registry.
func (r *Registry) Close() error {
	var errs []error
	for _, db := range r.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{})
}

// resolveSecret expands "env:NAME" references the way source auth does.
func resolveSecret(v string) string {
	if name, ok := strings.CutPrefix(v, "env:"); ok {
		return os.Getenv(name)
	}
	return v
}
