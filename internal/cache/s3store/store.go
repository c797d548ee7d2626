// Package s3store keeps the work-item cache in an S3 bucket, for teams that
// share one replica between machines or run the engine in containers with
// no durable disk.
//
// Layout under the configured prefix:
//
//	items/<type>/<id>.json
//	sync.json
//
// A single PutObject is atomic, so every Save replaces the whole document.
package s3store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/steveyegge/wisync/internal/cache"
	"github.com/steveyegge/wisync/internal/syncerr"
	"github.com/steveyegge/wisync/internal/types"
)

// API is the subset of the S3 client the store uses.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// Config configures the S3 store.
type Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string // For S3-compatible services (MinIO, etc.)
	UsePathStyle bool
}

// Store implements cache.Store on S3.
type Store struct {
	api    API
	bucket string
	prefix string
	now    func() time.Time
}

var _ cache.Store = (*Store)(nil)

// New creates a store using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, syncerr.Config("cache.s3.bucket is required")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, syncerr.New(syncerr.CodeInvalidConfig, "s3.open",
			fmt.Errorf("failed to load AWS config: %w", err))
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = cfg.UsePathStyle
		})
	}
	return NewWithClient(s3.NewFromConfig(awsCfg, opts...), cfg), nil
}

// NewWithClient creates a store on an existing client.
func NewWithClient(api API, cfg Config) *Store {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return &Store{api: api, bucket: cfg.Bucket, prefix: prefix, now: time.Now}
}

func (s *Store) itemKey(typ, id string) string {
	return s.prefix + path.Join("items", typ, cache.EscapeID(id)+".json")
}

func (s *Store) typePrefix(typ string) string {
	return s.prefix + "items/" + typ + "/"
}

func (s *Store) metadataKey() string { return s.prefix + "sync.json" }

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()
	return io.ReadAll(out.Body)
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

func isNoSuchKey(err error) bool {
	var nsk *s3types.NoSuchKey
	return errors.As(err, &nsk)
}

// Load fetches one document.
func (s *Store) Load(ctx context.Context, typ, id string) (*types.WorkItemRecord, error) {
	data, err := s.get(ctx, s.itemKey(typ, id))
	if err != nil {
		if isNoSuchKey(err) {
			return nil, nil
		}
		return nil, syncerr.Item(syncerr.CodeCacheIO, "s3.load", typ, id,
			fmt.Errorf("S3 get object failed: %w", err))
	}
	var rec types.WorkItemRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, syncerr.Item(syncerr.CodeIntegrity, "s3.load", typ, id,
			fmt.Errorf("failed to parse document: %w", err))
	}
	if err := cache.Verify(&rec, typ, id); err != nil {
		return nil, err
	}
	return &rec, nil
}

// list returns keys under prefix, sorted, with their sizes.
func (s *Store) list(ctx context.Context, prefix string) ([]string, map[string]int64, error) {
	var keys []string
	sizes := make(map[string]int64)
	p := s3.NewListObjectsV2Paginator(s.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("S3 list objects failed: %w", err)
		}
		for _, obj := range page.Contents {
			k := aws.ToString(obj.Key)
			keys = append(keys, k)
			sizes[k] = aws.ToInt64(obj.Size)
		}
	}
	sort.Strings(keys)
	return keys, sizes, nil
}

// LoadAll lists the type prefix each time it is ranged over, then fetches
// documents one by one.
func (s *Store) LoadAll(ctx context.Context, typ string) iter.Seq2[*types.WorkItemRecord, error] {
	return func(yield func(*types.WorkItemRecord, error) bool) {
		prefix := s.typePrefix(typ)
		keys, _, err := s.list(ctx, prefix)
		if err != nil {
			yield(nil, syncerr.New(syncerr.CodeCacheIO, "s3.list", err))
			return
		}
		for _, k := range keys {
			name := strings.TrimPrefix(k, prefix)
			if strings.Contains(name, "/") || !strings.HasSuffix(name, ".json") {
				continue
			}
			id, err := cache.UnescapeID(strings.TrimSuffix(name, ".json"))
			if err != nil {
				if !yield(nil, syncerr.New(syncerr.CodeIntegrity, "s3.list",
					fmt.Errorf("undecodable item name %s/%s: %w", typ, name, err))) {
					return
				}
				continue
			}
			rec, err := s.Load(ctx, typ, id)
			if rec == nil && err == nil {
				continue
			}
			if !yield(rec, err) {
				return
			}
		}
	}
}

// Save uploads rec as one object.
func (s *Store) Save(ctx context.Context, rec *types.WorkItemRecord) error {
	if err := cache.Stamp(rec, s.now()); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return syncerr.Item(syncerr.CodeCacheIO, "s3.save", rec.Type, rec.ID,
			fmt.Errorf("failed to marshal record: %w", err))
	}
	if err := s.put(ctx, s.itemKey(rec.Type, rec.ID), data); err != nil {
		return syncerr.Item(syncerr.CodeCacheIO, "s3.save", rec.Type, rec.ID,
			fmt.Errorf("S3 put object failed: %w", err))
	}
	return nil
}

// Remove deletes an object. S3 deletes are idempotent.
func (s *Store) Remove(ctx context.Context, typ, id string) error {
	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.itemKey(typ, id)),
	})
	if err != nil && !isNoSuchKey(err) {
		return syncerr.Item(syncerr.CodeCacheIO, "s3.remove", typ, id,
			fmt.Errorf("S3 delete object failed: %w", err))
	}
	return nil
}

// ReadMetadata fetches sync.json.
func (s *Store) ReadMetadata(ctx context.Context) (*types.SyncMetadata, error) {
	data, err := s.get(ctx, s.metadataKey())
	if err != nil {
		if isNoSuchKey(err) {
			return &types.SyncMetadata{}, nil
		}
		return nil, syncerr.New(syncerr.CodeCacheIO, "s3.metadata", err)
	}
	var meta types.SyncMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, syncerr.New(syncerr.CodeIntegrity, "s3.metadata",
			fmt.Errorf("failed to parse metadata: %w", err))
	}
	return &meta, nil
}

// WriteMetadata uploads sync.json.
func (s *Store) WriteMetadata(ctx context.Context, meta *types.SyncMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return syncerr.New(syncerr.CodeCacheIO, "s3.metadata", err)
	}
	if err := s.put(ctx, s.metadataKey(), data); err != nil {
		return syncerr.New(syncerr.CodeCacheIO, "s3.metadata",
			fmt.Errorf("S3 put object failed: %w", err))
	}
	return nil
}

// Types derives type names from item keys.
func (s *Store) Types(ctx context.Context) ([]string, error) {
	keys, _, err := s.list(ctx, s.prefix+"items/")
	if err != nil {
		return nil, syncerr.New(syncerr.CodeCacheIO, "s3.types", err)
	}
	seen := make(map[string]bool)
	var out []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, s.prefix+"items/")
		typ, _, ok := strings.Cut(rest, "/")
		if !ok || seen[typ] || types.ValidateType(typ) != nil {
			continue
		}
		seen[typ] = true
		out = append(out, typ)
	}
	sort.Strings(out)
	return out, nil
}

// Stats counts records and sums object sizes under the prefix.
func (s *Store) Stats(ctx context.Context) (cache.Stats, error) {
	st := cache.Stats{Items: make(map[string]int)}
	typs, err := s.Types(ctx)
	if err != nil {
		return st, err
	}
	for _, typ := range typs {
		for rec, err := range s.LoadAll(ctx, typ) {
			if err != nil {
				continue
			}
			st.Accumulate(rec)
		}
	}
	_, sizes, err := s.list(ctx, s.prefix)
	if err != nil {
		return st, syncerr.New(syncerr.CodeCacheIO, "s3.stats", err)
	}
	for _, n := range sizes {
		st.SizeBytes += n
	}
	return st, nil
}

// Close is a no-op; the SDK client holds no resources that need release.
func (s *Store) Close() error { return nil }
