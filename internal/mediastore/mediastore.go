// Package mediastore is the thin media-object backend named in spec.md
// §1 as out of deep design scope but still needed by TaskMedia to ask
// "is this object local" and to move bytes for upload/download transfers
// (§4.6, §9 Open Question 3: upload progress is reported via callback).
// Adapted from the teacher's internal/storage package.
package mediastore

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"github.com/snarg/audiocloud-domaind/internal/domain"
)

// Config selects and configures the optional S3 tier. When Bucket is
// empty the store is local-only, matching spec.md's "media_root" default.
type Config struct {
	MediaRoot string

	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

func (c Config) s3Enabled() bool { return c.Bucket != "" }

// ProgressFunc reports transfer progress as a fraction in [0,1]. Called from
// the goroutine driving the transfer; callers must not block in it.
type ProgressFunc func(fraction float64)

// MediaStore is the collaborator TaskMedia asks about object locality and
// directs to move bytes in or out of the domain.
type MediaStore interface {
	// Local returns the on-disk path for an object, if present locally.
	Local(appId domain.AppId, id domain.ObjectId) (path string, ok bool)

	// Upload pushes the local copy of id, reporting progress: to spec.URL in
	// the local-only store, to the S3 tier under {app_id}/{id} in the tiered
	// store (which ignores spec.URL).
	Upload(ctx context.Context, appId domain.AppId, id domain.ObjectId, spec domain.TransferSpec, progress ProgressFunc) error

	// Download fetches id into local storage: from spec.URL in the local-only
	// store, reporting progress; from the S3 tier in the tiered store, which
	// ignores spec.URL and reports no progress (the object size is unknown).
	Download(ctx context.Context, appId domain.AppId, id domain.ObjectId, spec domain.TransferSpec, progress ProgressFunc) error
}

// New builds a MediaStore per cfg: local-only, or local-primary with an S3
// tier when cfg.Bucket is set.
func New(cfg Config, log zerolog.Logger) (MediaStore, error) {
	local := newLocalStore(cfg.MediaRoot)
	if !cfg.s3Enabled() {
		return local, nil
	}

	remote, err := newS3Store(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("mediastore: s3 init: %w", err)
	}
	return &tieredStore{local: local, remote: remote, log: log.With().Str("component", "mediastore").Logger()}, nil
}

func objectKey(appId domain.AppId, id domain.ObjectId) string {
	return filepath.Join(string(appId), string(id))
}

// localStore keeps media under {media_root}/{app_id}/{media_id} per spec §6.
type localStore struct {
	root string
}

func newLocalStore(root string) *localStore {
	return &localStore{root: root}
}

func (s *localStore) safePath(appId domain.AppId, id domain.ObjectId) (string, error) {
	full := filepath.Join(s.root, filepath.FromSlash(objectKey(appId, id)))
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("invalid path: %w", err)
	}
	base, err := filepath.Abs(s.root)
	if err != nil {
		return "", fmt.Errorf("invalid base: %w", err)
	}
	if !strings.HasPrefix(abs, base+string(filepath.Separator)) && abs != base {
		return "", fmt.Errorf("path traversal rejected: %q/%q", appId, id)
	}
	return abs, nil
}

func (s *localStore) Local(appId domain.AppId, id domain.ObjectId) (string, bool) {
	path, err := s.safePath(appId, id)
	if err != nil {
		return "", false
	}
	if _, err := os.Stat(path); err != nil {
		return "", false
	}
	return path, true
}

func (s *localStore) Upload(ctx context.Context, appId domain.AppId, id domain.ObjectId, spec domain.TransferSpec, progress ProgressFunc) error {
	path, ok := s.Local(appId, id)
	if !ok {
		return domain.NewMediaNotReady([]domain.ObjectId{id})
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("mediastore upload open: %w", err)
	}
	defer f.Close()
	return putHTTP(ctx, spec.URL, f, progress)
}

func (s *localStore) Download(ctx context.Context, appId domain.AppId, id domain.ObjectId, spec domain.TransferSpec, progress ProgressFunc) error {
	path, err := s.safePath(appId, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mediastore download mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".media-*.tmp")
	if err != nil {
		return fmt.Errorf("mediastore download temp: %w", err)
	}
	tmpPath := tmp.Name()
	if err := getHTTP(ctx, spec.URL, tmp, progress); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("mediastore download close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("mediastore download rename: %w", err)
	}
	return nil
}

// progressReader wraps an io.Reader and reports fractional progress against
// a known total size.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	progress ProgressFunc
}

func (p *progressReader) Read(buf []byte) (int, error) {
	n, err := p.r.Read(buf)
	p.read += int64(n)
	if p.progress != nil && p.total > 0 {
		p.progress(float64(p.read) / float64(p.total))
	}
	return n, err
}

func sizeOf(f *os.File) int64 {
	info, err := f.Stat()
	if err != nil {
		return 0
	}
	return info.Size()
}

// s3Store is the optional tier grounded on the teacher's internal/storage/s3.go.
type s3Store struct {
	client *s3.Client
	bucket string
	log    zerolog.Logger
}

func newS3Store(cfg Config, log zerolog.Logger) (*s3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("aws config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &s3Store{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		bucket: cfg.Bucket,
		log:    log.With().Str("component", "mediastore-s3").Logger(),
	}, nil
}

func (s *s3Store) put(ctx context.Context, key string, r io.Reader) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   r,
	})
	return err
}

func (s *s3Store) get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{Bucket: &s.bucket, Key: &key})
	if err != nil {
		return nil, err
	}
	return out.Body, nil
}

// tieredStore keeps a local cache and backs uploads/downloads with S3,
// mirroring the teacher's tiered.go split of primary/backup responsibility.
type tieredStore struct {
	local  *localStore
	remote *s3Store
	log    zerolog.Logger
}

func (t *tieredStore) Local(appId domain.AppId, id domain.ObjectId) (string, bool) {
	return t.local.Local(appId, id)
}

func (t *tieredStore) Upload(ctx context.Context, appId domain.AppId, id domain.ObjectId, spec domain.TransferSpec, progress ProgressFunc) error {
	path, ok := t.local.Local(appId, id)
	if !ok {
		return domain.NewMediaNotReady([]domain.ObjectId{id})
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("mediastore tiered upload open: %w", err)
	}
	defer f.Close()

	pr := &progressReader{r: f, total: sizeOf(f), progress: progress}
	key := objectKey(appId, id)
	if err := t.remote.put(ctx, key, pr); err != nil {
		t.log.Warn().Err(err).Str("key", key).Msg("tiered upload to S3 failed")
		return domain.NewBadGateway(fmt.Sprintf("media upload: %v", err))
	}
	return nil
}

func (t *tieredStore) Download(ctx context.Context, appId domain.AppId, id domain.ObjectId, spec domain.TransferSpec, progress ProgressFunc) error {
	key := objectKey(appId, id)
	body, err := t.remote.get(ctx, key)
	if err != nil {
		return domain.NewBadGateway(fmt.Sprintf("media download: %v", err))
	}
	defer body.Close()

	path, err := t.local.safePath(appId, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("mediastore tiered download mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".media-*.tmp")
	if err != nil {
		return fmt.Errorf("mediastore tiered download temp: %w", err)
	}
	tmpPath := tmp.Name()

	pr := &progressReader{r: body, total: -1, progress: progress}
	if _, err := io.Copy(tmp, pr); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("mediastore tiered download copy: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("mediastore tiered download close: %w", err)
	}
	return os.Rename(tmpPath, path)
}
