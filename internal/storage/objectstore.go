package storage

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rotisserie/eris"

	"github.com/acme-corp/brewery-pipeline/internal/ingestion"
	"github.com/acme-corp/brewery-pipeline/internal/logging"
)

// ObjectStoreConfig configures the S3-compatible mirror.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	AccessKey string `yaml:"access_key" json:"-"`
	SecretKey string `yaml:"secret_key" json:"-"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	UseSSL    bool   `yaml:"use_ssl" json:"use_ssl"`
}

// Enabled reports whether enough is configured to connect.
func (c ObjectStoreConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != ""
}

// ObjectMirror copies finished layer directories into a bucket, keeping the
// local relative layout under an optional prefix.
type ObjectMirror struct {
	client *minio.Client
	bucket string
	prefix string
	log    *logging.Logger
}

// NewObjectMirror connects and makes sure the bucket exists.
func NewObjectMirror(ctx context.Context, cfg ObjectStoreConfig, log *logging.Logger) (*ObjectMirror, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, eris.Wrap(err, "object store: client")
	}
	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, eris.Wrapf(err, "object store: check bucket %s", cfg.Bucket)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, eris.Wrapf(err, "object store: create bucket %s", cfg.Bucket)
		}
	}
	return &ObjectMirror{
		client: cli,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		log:    logging.OrNop(log),
	}, nil
}

// MirrorRun uploads a completed bronze run. Pages go first and the manifest
// last, so a manifest in the bucket means the whole run is there too.
func (m *ObjectMirror) MirrorRun(ctx context.Context, bronzeRoot, runDir string) (int, error) {
	if _, err := os.Stat(filepath.Join(runDir, ingestion.ManifestFile)); err != nil {
		return 0, eris.Wrapf(ioFail("stat", runDir, err), "object store: run %s has no manifest", runDir)
	}
	files, err := listFiles(runDir)
	if err != nil {
		return 0, err
	}
	sort.SliceStable(files, func(i, j int) bool {
		return filepath.Base(files[j]) == ingestion.ManifestFile && filepath.Base(files[i]) != ingestion.ManifestFile
	})
	return m.upload(ctx, bronzeRoot, files)
}

// MirrorDir uploads every file under dir, keyed relative to base.
func (m *ObjectMirror) MirrorDir(ctx context.Context, base, dir string) (int, error) {
	files, err := listFiles(dir)
	if err != nil {
		return 0, err
	}
	return m.upload(ctx, base, files)
}

func (m *ObjectMirror) upload(ctx context.Context, base string, files []string) (int, error) {
	n := 0
	for _, f := range files {
		rel, err := filepath.Rel(base, f)
		if err != nil {
			return n, eris.Wrapf(err, "object store: key for %s", f)
		}
		key := m.key(filepath.ToSlash(rel))
		opts := minio.PutObjectOptions{ContentType: "application/json"}
		if strings.HasSuffix(f, ".gz") {
			opts.ContentType = "application/x-ndjson"
			opts.ContentEncoding = "gzip"
		}
		if _, err := m.client.FPutObject(ctx, m.bucket, key, f, opts); err != nil {
			return n, eris.Wrapf(err, "object store: put %s", key)
		}
		n++
	}
	m.log.Info("mirrored files to object store", "bucket", m.bucket, "files", n)
	return n, nil
}

func (m *ObjectMirror) key(rel string) string {
	if m.prefix == "" {
		return rel
	}
	return path.Join(m.prefix, rel)
}

// listFiles walks dir in lexical order, skipping temp files.
func listFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, ioFail("walk", dir, err)
	}
	return files, nil
}
