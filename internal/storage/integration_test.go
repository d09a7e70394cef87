package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acme-corp/brewery-pipeline/internal/aggregate"
	"github.com/acme-corp/brewery-pipeline/internal/ingestion"
)

// These tests talk to real services and only run when the matching
// environment variables are set.

func TestPostgresSink(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sink, err := OpenPostgres(ctx, PostgresConfig{DSN: dsn, Schema: "brewery_test", BatchSize: 2}, nil)
	require.NoError(t, err)
	defer sink.Close()

	table := sampleCurated(t)
	n, err := sink.ReplaceSilver(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, table.Len(), n)

	n, err = sink.ReplaceSilver(ctx, table)
	require.NoError(t, err)
	assert.Equal(t, table.Len(), n, "reload replaces rather than appends")

	s, err := aggregate.CreateGoldSummary(ctx, table)
	require.NoError(t, err)
	require.NoError(t, sink.ReplaceGold(ctx, s))
}

func TestObjectMirror(t *testing.T) {
	endpoint := os.Getenv("MINIO_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("MINIO_TEST_ENDPOINT not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := NewObjectMirror(ctx, ObjectStoreConfig{
		Endpoint:  endpoint,
		AccessKey: os.Getenv("MINIO_TEST_ACCESS_KEY"),
		SecretKey: os.Getenv("MINIO_TEST_SECRET_KEY"),
		Bucket:    "brewery-test",
		Prefix:    "bronze",
	}, nil)
	require.NoError(t, err)

	w, root := newTestWriter(t)
	state, _, err := w.WritePage(w.NewRunState(), []ingestion.Record{{"id": "a"}}, 1, true)
	require.NoError(t, err)

	_, err = m.MirrorRun(ctx, root, w.RunDir())
	require.Error(t, err, "runs without a manifest are not mirrored")

	_, err = w.WriteManifest(state, nil)
	require.NoError(t, err)
	n, err := m.MirrorRun(ctx, root, w.RunDir())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	gold := filepath.Join(t.TempDir(), "gold")
	table := sampleCurated(t)
	s, err := aggregate.CreateGoldSummary(ctx, table)
	require.NoError(t, err)
	require.NoError(t, WriteGold(gold, s, aggregate.GetAggregationStats(table)))
	n, err = m.MirrorDir(ctx, filepath.Dir(gold), gold)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "summary and stats")
}

func TestObjectStoreConfigEnabled(t *testing.T) {
	assert.False(t, ObjectStoreConfig{}.Enabled())
	assert.False(t, ObjectStoreConfig{Endpoint: "localhost:9000"}.Enabled())
	assert.True(t, ObjectStoreConfig{Endpoint: "localhost:9000", Bucket: "raw"}.Enabled())
}
