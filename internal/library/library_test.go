package library

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"datanerd/internal/table"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openTestLibrary(t *testing.T) *Library {
	t.Helper()
	lib, err := Open(filepath.Join(t.TempDir(), "patterns.db"), DefaultOptions())
	require.NoError(t, err)
	t.Cleanup(func() { lib.Close() })
	return lib
}

func quarterlyFingerprint() table.Fingerprint {
	return table.Fingerprint{
		Columns:     3,
		Period:      2,
		HeaderRows:  1,
		MissingRate: 0.0,
		KindSig:     "text,text,text",
	}
}

func wideFingerprint() table.Fingerprint {
	return table.Fingerprint{
		Columns: 12,
		KindSig: "text,int,int,int,int,int,int,int,int,int,int,real",
	}
}

func TestRecordAndLookup(t *testing.T) {
	lib := openTestLibrary(t)
	fp := quarterlyFingerprint()

	p, err := lib.Record(fp, "package main\n// v1", 0.92)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Zero(t, p.UsageCount)

	hit, ok, err := lib.Lookup(fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p.ID, hit.ID)
	assert.Equal(t, "package main\n// v1", hit.Program)
	assert.Equal(t, 0.92, hit.Accuracy)
}

func TestLookupMissGoesUnmatched(t *testing.T) {
	lib := openTestLibrary(t)
	_, err := lib.Record(quarterlyFingerprint(), "package main", 0.9)
	require.NoError(t, err)

	_, ok, err := lib.Lookup(wideFingerprint())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLookupFindsNearbyLayoutAcrossBuckets(t *testing.T) {
	lib := openTestLibrary(t)
	stored := table.Fingerprint{
		Columns: 5,
		Period:  2,
		KindSig: "text,text,text,text,text",
	}
	p, err := lib.Record(stored, "package main\n// wide", 0.97)
	require.NoError(t, err)

	// One column inferred as int instead of text: a different bucket,
	// but similarity 0.93 is well above the 0.85 floor.
	query := stored
	query.KindSig = "text,int,text,text,text"
	require.NotEqual(t, stored.BucketKey(), query.BucketKey())
	require.InDelta(t, 0.93, query.Similarity(stored, DefaultOptions().Weights), 1e-9)

	hit, ok, err := lib.Lookup(query)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, p.ID, hit.ID)
}

func TestLookupRespectsSimilarityFloor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.db")
	opts := DefaultOptions()
	opts.SimilarityFloor = 0.99
	lib, err := Open(path, opts)
	require.NoError(t, err)
	defer lib.Close()

	fp := quarterlyFingerprint()
	_, err = lib.Record(fp, "package main", 1.0)
	require.NoError(t, err)

	// Same bucket, slightly different missing rate: below a 0.99 floor.
	near := fp
	near.MissingRate = 0.4
	_, ok, err := lib.Lookup(near)
	require.NoError(t, err)
	assert.False(t, ok)

	// Exact fingerprint still hits.
	_, ok, err = lib.Lookup(fp)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRecordReplacesOnlyOnStrictImprovement(t *testing.T) {
	lib := openTestLibrary(t)
	fp := quarterlyFingerprint()

	first, err := lib.Record(fp, "package main\n// v1", 0.90)
	require.NoError(t, err)
	require.NoError(t, lib.Touch(first.ID))
	require.NoError(t, lib.Touch(first.ID))

	t.Run("equal accuracy keeps existing", func(t *testing.T) {
		kept, err := lib.Record(fp, "package main\n// v2", 0.90)
		require.NoError(t, err)
		assert.Equal(t, first.ID, kept.ID)
		assert.Equal(t, "package main\n// v1", kept.Program)
	})

	t.Run("lower accuracy keeps existing", func(t *testing.T) {
		kept, err := lib.Record(fp, "package main\n// v3", 0.50)
		require.NoError(t, err)
		assert.Equal(t, "package main\n// v1", kept.Program)
	})

	t.Run("higher accuracy replaces and keeps usage history", func(t *testing.T) {
		replaced, err := lib.Record(fp, "package main\n// v4", 0.98)
		require.NoError(t, err)
		assert.Equal(t, first.ID, replaced.ID)
		assert.Equal(t, "package main\n// v4", replaced.Program)

		hit, ok, err := lib.Lookup(fp)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 0.98, hit.Accuracy)
		assert.Equal(t, 2, hit.UsageCount)
	})
}

func TestTouchIncrementsUsage(t *testing.T) {
	lib := openTestLibrary(t)
	p, err := lib.Record(quarterlyFingerprint(), "package main", 1.0)
	require.NoError(t, err)

	require.NoError(t, lib.Touch(p.ID))
	require.NoError(t, lib.Touch(p.ID))

	hit, ok, err := lib.Lookup(quarterlyFingerprint())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, hit.UsageCount)

	assert.Error(t, lib.Touch("no-such-id"))
}

func TestCorruptRowsAreSkipped(t *testing.T) {
	lib := openTestLibrary(t)
	fp := quarterlyFingerprint()
	p, err := lib.Record(fp, "package main", 1.0)
	require.NoError(t, err)

	_, err = lib.db.Exec(`UPDATE patterns SET fingerprint = 'not json' WHERE id = ?`, p.ID)
	require.NoError(t, err)

	_, ok, err := lib.Lookup(fp)
	require.NoError(t, err)
	assert.False(t, ok)

	patterns, err := lib.List()
	require.NoError(t, err)
	assert.Empty(t, patterns)

	// Recording over the corrupt row replaces it outright.
	fresh, err := lib.Record(fp, "package main\n// fresh", 0.7)
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, fresh.ID)

	hit, ok, err := lib.Lookup(fp)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, fresh.ID, hit.ID)
}

func TestListAndStats(t *testing.T) {
	lib := openTestLibrary(t)

	_, err := lib.Record(quarterlyFingerprint(), "package main\n// a", 0.8)
	require.NoError(t, err)
	b, err := lib.Record(wideFingerprint(), "package main\n// b", 1.0)
	require.NoError(t, err)
	require.NoError(t, lib.Touch(b.ID))

	patterns, err := lib.List()
	require.NoError(t, err)
	assert.Len(t, patterns, 2)
	// Most recently updated first.
	assert.Equal(t, b.ID, patterns[0].ID)

	stats, err := lib.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Patterns)
	assert.Equal(t, 1, stats.TotalUsage)
	assert.Equal(t, 1.0, stats.BestAccuracy)
	assert.InDelta(t, 0.9, stats.MeanAccuracy, 1e-9)
}

func TestDelete(t *testing.T) {
	lib := openTestLibrary(t)
	p, err := lib.Record(quarterlyFingerprint(), "package main", 1.0)
	require.NoError(t, err)

	require.NoError(t, lib.Delete(p.ID))
	_, ok, err := lib.Lookup(quarterlyFingerprint())
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, lib.Delete(p.ID))
}

func TestRecordRejectsBadInput(t *testing.T) {
	lib := openTestLibrary(t)
	_, err := lib.Record(quarterlyFingerprint(), "", 1.0)
	assert.Error(t, err)
	_, err = lib.Record(quarterlyFingerprint(), "package main", 1.5)
	assert.Error(t, err)
	_, err = lib.Record(quarterlyFingerprint(), "package main", -0.1)
	assert.Error(t, err)
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "patterns.db")
	lib, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	_, err = lib.Record(quarterlyFingerprint(), "package main\n// keep", 0.95)
	require.NoError(t, err)
	require.NoError(t, lib.Close())

	lib2, err := Open(path, DefaultOptions())
	require.NoError(t, err)
	defer lib2.Close()

	hit, ok, err := lib2.Lookup(quarterlyFingerprint())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "package main\n// keep", hit.Program)
	assert.Equal(t, 0.95, hit.Accuracy)
}
