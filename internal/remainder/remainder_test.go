package remainder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flightetl/internal/table"
)

func TestKey_NameRoundTrip(t *testing.T) {
	t.Parallel()

	at := time.Date(2022, 4, 16, 10, 5, 7, 42, time.UTC)
	k := Key{Table: "data_upload", At: at}
	require.Equal(t, "data_upload_20220416_10h05min_07s000000042.parquet", k.Name())

	got, err := ParseKey(k.Name())
	require.NoError(t, err)
	require.Equal(t, "data_upload", got.Table)
	require.True(t, got.At.Equal(at))
}

func TestParseKey_Rejects(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		"flight.parquet",
		"flight_20220416_10h05min_07s000000042.csv",
		"flight-20220416_10h05min_07s000000042.parquet",
		"flight_2022041x_10h05min_07s000000042.parquet",
		"_20220416_10h05min_07s000000042.parquet",
	} {
		_, err := ParseKey(name)
		require.ErrorIs(t, err, ErrBadKey, name)
	}
}

func TestDir_PutListGetDelete(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	d := Dir{Root: filepath.Join(t.TempDir(), "not_inserted")}

	keys, err := d.List(ctx)
	require.NoError(t, err)
	require.Empty(t, keys)

	rows, err := table.New("x", []string{"searchId", "legId"}, [][]any{{int64(3), "a"}, {int64(4), nil}})
	require.NoError(t, err)

	t1 := time.Date(2022, 4, 16, 10, 0, 0, 0, time.UTC)
	k2, err := d.Put(ctx, "flight", t1.Add(time.Second), rows)
	require.NoError(t, err)
	k1, err := d.Put(ctx, "fare", t1, rows)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(d.Root, "README"), []byte("x"), 0o644))

	keys, err = d.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{k1.Name(), k2.Name()}, names(keys))

	got, err := d.Get(ctx, k2)
	require.NoError(t, err)
	require.Equal(t, "flight", got.Name)
	require.Equal(t, rows.Rows, got.Rows)

	require.NoError(t, d.Delete(ctx, k2))
	require.NoError(t, d.Delete(ctx, k2))
	keys, err = d.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{k1.Name()}, names(keys))
}

func names(keys []Key) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.Name()
	}
	return out
}
