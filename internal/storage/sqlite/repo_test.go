package sqlite

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flightetl/internal/storage"
)

var airportSpec = storage.TableSpec{
	Schema: "flight",
	Name:   "airport",
	Kind:   storage.KindDimension,
	Columns: []storage.ColumnSpec{
		{Name: "airportCode", Type: storage.TypeText},
		{Name: "city", Type: storage.TypeText, Nullable: true},
		{Name: "airportLatitude", Type: storage.TypeDouble, Nullable: true},
	},
	Key:     []string{"airportCode"},
	Indexes: []storage.IndexSpec{{Name: "ix_airport_lat", Columns: []string{"airportLatitude"}}},
}

var fareSpec = storage.TableSpec{
	Schema: "flight",
	Name:   "fare",
	Kind:   storage.KindFact,
	Columns: []storage.ColumnSpec{
		{Name: "searchId", Type: storage.TypeBigInt},
		{Name: "isRefundable", Type: storage.TypeBool, Nullable: true},
	},
	Indexes:             []storage.IndexSpec{{Name: "ix_fare_searchId", Columns: []string{"searchId"}}},
	InsertionTimeColumn: "insertionTime",
}

func openMemory(t *testing.T) *Repo {
	t.Helper()
	s, err := New(context.Background(), storage.Config{Kind: "sqlite", DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.EnsureTables(context.Background(), []storage.TableSpec{airportSpec, fareSpec}))
	return s.(*Repo)
}

func TestBuildCreateSQL_FoldsSchemaAndAddsInsertionTime(t *testing.T) {
	t.Parallel()

	tableSQL, indexSQL, err := buildCreateSQL(fareSpec)
	require.NoError(t, err)
	require.Contains(t, tableSQL, `CREATE TABLE IF NOT EXISTS "flight_fare"`)
	require.Contains(t, tableSQL, `"searchId" INTEGER NOT NULL`)
	require.Contains(t, tableSQL, `"insertionTime" TEXT NOT NULL DEFAULT`)
	require.Len(t, indexSQL, 1)
	require.True(t, strings.HasPrefix(indexSQL[0], `CREATE INDEX IF NOT EXISTS "ix_fare_searchId"`))

	tableSQL, _, err = buildCreateSQL(airportSpec)
	require.NoError(t, err)
	require.Contains(t, tableSQL, `UNIQUE ("airportCode")`)
}

func TestWriteRows_ReplaceAppendFail(t *testing.T) {
	ctx := context.Background()
	r := openMemory(t)
	cols := airportSpec.ColumnNames()

	n, err := r.WriteRows(ctx, airportSpec, cols, [][]any{{"JFK", nil, "40.64"}, {"LAX", "Los Angeles", 33.94}}, storage.WriteAppend)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	_, err = r.WriteRows(ctx, airportSpec, cols, [][]any{{"SFO", nil, nil}}, storage.WriteFail)
	require.Error(t, err)

	_, err = r.WriteRows(ctx, airportSpec, cols, [][]any{{"SFO", "San Francisco", 37.62}}, storage.WriteReplace)
	require.NoError(t, err)

	got, err := r.ReadTable(ctx, airportSpec)
	require.NoError(t, err)
	require.Equal(t, [][]any{{"SFO", "San Francisco", 37.62}}, got.Rows)
}

func TestWriteRows_FailedBatchRollsBack(t *testing.T) {
	ctx := context.Background()
	r := openMemory(t)
	cols := airportSpec.ColumnNames()

	_, err := r.WriteRows(ctx, airportSpec, cols, [][]any{{"JFK", nil, 40.64}}, storage.WriteAppend)
	require.NoError(t, err)

	// duplicate key inside the replaced contents violates the unique constraint
	_, err = r.WriteRows(ctx, airportSpec, cols, [][]any{{"BOS", nil, 1.0}, {"BOS", nil, 2.0}}, storage.WriteReplace)
	require.Error(t, err)

	got, err := r.ReadTable(ctx, airportSpec)
	require.NoError(t, err)
	require.Equal(t, [][]any{{"JFK", nil, 40.64}}, got.Rows)
}

func TestMaxValueAndDecode(t *testing.T) {
	ctx := context.Background()
	r := openMemory(t)

	_, ok, err := r.MaxValue(ctx, fareSpec, "searchId")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = r.WriteRows(ctx, fareSpec, []string{"searchId", "isRefundable"}, [][]any{{int64(4), "True"}, {"9", false}}, storage.WriteAppend)
	require.NoError(t, err)

	max, ok, err := r.MaxValue(ctx, fareSpec, "searchId")
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 9, max)

	got, err := r.ReadTable(ctx, fareSpec)
	require.NoError(t, err)
	require.Equal(t, [][]any{{int64(4), true}, {int64(9), false}}, got.Rows)
}

func TestIndexLifecycleAndPurge(t *testing.T) {
	ctx := context.Background()
	r := openMemory(t)

	require.NoError(t, r.DropIndexes(ctx, fareSpec))
	require.NoError(t, r.DropIndexes(ctx, fareSpec))
	require.NoError(t, r.CreateIndexes(ctx, fareSpec))
	require.NoError(t, r.Reindex(ctx, fareSpec))

	_, err := r.WriteRows(ctx, fareSpec, []string{"searchId"}, [][]any{{int64(1)}, {int64(2)}}, storage.WriteAppend)
	require.NoError(t, err)

	n, err := r.DeleteInsertedOn(ctx, fareSpec, time.Now().UTC().AddDate(0, 0, -3))
	require.NoError(t, err)
	require.EqualValues(t, 0, n)

	n, err = r.DeleteInsertedOn(ctx, fareSpec, time.Now().UTC())
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	_, err = r.DeleteInsertedOn(ctx, airportSpec, time.Now())
	require.Error(t, err)
}
