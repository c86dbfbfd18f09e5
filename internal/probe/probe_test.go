package probe

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"flightetl/internal/schema"
	"flightetl/internal/table"
)

func TestProfile_KindsDistinctAndLegs(t *testing.T) {
	t.Parallel()

	tb, err := table.New("batch", []string{"legId", "totalFare", "seatsRemaining", "isRefundable", "segmentsArrivalAirportCode", "note"}, [][]any{
		{"a", "248.6", "7", "False", "ATL||LAX", nil},
		{"b", "120", "2", "True", "ATL", ""},
		{"b", int64(99), int64(3), true, "BOS||ORD||SFO", nil},
	})
	require.NoError(t, err)

	rep := Profile(tb)
	require.Equal(t, 3, rep.Rows)
	require.False(t, rep.Ready())
	require.Contains(t, rep.Missing, "origin_code")
	require.Equal(t, []string{"note", "segmentsArrivalAirportCode"}, rep.Extra)

	byName := map[string]Column{}
	for _, c := range rep.Columns {
		byName[c.Name] = c
	}
	require.Equal(t, Column{Name: "legId", Values: 3, Distinct: 2, MaxLegs: 1, Kind: "string"}, byName["legId"])
	require.Equal(t, "float", byName["totalFare"].Kind)
	require.Equal(t, "int", byName["seatsRemaining"].Kind)
	require.Equal(t, "bool", byName["isRefundable"].Kind)
	require.Equal(t, 3, byName["segmentsArrivalAirportCode"].MaxLegs)
	require.Equal(t, Column{Name: "note", Kind: "empty"}, byName["note"])
	require.InDelta(t, 2.0/3.0, byName["legId"].Ratio(), 1e-9)
	require.Zero(t, byName["note"].Ratio())
}

func TestProfile_ReadyBatch(t *testing.T) {
	t.Parallel()

	tb := table.Empty("batch", schema.RawColumns())
	rep := Profile(tb)
	require.True(t, rep.Ready())
	require.Empty(t, rep.Extra)
	require.Len(t, rep.Columns, len(schema.RawColumns()))
}

func TestProfile_DistinctIsCapped(t *testing.T) {
	t.Parallel()

	rows := make([][]any, distinctCap+5)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	tb, err := table.New("batch", []string{"id"}, rows)
	require.NoError(t, err)

	c := Profile(tb).Columns[0]
	require.True(t, c.Capped)
	require.Equal(t, distinctCap, c.Distinct)
	require.Equal(t, distinctCap+5, c.Values)
}

func TestWrite_OrdersByRatio(t *testing.T) {
	t.Parallel()

	tb, err := table.New("batch", []string{"legId", "currency"}, [][]any{{"1", "USD"}, {"2", "USD"}})
	require.NoError(t, err)

	var b bytes.Buffer
	require.NoError(t, Write(&b, Profile(tb)))
	out := b.String()
	require.Contains(t, out, "rows=2")
	require.Contains(t, out, "missing:")
	require.NotContains(t, out, "ignored:")
	require.Less(t, strings.Index(out, "\ncurrency"), strings.Index(out, "\nlegId"))
}
