package geocode

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flightetl/internal/schema"
	"flightetl/internal/table"
)

func str(s string) *string { return &s }

func TestNominatim_LabelFallbackAndErrors(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		require.Equal(t, "/reverse", r.URL.Path)
		require.Equal(t, "jsonv2", r.URL.Query().Get("format"))
		require.Equal(t, "10", r.URL.Query().Get("zoom"))
		require.Equal(t, "test-agent", r.Header.Get("User-Agent"))

		switch r.URL.Query().Get("lat") {
		case "1":
			_, _ = w.Write([]byte(`{"address":{"city":"  Nova Iorque ","town":"ignored"}}`))
		case "2":
			_, _ = w.Write([]byte(`{"address":{"village":"Café"}}`))
		case "3":
			_, _ = w.Write([]byte(`{"error":"Unable to geocode"}`))
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	n := NewNominatim(NominatimConfig{BaseURL: srv.URL, UserAgent: "test-agent", RequestsPerSecond: 1000}, nil)
	got, err := n.Resolve(context.Background(), []Coordinate{{Lat: 1, Lon: 1}, {Lat: 2, Lon: 2}, {Lat: 3, Lon: 3}, {Lat: 4, Lon: 4}})
	require.NoError(t, err)
	require.Len(t, got, 4)
	require.Equal(t, "Nova Iorque", *got[0])
	require.Equal(t, "Café", *got[1], "label must be NFC-normalized")
	require.Nil(t, got[2])
	require.Nil(t, got[3])
	require.EqualValues(t, 4, atomic.LoadInt32(&hits))
}

func TestNominatim_BreakerStopsCalls(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	n := NewNominatim(NominatimConfig{
		BaseURL:           srv.URL,
		RequestsPerSecond: 1000,
		BreakerFailures:   2,
		BreakerCooldown:   time.Hour,
	}, nil)

	coords := []Coordinate{{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}}
	got, err := n.Resolve(context.Background(), coords)
	require.NoError(t, err)
	for _, l := range got {
		require.Nil(t, l)
	}
	require.EqualValues(t, 2, atomic.LoadInt32(&hits))
}

func TestNominatim_ContextCancelled(t *testing.T) {
	n := NewNominatim(NominatimConfig{BaseURL: "http://127.0.0.1:1"}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := n.Resolve(ctx, []Coordinate{{1, 1}})
	require.Error(t, err)
}

func TestNearest_TieBreakAndMaxDistance(t *testing.T) {
	places, err := ReadGazetteer(strings.NewReader("latitude,city,longitude\n0,West,-1\n0,East,1\n40.64,New York,-73.78\n"))
	require.NoError(t, err)
	require.Len(t, places, 3)

	r := NewNearest(places, 500)
	got, err := r.Resolve(context.Background(), []Coordinate{{0, 0}, {40.6, -73.7}, {-60, 100}})
	require.NoError(t, err)
	require.Equal(t, "West", *got[0])
	require.Equal(t, "New York", *got[1])
	require.Nil(t, got[2])

	_, err = ReadGazetteer(strings.NewReader("name,lat\nx,1\n"))
	require.Error(t, err)
}

func TestMemo_ResolvesEachPairOnce(t *testing.T) {
	var seen [][]Coordinate
	inner := ResolverFunc(func(_ context.Context, coords []Coordinate) ([]*string, error) {
		seen = append(seen, append([]Coordinate(nil), coords...))
		out := make([]*string, len(coords))
		for i, c := range coords {
			out[i] = str(c.String())
		}
		return out, nil
	})
	m := NewMemo(inner)

	got, err := m.Resolve(context.Background(), []Coordinate{{1, 2}, {3, 4}, {1, 2}})
	require.NoError(t, err)
	require.Equal(t, "1,2", *got[0])
	require.Equal(t, "1,2", *got[2])

	_, err = m.Resolve(context.Background(), []Coordinate{{3, 4}, {5, 6}})
	require.NoError(t, err)
	require.Equal(t, [][]Coordinate{{{1, 2}, {3, 4}}, {{5, 6}}}, seen)
}

func TestEnrich_FillsMissingCitiesOnce(t *testing.T) {
	airport, err := table.New(schema.Airport, schema.MustLookup(schema.Airport).ColumnNames(), [][]any{
		{"JFK", nil, 40.64, -73.78},
		{"LGA", "Queens", 40.77, -73.87},
		{"XXX", nil, "n/a", -1.0},
		{"JF2", nil, "40.64", "-73.78"},
	})
	require.NoError(t, err)

	calls := 0
	r := ResolverFunc(func(_ context.Context, coords []Coordinate) ([]*string, error) {
		calls++
		require.Equal(t, []Coordinate{{40.64, -73.78}}, coords)
		return []*string{str("New York")}, nil
	})

	got, err := Enrich(context.Background(), airport, r)
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	city, _ := got.Column(schema.AirportCity)
	require.Equal(t, []any{"New York", "Queens", nil, "New York"}, city)
	orig, _ := airport.Column(schema.AirportCity)
	require.Nil(t, orig[0], "input must not be mutated")
}
