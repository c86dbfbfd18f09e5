package geocode

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// Place is one named point of a gazetteer.
type Place struct {
	Name string
	Coordinate
}

// ReadGazetteer parses a CSV with a header naming city, latitude and longitude
// columns (any order, extra columns ignored).
func ReadGazetteer(r io.Reader) ([]Place, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("geocode: gazetteer header: %w", err)
	}
	idx := map[string]int{"city": -1, "latitude": -1, "longitude": -1}
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(h))
		if _, ok := idx[h]; ok {
			idx[h] = i
		}
	}
	for k, v := range idx {
		if v < 0 {
			return nil, fmt.Errorf("geocode: gazetteer missing %q column", k)
		}
	}

	var out []Place
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("geocode: gazetteer line %d: %w", line, err)
		}
		get := func(k string) string {
			if i := idx[k]; i < len(rec) {
				return strings.TrimSpace(rec[i])
			}
			return ""
		}
		lat, err1 := strconv.ParseFloat(get("latitude"), 64)
		lon, err2 := strconv.ParseFloat(get("longitude"), 64)
		if err1 != nil || err2 != nil || get("city") == "" {
			return nil, fmt.Errorf("geocode: gazetteer line %d: invalid record", line)
		}
		out = append(out, Place{Name: get("city"), Coordinate: Coordinate{Lat: lat, Lon: lon}})
	}
	return out, nil
}

// Nearest labels a coordinate with the closest gazetteer place by great-circle
// distance. Equal distances resolve to the earlier place.
type Nearest struct {
	places []Place
	maxKm  float64
}

// NewNearest builds an offline resolver. maxKm <= 0 means unbounded; otherwise
// coordinates farther than maxKm from every place stay unresolved.
func NewNearest(places []Place, maxKm float64) *Nearest {
	return &Nearest{places: append([]Place(nil), places...), maxKm: maxKm}
}

func (n *Nearest) Resolve(ctx context.Context, coords []Coordinate) ([]*string, error) {
	out := make([]*string, len(coords))
	for i, c := range coords {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		best, bestKm := -1, math.Inf(1)
		for j, p := range n.places {
			if d := haversineKm(c, p.Coordinate); d < bestKm {
				best, bestKm = j, d
			}
		}
		if best < 0 || (n.maxKm > 0 && bestKm > n.maxKm) {
			continue
		}
		out[i] = label(n.places[best].Name)
	}
	return out, nil
}

const earthRadiusKm = 6371.0088

func haversineKm(a, b Coordinate) float64 {
	rad := math.Pi / 180
	dLat := (b.Lat - a.Lat) * rad
	dLon := (b.Lon - a.Lon) * rad
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(a.Lat*rad)*math.Cos(b.Lat*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(h)))
}
