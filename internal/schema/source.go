package schema

// SearchRename maps upstream parser column names onto search columns.
var SearchRename = map[string]string{
	"search_time":             "searchTime",
	"operational_search_time": "operationalSearchTime",
	"flight_day":              "flightDay",
	"origin_code":             "originCode",
	"destination_code":        "destinationCode",
}

// AirportGroup is one role (departure or arrival) a leg gives an airport.
// Columns are listed in AirportColumns order: code, latitude, longitude.
type AirportGroup struct {
	Role    string
	Columns []string
}

// AirportColumns are the non-derived airport columns a group maps onto.
var AirportColumns = []string{AirportCode, AirportLatitude, AirportLongitude}

// AirportGroups are stacked departure first.
var AirportGroups = []AirportGroup{
	{Role: "departure", Columns: []string{"departureAirportCode", "departureAirportLatitude", "departureAirportLongitude"}},
	{Role: "arrival", Columns: []string{"arrivalAirportCode", "arrivalAirportLatitude", "arrivalAirportLongitude"}},
}

// RawColumns lists the columns a source batch must carry.
func RawColumns() []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(c string) {
		if _, ok := seen[c]; ok {
			return
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	for _, c := range []string{"search_time", "operational_search_time", "flight_day", "origin_code", "destination_code"} {
		add(c)
	}
	for _, name := range []string{Flight, Fare, Airline, Equipment} {
		for _, c := range specs[name].Columns {
			if c.Name == SearchID {
				continue
			}
			add(c.Name)
		}
	}
	return out
}
