// Package schema describes the fixed relational layout of the flight store:
// three fact tables keyed by searchId, three reference tables keyed by natural
// codes, and the upload ledger.
//
// The layout is compile-time data. Backends receive it through
// storage.EnsureTables and the loader uses it to coerce cells before binding.
package schema

import "flightetl/internal/storage"

// TableSpec is re-exported so pipeline code can depend on schema alone.
type TableSpec = storage.TableSpec

// Name is the database schema every table lives in.
const Name = "flight"

// Table names.
const (
	Search     = "search"
	Flight     = "flight"
	Fare       = "fare"
	Airport    = "airport"
	Airline    = "airline"
	Equipment  = "equipment"
	DataUpload = "data_upload"
)

// Shared column names.
const (
	SearchID      = "searchId"
	InsertionTime = "insertionTime"
	FilePath      = "filePath"

	AirportCode      = "airportCode"
	AirportCity      = "city"
	AirportLatitude  = "airportLatitude"
	AirportLongitude = "airportLongitude"
)

// Separator joins per-leg values inside one source cell.
const Separator = "||"

func text(name string) storage.ColumnSpec {
	return storage.ColumnSpec{Name: name, Type: storage.TypeText, Nullable: true}
}

func col(name string, typ storage.Type) storage.ColumnSpec {
	return storage.ColumnSpec{Name: name, Type: typ, Nullable: true}
}

func required(name string, typ storage.Type) storage.ColumnSpec {
	return storage.ColumnSpec{Name: name, Type: typ}
}

var searchSpec = storage.TableSpec{
	Schema: Name,
	Name:   Search,
	Kind:   storage.KindFact,
	Columns: []storage.ColumnSpec{
		required(SearchID, storage.TypeBigInt),
		text("searchTime"),
		text("operationalSearchTime"),
		text("flightDay"),
		text("originCode"),
		text("destinationCode"),
	},
	Indexes: []storage.IndexSpec{
		{Name: "ix_search_searchId", Columns: []string{SearchID}},
		{Name: "ix_search_route_day", Columns: []string{"originCode", "destinationCode", "flightDay"}},
	},
	InsertionTimeColumn: InsertionTime,
}

// Segment-level values arrive "||"-joined, so most flight columns stay text.
var flightSpec = storage.TableSpec{
	Schema: Name,
	Name:   Flight,
	Kind:   storage.KindFact,
	Columns: []storage.ColumnSpec{
		required(SearchID, storage.TypeBigInt),
		text("legId"),
		text("travelDuration"),
		text("duration"),
		text("durationInSeconds"),
		col("elapsedDays", storage.TypeBigInt),
		col("isNonStop", storage.TypeBool),
		text("departureTimeRaw"),
		text("departureTimeZoneOffsetSeconds"),
		text("arrivalTimeRaw"),
		text("arrivalTimeZoneOffsetSeconds"),
		text("flightNumber"),
		text("stops"),
		text("airlineCode"),
		text("equipmentCode"),
		text("arrivalAirportCode"),
		text("departureAirportCode"),
		text("arrivalAirportLatitude"),
		text("arrivalAirportLongitude"),
		text("departureAirportLatitude"),
		text("departureAirportLongitude"),
	},
	Indexes: []storage.IndexSpec{
		{Name: "ix_flight_searchId", Columns: []string{SearchID}},
		{Name: "ix_flight_legId", Columns: []string{"legId"}},
	},
	InsertionTimeColumn: InsertionTime,
}

var fareSpec = storage.TableSpec{
	Schema: Name,
	Name:   Fare,
	Kind:   storage.KindFact,
	Columns: []storage.ColumnSpec{
		required(SearchID, storage.TypeBigInt),
		text("legId"),
		text("fareBasisCode"),
		col("isBasicEconomy", storage.TypeBool),
		col("isRefundable", storage.TypeBool),
		col("isFreeChangeAvailable", storage.TypeBool),
		col("taxes", storage.TypeDouble),
		col("fees", storage.TypeDouble),
		col("showFees", storage.TypeBool),
		text("currency"),
		col("baseFare", storage.TypeDouble),
		col("totalFare", storage.TypeDouble),
		col("numberOfTickets", storage.TypeBigInt),
		text("freeCancellationBy"),
		col("hasSeatMap", storage.TypeBool),
		text("providerCode"),
		col("seatsRemaining", storage.TypeBigInt),
	},
	Indexes: []storage.IndexSpec{
		{Name: "ix_fare_searchId", Columns: []string{SearchID}},
		{Name: "ix_fare_legId", Columns: []string{"legId"}},
	},
	InsertionTimeColumn: InsertionTime,
}

var airportSpec = storage.TableSpec{
	Schema: Name,
	Name:   Airport,
	Kind:   storage.KindDimension,
	Columns: []storage.ColumnSpec{
		required(AirportCode, storage.TypeText),
		text(AirportCity),
		col(AirportLatitude, storage.TypeDouble),
		col(AirportLongitude, storage.TypeDouble),
	},
	Key:     []string{AirportCode},
	Derived: []string{AirportCity},
	Indexes: []storage.IndexSpec{
		{Name: "ix_airport_coordinates", Columns: []string{AirportLatitude, AirportLongitude}},
	},
}

var airlineSpec = storage.TableSpec{
	Schema: Name,
	Name:   Airline,
	Kind:   storage.KindDimension,
	Columns: []storage.ColumnSpec{
		required("airlineCode", storage.TypeText),
		text("airlineName"),
		text("externalAirlineCode"),
		text("operatingAirlineName"),
	},
	Key: []string{"airlineCode"},
}

var equipmentSpec = storage.TableSpec{
	Schema: Name,
	Name:   Equipment,
	Kind:   storage.KindDimension,
	Columns: []storage.ColumnSpec{
		required("equipmentCode", storage.TypeText),
		text("equipmentDescription"),
	},
	Key: []string{"equipmentCode"},
}

var dataUploadSpec = storage.TableSpec{
	Schema:  Name,
	Name:    DataUpload,
	Kind:    storage.KindLedger,
	Columns: []storage.ColumnSpec{required(FilePath, storage.TypeText)},
	Key:     []string{FilePath},
}

var specs = map[string]storage.TableSpec{
	Search:     searchSpec,
	Flight:     flightSpec,
	Fare:       fareSpec,
	Airport:    airportSpec,
	Airline:    airlineSpec,
	Equipment:  equipmentSpec,
	DataUpload: dataUploadSpec,
}

// FactTables are loaded APPEND and carry searchId.
var FactTables = []string{Search, Flight, Fare}

// DimensionTables are loaded REPLACE after merging with persisted rows.
var DimensionTables = []string{Airport, Airline, Equipment}

// LoadOrder is the order the orchestrator writes tables in.
var LoadOrder = []string{Search, Flight, Fare, Airport, Airline, Equipment}

// AllTables includes the ledger and is the reindex order.
var AllTables = []string{Search, Flight, Fare, Airport, Airline, Equipment, DataUpload}

// PurgeOrder is the delete order for rows inserted on one day.
var PurgeOrder = []string{Flight, Fare, Search}

// Lookup returns the TableSpec of a named table.
func Lookup(name string) (storage.TableSpec, bool) {
	s, ok := specs[name]
	return s, ok
}

// MustLookup is Lookup for names known at compile time.
func MustLookup(name string) storage.TableSpec {
	s, ok := specs[name]
	if !ok {
		panic("schema: unknown table " + name)
	}
	return s
}

// All returns every table spec in AllTables order.
func All() []storage.TableSpec {
	out := make([]storage.TableSpec, 0, len(AllTables))
	for _, n := range AllTables {
		out = append(out, specs[n])
	}
	return out
}

// IsFact reports whether name is one of the searchId-keyed tables.
func IsFact(name string) bool {
	s, ok := specs[name]
	return ok && s.Kind == storage.KindFact
}

// IsDimension reports whether name is a reference table.
func IsDimension(name string) bool {
	s, ok := specs[name]
	return ok && s.Kind == storage.KindDimension
}
