// Package all registers every store backend. Import it for side effects.
package all

import (
	_ "flightetl/internal/storage/mssql"
	_ "flightetl/internal/storage/postgres"
	_ "flightetl/internal/storage/sqlite"
)
