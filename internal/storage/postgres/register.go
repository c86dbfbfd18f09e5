package postgres

import "flightetl/internal/storage"

func init() {
	// registers the store backend factory
	storage.Register("postgres", New)
}
