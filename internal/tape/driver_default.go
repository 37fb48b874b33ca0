//go:build !sqlite_vec

package tape

import (
	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go SQLite driver. No cgo, no vec0 extension;
// the vector index falls back to in-process scanning, which returns the
// same results.
const driverName = "sqlite"
