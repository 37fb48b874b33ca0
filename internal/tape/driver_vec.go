//go:build sqlite_vec && cgo

package tape

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

// driverName selects the cgo SQLite driver with the sqlite-vec extension
// compiled in. vec.Auto() registers vec0 as an auto-loadable extension so
// the vector index can create vec0 virtual tables for candidate search.
const driverName = "sqlite3"

func init() {
	vec.Auto()
}
