//go:build !sqlite_vec

package vecindex

import "errors"

// Without the sqlite_vec build tag there is no candidate generator; the
// snapshot index scans every entry, which returns identical results.
func newAccel(dim int, entries []entry) (accel, error) {
	return nil, errors.New("built without sqlite_vec")
}
