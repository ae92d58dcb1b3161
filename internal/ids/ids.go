// Package ids generates identifiers for audit records.
package ids

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// At returns a ULID whose time component is t, so that ids of records created
// in the same millisecond still sort by generation order.
func At(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}

// Time extracts the creation time encoded in id.
func Time(id string) (time.Time, error) {
	u, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(u.Time()), nil
}
