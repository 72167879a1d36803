package util

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// ULIDs are sortable, which keeps id order aligned with insert order in
// the DB and on dashboards.
func NewInvoiceID() string {
	return "inv_" + newULID()
}

func NewEventID() string {
	return "evt_" + newULID()
}

func newULID() string {
	t := time.Now().UTC()
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
