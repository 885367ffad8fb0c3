// Package cdrstore is the gateway to the call-detail-record table written by
// the telephony backend. It only ever reads the newest row and deletes rows by
// uniqueid; the table itself is the monitor's only durable state.
package cdrstore

import (
	"context"
	"errors"
	"time"

	"cdrwatch/internal/calls"
)

// ErrStoreUnavailable wraps every connection or query failure.
var ErrStoreUnavailable = errors.New("cdrstore: store unavailable")

// Gateway is the persistence contract used by the monitor loop.
type Gateway interface {
	// FetchLatest returns the newest record whose calldate falls within
	// lookback of the store's current time. ok is false on a miss.
	FetchLatest(ctx context.Context, lookback time.Duration) (rec calls.CallRecord, ok bool, err error)

	// Delete removes the record with the given uniqueid and reports how many
	// rows were affected. Deleting an absent id is not an error.
	Delete(ctx context.Context, uniqueID string) (int64, error)
}
