// Package sync moves locally queued reports to the backend. It contains
// two components:
//
//   - [Uploader] runs the per-report upload protocol with bounded retry.
//   - [Scheduler] decides when a pass runs and keeps passes from
//     overlapping.
package sync

import (
	"context"

	"github.com/njoerd114/reportrelay/internal/model"
)

// ReportStore is the slice of the local store the sync engine mutates.
// Implemented by [store.Store].
type ReportStore interface {
	ListUnsynced(ctx context.Context) ([]*model.Report, error)
	MarkSynced(ctx context.Context, id string) error
	ReassignID(ctx context.Context, oldID, newID string) error
}

// RemoteInserter inserts a record into the backend and returns the id it
// was assigned. Implemented by [backend.Client].
type RemoteInserter interface {
	InsertReport(ctx context.Context, rec model.RemoteRecord, accessToken string) (string, error)
}

// PhotoUploader transfers a local photo. Failure is reported as ok=false.
// Implemented by [photo.Uploader].
type PhotoUploader interface {
	Upload(ctx context.Context, fileURI, reportID string) (publicURL string, ok bool)
}

// Notifier delivers a device-local notification. Delivery is best effort
// and never reports failure to the caller.
type Notifier interface {
	Notify(ctx context.Context, title, body string, data map[string]string)
}

// OutcomeSink receives one event per non-empty pass.
type OutcomeSink interface {
	PassCompleted(ctx context.Context, o Outcome)
}

// Presenter shows a synchronous summary to a user who is watching, such
// as the CLI's sync-once command.
type Presenter interface {
	Present(o Outcome)
}

// Connectivity is the signal the scheduler gates automatic passes on.
// Implemented by [connectivity.Monitor].
type Connectivity interface {
	IsConnected() bool
	Subscribe(fn func(connected bool)) (unsubscribe func())
}

// ReportUploader syncs a single report. Implemented by [Uploader].
type ReportUploader interface {
	Upload(ctx context.Context, r *model.Report) (finalID string, err error)
}
