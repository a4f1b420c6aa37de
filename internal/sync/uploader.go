package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/njoerd114/reportrelay/internal/backend"
	"github.com/njoerd114/reportrelay/internal/model"
	"github.com/njoerd114/reportrelay/internal/retry"
)

// Uploader runs the upload protocol for one report: resolve identity,
// upload the photo, build the remote record, insert it, reconcile the
// local id and notify.
type Uploader struct {
	store    ReportStore
	remote   RemoteInserter
	photos   PhotoUploader
	session  backend.SessionSource
	notifier Notifier
	policy   retry.Policy
	log      *slog.Logger

	// SendClientID includes the local id in the remote record so the
	// backend can reject duplicates with a unique index.
	SendClientID bool
}

// NewUploader creates an Uploader using the default retry policy. photos,
// session and notifier may be nil.
func NewUploader(store ReportStore, remote RemoteInserter, photos PhotoUploader, session backend.SessionSource, notifier Notifier, logger *slog.Logger) *Uploader {
	if session == nil {
		session = backend.Anonymous{}
	}
	return &Uploader{
		store:    store,
		remote:   remote,
		photos:   photos,
		session:  session,
		notifier: notifier,
		policy:   retry.Default(),
		log:      logger,
	}
}

// WithPolicy replaces the retry policy and returns u.
func (u *Uploader) WithPolicy(p retry.Policy) *Uploader {
	u.policy = p
	return u
}

// Upload syncs r and returns the id the row carries afterwards. On error
// the row is left unsynced.
func (u *Uploader) Upload(ctx context.Context, r *model.Report) (string, error) {
	log := u.log.With("report", r.LocalID, "category", r.Category)

	// Progress that survives a failed attempt within this call.
	var (
		photoURL string
		remoteID = r.RemoteID
	)

	policy := u.policy
	policy.OnRetry = func(attempt int, err error, wait time.Duration) {
		log.Warn("upload attempt failed", "attempt", attempt, "retry_in", wait, "error", err)
	}

	finalID := r.LocalID
	err := retry.Do(ctx, policy, func(attempt int) error {
		// A previous run may have reconciled the id and crashed before
		// marking the row. The remote record exists, so only finish up.
		if remoteID == "" {
			ownerID, token := u.identity(ctx, r)

			if r.PhotoPath != "" && photoURL == "" && u.photos != nil {
				if url, ok := u.photos.Upload(ctx, r.PhotoPath, r.LocalID); ok {
					photoURL = url
				} else {
					log.Info("syncing without photo", "attempt", attempt)
				}
			}

			rec := r.ToRemote(photoURL, ownerID)
			if u.SendClientID {
				rec.ClientID = r.LocalID
			}
			id, err := u.remote.InsertReport(ctx, rec, token)
			if err != nil {
				return fmt.Errorf("inserting remote record: %w", err)
			}
			remoteID = id
		}

		if remoteID != finalID {
			if err := u.store.ReassignID(ctx, finalID, remoteID); err != nil {
				return fmt.Errorf("reassigning %s to %s: %w", finalID, remoteID, err)
			}
			finalID = remoteID
		}
		if err := u.store.MarkSynced(ctx, finalID); err != nil {
			return fmt.Errorf("marking %s synced: %w", finalID, err)
		}
		return nil
	})
	if err != nil {
		return finalID, err
	}

	log.Info("report synced", "id", finalID, "photo", photoURL != "")
	if u.notifier != nil {
		u.notifier.Notify(ctx, "Report synced",
			fmt.Sprintf("Your %s report was delivered.", r.Category.Label()),
			map[string]string{"report_id": finalID, "category": string(r.Category)})
	}
	return finalID, nil
}

// identity returns the owner to attribute the record to and the bearer
// token to send. A report's own owner takes precedence over the session.
func (u *Uploader) identity(ctx context.Context, r *model.Report) (ownerID, token string) {
	ownerID = r.OwnerID
	if s, ok := u.session.Current(ctx); ok {
		if ownerID == "" {
			ownerID = s.UserID
		}
		token = s.AccessToken
	}
	return ownerID, token
}
