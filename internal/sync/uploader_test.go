package sync

import (
	"context"
	"testing"
	"time"

	"github.com/njoerd114/reportrelay/internal/backend"
	"github.com/njoerd114/reportrelay/internal/model"
	"github.com/njoerd114/reportrelay/internal/retry"
)

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}
}

func newTestUploader(st ReportStore, remote RemoteInserter, photos PhotoUploader, session backend.SessionSource, n Notifier) *Uploader {
	return NewUploader(st, remote, photos, session, n, discardLogger()).WithPolicy(fastPolicy())
}

func TestUpload_ReconcilesAndMarksSynced(t *testing.T) {
	r := pendingReport("local-1", "Gaza City", 100)
	r.PhotoPath = "file:///tmp/x.jpg"
	st := newMockStore(r)
	remote := newMockRemote()
	remote.ids["Gaza City"] = "r-123"
	photos := &mockPhotos{}
	notifier := &mockNotifier{}

	u := newTestUploader(st, remote, photos, nil, notifier)
	id, err := u.Upload(context.Background(), r)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if id != "r-123" {
		t.Errorf("final id = %q, want r-123", id)
	}

	if st.get("local-1") != nil {
		t.Error("row still reachable under its local id")
	}
	got := st.get("r-123")
	if got == nil || got.SyncState != model.Synced || got.RemoteID != "r-123" {
		t.Fatalf("row after sync = %+v, want synced under r-123", got)
	}

	recs := remote.inserted()
	if len(recs) != 1 {
		t.Fatalf("inserted %d records, want 1", len(recs))
	}
	if recs[0].PhotoURL == nil || *recs[0].PhotoURL != "https://cdn.example/local-1/1.jpg" {
		t.Errorf("photo_url = %v", recs[0].PhotoURL)
	}
	if recs[0].Status != model.StatusPending {
		t.Errorf("status = %q, want pending", recs[0].Status)
	}
	if recs[0].OwnerID != nil {
		t.Errorf("anonymous upload carried owner_id %q", *recs[0].OwnerID)
	}
	if remote.tokens[0] != "" {
		t.Errorf("anonymous upload sent token %q", remote.tokens[0])
	}

	if len(notifier.sent) != 1 || notifier.sent[0]["report_id"] != "r-123" || notifier.sent[0]["category"] != "rubble" {
		t.Errorf("notifications = %v", notifier.sent)
	}
}

func TestUpload_SameIDSkipsReassign(t *testing.T) {
	r := pendingReport("same", "z", 1)
	st := newMockStore(r)
	remote := newMockRemote()
	remote.ids["z"] = "same"

	id, err := newTestUploader(st, remote, nil, nil, nil).Upload(context.Background(), r)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if id != "same" {
		t.Errorf("id = %q, want same", id)
	}
	if got := st.get("same"); got == nil || !got.IsSynced() {
		t.Errorf("row = %+v, want synced", got)
	}
}

// A failed photo upload does not fail the record.
func TestUpload_PhotoFailureStillSyncs(t *testing.T) {
	r := pendingReport("local-1", "z", 1)
	r.PhotoPath = "file:///gone.jpg"
	st := newMockStore(r)
	remote := newMockRemote()
	photos := &mockPhotos{fail: true}

	id, err := newTestUploader(st, remote, photos, nil, nil).Upload(context.Background(), r)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if got := st.get(id); got == nil || !got.IsSynced() {
		t.Fatalf("row = %+v, want synced", got)
	}
	if recs := remote.inserted(); recs[0].PhotoURL != nil {
		t.Errorf("photo_url = %q, want null", *recs[0].PhotoURL)
	}
}

// An always-failing insert is tried exactly three times per pass and
// the row stays pending for the next one.
func TestUpload_ExhaustsRetriesAndLeavesUnsynced(t *testing.T) {
	r := pendingReport("local-1", "down", 1)
	st := newMockStore(r)
	remote := newMockRemote()
	remote.failFor["down"] = -1
	u := newTestUploader(st, remote, nil, nil, nil)

	if _, err := u.Upload(context.Background(), r); err == nil {
		t.Fatal("expected error, got nil")
	}
	if n := remote.attemptsFor("down"); n != 3 {
		t.Errorf("attempts = %d, want 3", n)
	}
	got := st.get("local-1")
	if got == nil || got.SyncState != model.Unsynced {
		t.Fatalf("row = %+v, want present and unsynced", got)
	}

	if _, err := u.Upload(context.Background(), got); err == nil {
		t.Fatal("expected error on second pass")
	}
	if n := remote.attemptsFor("down"); n != 6 {
		t.Errorf("attempts after second pass = %d, want 6", n)
	}
}

func TestUpload_PhotoURLReusedAcrossAttempts(t *testing.T) {
	r := pendingReport("local-1", "flaky", 1)
	r.PhotoPath = "/tmp/x.jpg"
	st := newMockStore(r)
	remote := newMockRemote()
	remote.failFor["flaky"] = 2
	photos := &mockPhotos{}

	if _, err := newTestUploader(st, remote, photos, nil, nil).Upload(context.Background(), r); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if n := remote.attemptsFor("flaky"); n != 3 {
		t.Errorf("insert attempts = %d, want 3", n)
	}
	if n := photos.callCount(); n != 1 {
		t.Errorf("photo uploads = %d, want 1", n)
	}
}

func TestUpload_SessionIdentity(t *testing.T) {
	session := staticSession{s: backend.Session{UserID: "user-9", AccessToken: "tok"}}

	r := pendingReport("a", "z1", 1)
	st := newMockStore(r)
	remote := newMockRemote()
	if _, err := newTestUploader(st, remote, nil, session, nil).Upload(context.Background(), r); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	rec := remote.inserted()[0]
	if rec.OwnerID == nil || *rec.OwnerID != "user-9" {
		t.Errorf("owner_id = %v, want user-9", rec.OwnerID)
	}
	if remote.tokens[0] != "tok" {
		t.Errorf("token = %q, want tok", remote.tokens[0])
	}

	// The report's own owner wins over the session's.
	r2 := pendingReport("b", "z2", 2)
	r2.OwnerID = "kiosk-owner"
	st2 := newMockStore(r2)
	remote2 := newMockRemote()
	if _, err := newTestUploader(st2, remote2, nil, session, nil).Upload(context.Background(), r2); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rec := remote2.inserted()[0]; rec.OwnerID == nil || *rec.OwnerID != "kiosk-owner" {
		t.Errorf("owner_id = %v, want kiosk-owner", rec.OwnerID)
	}
}

func TestUpload_AlreadyReconciledRowIsOnlyMarked(t *testing.T) {
	r := pendingReport("r-7", "z", 1)
	r.RemoteID = "r-7"
	st := newMockStore(r)
	remote := newMockRemote()

	id, err := newTestUploader(st, remote, nil, nil, nil).Upload(context.Background(), r)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if id != "r-7" {
		t.Errorf("id = %q, want r-7", id)
	}
	if n := remote.attemptsFor("z"); n != 0 {
		t.Errorf("remote inserts = %d, want 0", n)
	}
	if got := st.get("r-7"); got == nil || !got.IsSynced() {
		t.Errorf("row = %+v, want synced", got)
	}
}

func TestUpload_SendClientID(t *testing.T) {
	r := pendingReport("local-1", "z", 1)
	remote := newMockRemote()
	u := newTestUploader(newMockStore(r), remote, nil, nil, nil)
	u.SendClientID = true

	if _, err := u.Upload(context.Background(), r); err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if rec := remote.inserted()[0]; rec.ClientID != "local-1" {
		t.Errorf("client_id = %q, want local-1", rec.ClientID)
	}
}

func TestUpload_CancelledContext(t *testing.T) {
	r := pendingReport("local-1", "z", 1)
	st := newMockStore(r)
	remote := newMockRemote()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newTestUploader(st, remote, nil, nil, nil).Upload(ctx, r); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if n := remote.attemptsFor("z"); n != 0 {
		t.Errorf("remote inserts = %d, want 0", n)
	}
}
