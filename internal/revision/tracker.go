// Package revision keeps track of CRM to Mailchimp runs. The open revision
// row of a configuration doubles as an advisory lock: a new run never trusts
// a run left open and restarts from the last successful revision instead.
// Runs of the same configuration must be serialized by the caller.
package revision

import (
	"context"
	"errors"
	"fmt"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/storage"
	log "github.com/sirupsen/logrus"
)

var ErrNoOpenRevision = errors.New("no open revision")

type Store interface {
	CreateRevision(ctx context.Context, configName string, revisionID int64) (*storage.Revision, error)
	OpenRevisions(ctx context.Context, configName string) ([]storage.Revision, error)
	DeleteOpenRevisions(ctx context.Context, configName string) (int64, error)
	MarkRevisionSuccessful(ctx context.Context, id int64) error
	LatestSuccessfulRevisionID(ctx context.Context, configName string) (int64, error)
}

type Tracker struct {
	store      Store
	configName string
	log        *log.Entry
}

func NewTracker(store Store, configName string, logger *log.Entry) *Tracker {
	return &Tracker{store: store, configName: configName, log: logger}
}

// Begin discards any run left open and opens a new one for the given CRM
// revision.
func (t *Tracker) Begin(ctx context.Context, remoteRevisionID int64) (*storage.Revision, error) {
	if _, err := t.Unlock(ctx); err != nil {
		return nil, err
	}

	rev, err := t.store.CreateRevision(ctx, t.configName, remoteRevisionID)
	if err != nil {
		return nil, err
	}

	t.log.Debugf("opened revision %d at crm revision %d", rev.ID, rev.RevisionID)

	return rev, nil
}

// Current returns the open revision. Several open revisions mean earlier
// runs failed; they are all purged and ErrNoOpenRevision is returned.
func (t *Tracker) Current(ctx context.Context) (*storage.Revision, error) {
	open, err := t.store.OpenRevisions(ctx, t.configName)
	if err != nil {
		return nil, err
	}

	switch len(open) {
	case 0:
		return nil, ErrNoOpenRevision
	case 1:
		return &open[0], nil
	}

	t.log.Warnf("found %d open revisions, discarding all of them", len(open))

	if _, err := t.store.DeleteOpenRevisions(ctx, t.configName); err != nil {
		return nil, err
	}

	return nil, ErrNoOpenRevision
}

// Complete marks the open revision successful, closing the run.
func (t *Tracker) Complete(ctx context.Context) (*storage.Revision, error) {
	rev, err := t.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("complete run: %w", err)
	}

	if err := t.store.MarkRevisionSuccessful(ctx, rev.ID); err != nil {
		return nil, err
	}

	rev.SyncSuccessful = true
	t.log.Debugf("closed revision %d at crm revision %d", rev.ID, rev.RevisionID)

	return rev, nil
}

// Unlock discards open revisions and returns how many there were.
func (t *Tracker) Unlock(ctx context.Context) (int64, error) {
	n, err := t.store.DeleteOpenRevisions(ctx, t.configName)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		t.log.Warnf("discarded %d open revision(s) of a previous run", n)
	}

	return n, nil
}

// LatestSuccessfulRevisionID returns -1 if no run has completed yet.
func (t *Tracker) LatestSuccessfulRevisionID(ctx context.Context) (int64, error) {
	return t.store.LatestSuccessfulRevisionID(ctx, t.configName)
}
