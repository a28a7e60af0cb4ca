package sync

import (
	"context"
	"errors"
	"testing"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mailchimp"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mapping"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/revision"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func inactive(r mapping.Record) mapping.Record {
	r["recordStatus"] = "deleted"
	return r
}

func TestSyncAllChanges_PagedRun(t *testing.T) {
	ctx := context.Background()
	ts := newTestSyncer(t, testConfig())

	ts.crm.revision = 100
	ts.crm.members = []mapping.Record{
		crmMember("1", "hugo@example.org", "Hugo", "yes"),
		crmMember("2", "anna@example.org", "Anna", "no"),
		inactive(crmMember("3", "otto@example.org", "Otto", "yes")),
	}

	result, err := ts.SyncAllChanges(ctx, 2, 0, false)
	require.NoError(t, err)
	assert.Equal(t, &ChangesResult{RevisionID: 100, Fetched: 2, Filtered: 1, Synced: 1}, result)

	require.Len(t, ts.mailchimp.puts, 1)
	assert.Equal(t, mapping.Record{
		"email_address": "hugo@example.org",
		"merge_fields":  map[string]interface{}{"FNAME": "Hugo"},
		"interests":     map[string]interface{}{"55f795def4": true},
		"tags":          []string{"energy"},
	}, ts.mailchimp.puts[0])

	result, err = ts.SyncAllChanges(ctx, 2, 2, false)
	require.NoError(t, err)
	assert.Equal(t, &ChangesResult{RevisionID: 100, Fetched: 1, Filtered: 1}, result)

	latest, err := ts.tracker.LatestSuccessfulRevisionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), latest)

	result, err = ts.SyncAllChanges(ctx, 2, 4, false)
	require.NoError(t, err)
	assert.True(t, result.Done)

	latest, err = ts.tracker.LatestSuccessfulRevisionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(100), latest)

	assert.Equal(t, []int64{-1, -1, -1}, ts.crm.changedSince)

	// the next run only asks for changes since the completed revision
	ts.crm.revision = 105
	_, err = ts.SyncAll(ctx, 2, false)
	require.NoError(t, err)
	assert.Equal(t, int64(100), ts.crm.changedSince[3])
}

func TestSyncAll(t *testing.T) {
	ctx := context.Background()
	ts := newTestSyncer(t, testConfig())

	ts.crm.revision = 7
	ts.crm.members = []mapping.Record{
		crmMember("1", "hugo@example.org", "Hugo", "yes"),
		crmMember("2", "anna@example.org", "Anna", "no"),
		crmMember("3", "not-an-email", "Otto", "yes"),
	}

	result, err := ts.SyncAll(ctx, 2, true)
	require.NoError(t, err)
	assert.Equal(t, &ChangesResult{RevisionID: 7, Fetched: 3, Filtered: 1, Synced: 2, Done: true}, result)
	assert.Len(t, ts.mailchimp.puts, 2)

	open, err := ts.store.OpenRevisions(ctx, "greens")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestSyncAllChanges_FailedRunSelfHeals(t *testing.T) {
	ctx := context.Background()
	ts := newTestSyncer(t, testConfig())

	ts.crm.revision = 10
	ts.crm.members = []mapping.Record{crmMember("1", "hugo@example.org", "Hugo", "yes")}
	ts.mailchimp.putErr = syncerr.New(syncerr.CodeRemoteCall, "mailchimp down")

	_, err := ts.SyncAll(ctx, 10, false)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.CodeRemoteCall))

	open, err := ts.store.OpenRevisions(ctx, "greens")
	require.NoError(t, err)
	require.Len(t, open, 1)

	ts.mailchimp.putErr = nil
	ts.crm.revision = 11

	result, err := ts.SyncAll(ctx, 10, false)
	require.NoError(t, err)
	assert.Equal(t, int64(11), result.RevisionID)
	assert.Equal(t, []int64{-1, -1, -1}, ts.crm.changedSince)

	open, err = ts.store.OpenRevisions(ctx, "greens")
	require.NoError(t, err)
	assert.Empty(t, open)

	latest, err := ts.tracker.LatestSuccessfulRevisionID(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(11), latest)
}

func TestSyncAllChanges_ContinuationNeedsOpenRevision(t *testing.T) {
	ts := newTestSyncer(t, testConfig())

	_, err := ts.SyncAllChanges(context.Background(), 10, 10, false)
	require.Error(t, err)
	assert.True(t, errors.Is(err, revision.ErrNoOpenRevision))

	_, err = ts.SyncAllChanges(context.Background(), 0, 0, false)
	assert.ErrorContains(t, err, "limit must be positive")
}

func TestUnlock(t *testing.T) {
	ctx := context.Background()
	ts := newTestSyncer(t, testConfig())

	ts.crm.members = []mapping.Record{crmMember("1", "hugo@example.org", "Hugo", "yes")}
	ts.mailchimp.putErr = errors.New("boom")

	_, err := ts.SyncAllChanges(ctx, 10, 0, false)
	require.Error(t, err)

	n, err := ts.Unlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = ts.Unlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSyncAllChanges_ParseErrorAborts(t *testing.T) {
	ts := newTestSyncer(t, testConfig())

	broken := crmMember("1", "hugo@example.org", "Hugo", "yes")
	delete(broken, "newsletterCountryD")
	ts.crm.members = []mapping.Record{broken}

	_, err := ts.SyncAllChanges(context.Background(), 10, 0, false)
	assert.True(t, syncerr.Is(err, syncerr.CodeParse))
	assert.Empty(t, ts.mailchimp.puts)
}

func TestSyncAllChanges_RemovesTagsNoLongerSet(t *testing.T) {
	cfg := testConfig()
	cfg.Fields = append(cfg.Fields, mapping.Config{
		CrmKey:     "interests",
		Type:       mapping.TypeTag,
		Sync:       mapping.SyncToPlatformOnly,
		TagName:    "climate-friend",
		Conditions: []string{"climate"},
	})
	ts := newTestSyncer(t, cfg)

	climate := crmMember("2", "anna@example.org", "Anna", "yes")
	climate["interests"] = []interface{}{"climate"}
	ts.crm.members = []mapping.Record{
		crmMember("1", "hugo@example.org", "Hugo", "yes"),
		climate,
	}

	_, err := ts.SyncAll(context.Background(), 10, false)
	require.NoError(t, err)

	require.Len(t, ts.mailchimp.puts, 2)
	assert.Equal(t, []string{"climate", "climate-friend"}, ts.mailchimp.puts[1]["tags"])

	assert.Equal(t, map[string][]string{
		mailchimp.SubscriberID("hugo@example.org"): {"climate-friend"},
	}, ts.mailchimp.removedTags)
}
