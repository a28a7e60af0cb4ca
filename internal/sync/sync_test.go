package sync

import (
	"context"
	"strings"
	gosync "sync"
	"testing"
	"time"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/config"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mapping"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/notify"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/revision"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/storage"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/cast"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func strPtr(s string) *string {
	return &s
}

func testConfig() *config.Config {
	return &config.Config{
		Name: "greens",
		Crm: config.Crm{
			RecordStatusKey: "recordStatus",
			EmailStatusKey:  "emailStatus",
			NotesKey:        "notesCountry",
		},
		Mailchimp: config.Mailchimp{CrmIDMergeKey: "CRMID"},
		DataOwner: config.DataOwner{Name: "Data Owner", Email: "owner@example.org"},
		Cron: config.Cron{
			BatchSize:            2,
			LanguageTags:         []string{"Deutsch", "Français"},
			NewMemberGroupID:     "1234",
			InterestsToSync:      []string{"55f795def4"},
			NewTag:               "new",
			UpdatedWithinMonths:  1,
			OptInOlderThanMonths: 0,
			EntryChannelKey:      "entryChannel",
			GroupKey:             "groups",
			LanguageKey:          "language",
		},
		Fields: []mapping.Config{
			{CrmKey: "email1", Type: mapping.TypeEmail, Sync: mapping.SyncBoth},
			{CrmKey: "firstName", Type: mapping.TypeMerge, Sync: mapping.SyncBoth, PlatformKey: "FNAME"},
			{
				CrmKey:         "newsletterCountryD",
				Type:           mapping.TypeGroup,
				Sync:           mapping.SyncBoth,
				PlatformKey:    "55f795def4",
				TrueCondition:  strPtr("yes"),
				FalseCondition: strPtr("no"),
			},
			{CrmKey: "interests", Type: mapping.TypeAutotag, Sync: mapping.SyncToPlatformOnly},
		},
	}
}

func crmMember(id, email, firstName, group string) mapping.Record {
	return mapping.Record{
		"id":                 id,
		"recordStatus":       "active",
		"emailStatus":        "active",
		"email1":             email,
		"firstName":          firstName,
		"newsletterCountryD": group,
		"interests":          []interface{}{"energy"},
	}
}

type fakeCrm struct {
	mu           gosync.Mutex
	revision     int64
	members      []mapping.Record
	records      map[string]mapping.Record
	changedSince []int64
	updates      map[string]mapping.CrmPayload
	created      []mapping.CrmPayload
	updateErr    error
	failCreate   string
}

func newFakeCrm() *fakeCrm {
	return &fakeCrm{
		records: map[string]mapping.Record{},
		updates: map[string]mapping.CrmPayload{},
	}
}

func (f *fakeCrm) RevisionID(ctx context.Context) (int64, error) {
	return f.revision, nil
}

func (f *fakeCrm) ChangedMembers(
	ctx context.Context,
	sinceRevision int64,
	limit int,
	offset int,
) ([]mapping.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.changedSince = append(f.changedSince, sinceRevision)
	return page(f.members, limit, offset), nil
}

func (f *fakeCrm) Member(ctx context.Context, id string) (mapping.Record, error) {
	r, ok := f.records[id]
	if !ok {
		return nil, syncerr.NotFound("crm member %s", id)
	}
	return r, nil
}

func (f *fakeCrm) UpdateMember(ctx context.Context, id string, payload mapping.CrmPayload) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	if _, ok := f.records[id]; !ok {
		return syncerr.NotFound("crm member %s", id)
	}
	f.updates[id] = payload
	return nil
}

func (f *fakeCrm) CreateMember(ctx context.Context, payload mapping.CrmPayload) (string, error) {
	email := cast.ToString(payload["email1"][0].Value)
	if f.failCreate != "" && email == f.failCreate {
		return "", syncerr.New(syncerr.CodeRemoteCall, "crm rejected %s", email)
	}
	f.created = append(f.created, payload)
	return cast.ToString(len(f.created)), nil
}

type fakeMailchimp struct {
	subscribers  map[string]mapping.Record
	list         []mapping.Record
	filters      []map[string]string
	puts         []mapping.Record
	putErr       error
	mergeUpdates map[string]map[string]interface{}
	removedTags  map[string][]string
}

func newFakeMailchimp() *fakeMailchimp {
	return &fakeMailchimp{
		subscribers:  map[string]mapping.Record{},
		mergeUpdates: map[string]map[string]interface{}{},
		removedTags:  map[string][]string{},
	}
}

func (f *fakeMailchimp) GetSubscriber(ctx context.Context, email string) (mapping.Record, error) {
	s, ok := f.subscribers[strings.ToLower(email)]
	if !ok {
		return nil, syncerr.NotFound("subscriber %s", email)
	}
	return s, nil
}

func (f *fakeMailchimp) GetSubscribersPage(
	ctx context.Context,
	count int,
	offset int,
	filters map[string]string,
) ([]mapping.Record, error) {
	f.filters = append(f.filters, filters)
	return page(f.list, count, offset), nil
}

func (f *fakeMailchimp) PutSubscriber(ctx context.Context, data mapping.Record) (mapping.Record, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	f.puts = append(f.puts, data)
	return data, nil
}

func (f *fakeMailchimp) UpdateMergeFields(ctx context.Context, id string, fields map[string]interface{}) error {
	f.mergeUpdates[id] = fields
	return nil
}

func (f *fakeMailchimp) RemoveTags(ctx context.Context, id string, tagNames ...string) error {
	f.removedTags[id] = append(f.removedTags[id], tagNames...)
	return nil
}

type fakeNotifier struct {
	sent []notify.Notification
}

func (f *fakeNotifier) Send(ctx context.Context, n notify.Notification) error {
	f.sent = append(f.sent, n)
	return nil
}

func page(records []mapping.Record, limit, offset int) []mapping.Record {
	if offset >= len(records) {
		return []mapping.Record{}
	}
	end := offset + limit
	if end > len(records) {
		end = len(records)
	}
	return records[offset:end]
}

type testSyncer struct {
	*Syncer
	crm       *fakeCrm
	mailchimp *fakeMailchimp
	notifier  *fakeNotifier
	store     *storage.Store
	hook      *test.Hook
}

func newTestSyncer(t *testing.T, cfg *config.Config) *testSyncer {
	t.Helper()

	store, err := storage.Open(storage.DriverSQLite, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.TraceLevel)
	entry := logger.WithField("config", cfg.Name)

	crmClient := newFakeCrm()
	mc := newFakeMailchimp()
	notifier := &fakeNotifier{}

	s, err := newSyncer(
		cfg,
		nil,
		entry,
		crmClient,
		mc,
		revision.NewTracker(store, cfg.Name, entry),
		notifier,
		"admin@example.org",
	)
	require.NoError(t, err)
	s.now = func() time.Time { return testNow }

	return &testSyncer{
		Syncer:    s,
		crm:       crmClient,
		mailchimp: mc,
		notifier:  notifier,
		store:     store,
		hook:      hook,
	}
}

func (ts *testSyncer) hasLog(level logrus.Level, substr string) bool {
	for _, e := range ts.hook.AllEntries() {
		if e.Level == level && strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}
