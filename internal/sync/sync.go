// Package sync implements the three synchronizers between the CRM and
// Mailchimp: the revision driven CRM to Mailchimp push, the Mailchimp
// webhook handler and the Mailchimp to CRM cron batch.
package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/config"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/crm"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mailchimp"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mapping"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/notify"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/revision"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/storage"
	"github.com/newrelic/nr-crm-mailchimp-sync/pkg/interop"
	log "github.com/sirupsen/logrus"
)

type CrmClient interface {
	RevisionID(ctx context.Context) (int64, error)
	ChangedMembers(
		ctx context.Context,
		sinceRevision int64,
		limit int,
		offset int,
	) ([]mapping.Record, error)
	Member(ctx context.Context, id string) (mapping.Record, error)
	UpdateMember(ctx context.Context, id string, payload mapping.CrmPayload) error
	CreateMember(ctx context.Context, payload mapping.CrmPayload) (string, error)
}

type MailchimpClient interface {
	GetSubscriber(ctx context.Context, email string) (mapping.Record, error)
	GetSubscribersPage(
		ctx context.Context,
		count int,
		offset int,
		filters map[string]string,
	) ([]mapping.Record, error)
	PutSubscriber(ctx context.Context, data mapping.Record) (mapping.Record, error)
	UpdateMergeFields(ctx context.Context, id string, fields map[string]interface{}) error
	RemoveTags(ctx context.Context, id string, tagNames ...string) error
}

type RevisionTracker interface {
	Begin(ctx context.Context, remoteRevisionID int64) (*storage.Revision, error)
	Current(ctx context.Context) (*storage.Revision, error)
	Complete(ctx context.Context) (*storage.Revision, error)
	Unlock(ctx context.Context) (int64, error)
	LatestSuccessfulRevisionID(ctx context.Context) (int64, error)
}

// Syncer runs the synchronizers of one sync configuration. It processes
// records one at a time and must not be used by concurrent runs for the
// same configuration.
type Syncer struct {
	cfg        *config.Config
	app        *newrelic.Application
	log        *log.Entry
	crm        CrmClient
	mailchimp  MailchimpClient
	tracker    RevisionTracker
	notifier   notify.Sender
	mapper     *mapping.Mapper
	adminEmail string
	now        func() time.Time
}

// New loads the named sync configuration and wires its clients.
func New(i *interop.Interop, name string) (*Syncer, error) {
	cfg, err := config.Load(i.ConfigDir, name)
	if err != nil {
		return nil, err
	}

	logger := i.Logger.WithField("config", name)

	mc, err := mailchimp.New(cfg.Mailchimp, logger)
	if err != nil {
		return nil, err
	}

	return newSyncer(
		cfg,
		i.App,
		logger,
		crm.New(cfg.Crm, logger),
		mc,
		revision.NewTracker(i.Store, name, logger),
		i.Notifier,
		i.AdminEmail,
	)
}

func newSyncer(
	cfg *config.Config,
	app *newrelic.Application,
	logger *log.Entry,
	crmClient CrmClient,
	mailchimpClient MailchimpClient,
	tracker RevisionTracker,
	notifier notify.Sender,
	adminEmail string,
) (*Syncer, error) {
	s := &Syncer{
		cfg:        cfg,
		app:        app,
		log:        logger,
		crm:        crmClient,
		mailchimp:  mailchimpClient,
		tracker:    tracker,
		notifier:   notifier,
		adminEmail: adminEmail,
		now:        time.Now,
	}

	mapper, err := cfg.Mapper(mapping.WithClock(s.clock))
	if err != nil {
		return nil, err
	}
	s.mapper = mapper

	return s, nil
}

func (s *Syncer) clock() time.Time {
	return s.now()
}

func (s *Syncer) Config() *config.Config {
	return s.cfg
}

// Unlock discards any open revision of this configuration so the next run
// starts over from the last successful revision.
func (s *Syncer) Unlock(ctx context.Context) (int64, error) {
	n, err := s.tracker.Unlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("unlock %s: %w", s.cfg.Name, err)
	}
	return n, nil
}

// startTransaction starts an APM transaction for one synchronizer call and
// returns a context and logger bound to it.
func (s *Syncer) startTransaction(
	ctx context.Context,
	name string,
) (*newrelic.Transaction, context.Context, *log.Entry) {
	txn := s.app.StartTransaction(name)
	txn.AddAttribute("config", s.cfg.Name)

	ctx = newrelic.NewContext(ctx, txn)
	return txn, ctx, s.log.WithContext(ctx)
}
