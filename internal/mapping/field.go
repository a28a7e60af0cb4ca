package mapping

import (
	"time"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
)

// Field maps one configured CRM key to its Mailchimp counterpart. Fields are
// stateless: each call renders one record, so a Field may be shared freely.
type Field interface {
	Type() Type
	CrmKey() string
	// PlatformParentKey is the Mailchimp sub-object the field nests under, or
	// the empty string for top level keys.
	PlatformParentKey() string
	CanSyncToCrm() bool
	CanSyncToPlatform() bool
	ToPlatform(crm Record) (Fragment, error)
	ToCrm(platform Record) ([]CrmValue, error)
}

// Fragment is the piece of a Mailchimp payload rendered by one field. List
// is set by tag fields, Values by everything else.
type Fragment struct {
	Values map[string]interface{}
	List   []string
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source used by token fields.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func buildOptions(opts []Option) *options {
	o := &options{now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type base struct {
	crmKey string
	sync   Direction
}

func (b base) CrmKey() string {
	return b.crmKey
}

func (b base) CanSyncToCrm() bool {
	return b.sync == SyncBoth
}

func (b base) CanSyncToPlatform() bool {
	return true
}

// NewField validates cfg and returns the field implementation for its type.
// All validation failures are configuration errors.
func NewField(cfg Config, opts ...Option) (Field, error) {
	if cfg.CrmKey == "" {
		return nil, syncerr.Config("field map is missing crmKey")
	}

	switch cfg.Sync {
	case SyncBoth, SyncToPlatformOnly:
	case SyncToMailchimpOnly:
		cfg.Sync = SyncToPlatformOnly
	case "":
		return nil, syncerr.Config("field map %q is missing sync", cfg.CrmKey)
	default:
		return nil, syncerr.Config(
			"field map %q has invalid sync direction %q",
			cfg.CrmKey,
			cfg.Sync,
		)
	}

	b := base{crmKey: cfg.CrmKey, sync: cfg.Sync}

	switch cfg.Type {
	case TypeMerge:
		return newMergeField(b, cfg)
	case TypeEmail:
		return newEmailField(b, cfg), nil
	case TypeGroup:
		return newGroupField(b, cfg)
	case TypeTag:
		return newTagField(b, cfg)
	case TypeAutotag:
		return newAutotagField(b, cfg)
	case TypeToken:
		return newTokenField(b, cfg, buildOptions(opts))
	case "":
		return nil, syncerr.Config("field map %q is missing type", cfg.CrmKey)
	}

	return nil, syncerr.Config(
		"field map %q has unknown type %q",
		cfg.CrmKey,
		cfg.Type,
	)
}

func requireOneWay(b base, t Type) error {
	if b.sync == SyncBoth {
		return syncerr.Config(
			"field map %q: %s fields can only sync to mailchimp",
			b.crmKey,
			t,
		)
	}
	return nil
}
