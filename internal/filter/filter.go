// Package filter decides which CRM records are relevant for Mailchimp.
package filter

import (
	"github.com/go-playground/validator/v10"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mapping"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cast"
)

const statusActive = "active"

type Options struct {
	RecordStatusKey string
	EmailStatusKey  string
	// SyncAll keeps records without any active group.
	SyncAll bool
}

type Filter struct {
	mapper   *mapping.Mapper
	emailKey string
	opts     Options
	validate *validator.Validate
	log      *log.Entry
}

func New(mapper *mapping.Mapper, opts Options, logger *log.Entry) (*Filter, error) {
	emailField, err := mapper.EmailField()
	if err != nil {
		return nil, err
	}

	return &Filter{
		mapper:   mapper,
		emailKey: emailField.CrmKey(),
		opts:     opts,
		validate: validator.New(),
		log:      logger,
	}, nil
}

// Filter returns the records that should be pushed to Mailchimp, in their
// original order.
func (f *Filter) Filter(records []mapping.Record) ([]mapping.Record, error) {
	kept := make([]mapping.Record, 0, len(records))

	for _, record := range records {
		ok, err := f.keep(record)
		if err != nil {
			return nil, err
		}

		if ok {
			kept = append(kept, record)
		}
	}

	f.log.Debugf("kept %d of %d crm records", len(kept), len(records))

	return kept, nil
}

func (f *Filter) keep(record mapping.Record) (bool, error) {
	id := cast.ToString(record["id"])

	if cast.ToString(record[f.opts.RecordStatusKey]) != statusActive {
		f.log.Tracef("skipping crm record %s: record is not active", id)
		return false, nil
	}

	email := cast.ToString(record[f.emailKey])
	if email == "" || f.validate.Var(email, "email") != nil {
		f.log.Tracef("skipping crm record %s: invalid email %q", id, email)
		return false, nil
	}

	if cast.ToString(record[f.opts.EmailStatusKey]) != statusActive {
		f.log.Tracef("skipping crm record %s: email is not active", id)
		return false, nil
	}

	if f.opts.SyncAll {
		return true, nil
	}

	active, err := f.mapper.HasActiveGroup(record)
	if err != nil {
		return false, err
	}

	if !active {
		f.log.Tracef("skipping crm record %s: no active group", id)
	}

	return active, nil
}
