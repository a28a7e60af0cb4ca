package mapping

import (
	"fmt"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	"github.com/spf13/cast"
)

// Mapper converts whole records between the CRM and Mailchimp using the
// fields of one sync configuration. It never modifies its input records.
type Mapper struct {
	fields []Field
	email  Field
}

func NewMapper(configs []Config, opts ...Option) (*Mapper, error) {
	m := &Mapper{}

	for idx, cfg := range configs {
		f, err := NewField(cfg, opts...)
		if err != nil {
			return nil, fmt.Errorf("field map %d: %w", idx, err)
		}

		if f.Type() == TypeEmail {
			if m.email != nil {
				return nil, syncerr.Config(
					"only one email field is allowed, found %q and %q",
					m.email.CrmKey(),
					f.CrmKey(),
				)
			}
			m.email = f
		}

		m.fields = append(m.fields, f)
	}

	return m, nil
}

func (m *Mapper) Fields() []Field {
	return m.fields
}

// EmailField returns the single email typed field of the configuration.
func (m *Mapper) EmailField() (Field, error) {
	if m.email == nil {
		return nil, syncerr.Config("configuration has no email field")
	}
	return m.email, nil
}

func (m *Mapper) GroupFields() []Field {
	var groups []Field
	for _, f := range m.fields {
		if f.Type() == TypeGroup {
			groups = append(groups, f)
		}
	}
	return groups
}

// InactiveTags lists the tags of tag fields that a rendered Mailchimp
// payload does not set.
func (m *Mapper) InactiveTags(platform Record) []string {
	set := cast.ToStringSlice(platform[ParentTags])

	var inactive []string
	for _, f := range m.fields {
		t, ok := f.(*tagField)
		if !ok || stringSliceContains(set, t.tagName) || stringSliceContains(inactive, t.tagName) {
			continue
		}
		inactive = append(inactive, t.tagName)
	}
	return inactive
}

// CrmToPlatform renders the Mailchimp payload for a CRM record.
func (m *Mapper) CrmToPlatform(crm Record) (Record, error) {
	out := Record{}

	for _, f := range m.fields {
		if !f.CanSyncToPlatform() {
			continue
		}

		frag, err := f.ToPlatform(crm)
		if err != nil {
			return nil, err
		}

		parent := f.PlatformParentKey()

		switch {
		case parent == ParentTags:
			tags, _ := out[parent].([]string)
			if tags == nil {
				tags = []string{}
			}
			out[parent] = append(tags, frag.List...)

		case parent == "":
			for k, v := range frag.Values {
				out[k] = v
			}

		default:
			sub, _ := out[parent].(map[string]interface{})
			if sub == nil {
				sub = map[string]interface{}{}
				out[parent] = sub
			}
			for k, v := range frag.Values {
				sub[k] = v
			}
		}
	}

	return out, nil
}

// PlatformToCrm collects the CRM writes for a Mailchimp record. Fields that
// only sync to Mailchimp are skipped.
func (m *Mapper) PlatformToCrm(platform Record) (CrmPayload, error) {
	payload := CrmPayload{}

	for _, f := range m.fields {
		if !f.CanSyncToCrm() {
			continue
		}

		values, err := f.ToCrm(platform)
		if err != nil {
			return nil, err
		}

		for _, v := range values {
			payload.Add(v)
		}
	}

	return payload, nil
}

// HasActiveGroup reports whether any group field of the configuration
// evaluates true for the CRM record.
func (m *Mapper) HasActiveGroup(crm Record) (bool, error) {
	active := false

	for _, f := range m.GroupFields() {
		frag, err := f.ToPlatform(crm)
		if err != nil {
			return false, err
		}

		for _, v := range frag.Values {
			if cast.ToBool(v) {
				active = true
			}
		}
	}

	return active, nil
}
