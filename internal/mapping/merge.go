package mapping

import (
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	"github.com/spf13/cast"
)

// mergeField passes a scalar through, normalizing whitespace and falling
// back to the configured default for empty values. The email field is a
// merge field pinned to the top level email_address key.
type mergeField struct {
	base
	fieldType   Type
	parent      string
	platformKey string
	def         string
}

func newMergeField(b base, cfg Config) (Field, error) {
	if cfg.PlatformKey == "" {
		return nil, syncerr.Config("merge field %q is missing platformKey", b.crmKey)
	}

	return &mergeField{
		base:        b,
		fieldType:   TypeMerge,
		parent:      ParentMergeFields,
		platformKey: cfg.PlatformKey,
		def:         cfg.Default,
	}, nil
}

func newEmailField(b base, cfg Config) Field {
	return &mergeField{
		base:        b,
		fieldType:   TypeEmail,
		parent:      "",
		platformKey: EmailAddressKey,
		def:         cfg.Default,
	}
}

func (f *mergeField) Type() Type {
	return f.fieldType
}

func (f *mergeField) PlatformParentKey() string {
	return f.parent
}

func (f *mergeField) ToPlatform(crm Record) (Fragment, error) {
	v, err := crmValue(crm, f.crmKey)
	if err != nil {
		return Fragment{}, err
	}

	return Fragment{
		Values: map[string]interface{}{f.platformKey: f.value(crmString(v))},
	}, nil
}

func (f *mergeField) ToCrm(platform Record) ([]CrmValue, error) {
	v, err := platformValue(platform, f.parent, f.platformKey)
	if err != nil {
		return nil, err
	}

	return []CrmValue{{
		Key:   f.crmKey,
		Value: f.value(cast.ToString(v)),
		Mode:  ModeReplace,
	}}, nil
}

func (f *mergeField) value(s string) string {
	s = normalize(s)
	if s == "" {
		return f.def
	}
	return s
}
