package mapping

import (
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	"github.com/spf13/cast"
)

// tagField sets a single Mailchimp tag when the CRM value is one of the
// configured conditions.
type tagField struct {
	base
	tagName    string
	conditions []string
}

func newTagField(b base, cfg Config) (Field, error) {
	if err := requireOneWay(b, TypeTag); err != nil {
		return nil, err
	}

	if cfg.TagName == "" {
		return nil, syncerr.Config("tag field %q is missing tagName", b.crmKey)
	}

	if len(cfg.Conditions) == 0 {
		return nil, syncerr.Config("tag field %q is missing conditions", b.crmKey)
	}

	return &tagField{base: b, tagName: cfg.TagName, conditions: cfg.Conditions}, nil
}

func (f *tagField) Type() Type {
	return TypeTag
}

func (f *tagField) PlatformParentKey() string {
	return ParentTags
}

func (f *tagField) CanSyncToCrm() bool {
	return false
}

func (f *tagField) ToPlatform(crm Record) (Fragment, error) {
	v, err := crmValue(crm, f.crmKey)
	if err != nil {
		return Fragment{}, err
	}

	for _, value := range crmValues(v) {
		if stringSliceContains(f.conditions, value) {
			return Fragment{List: []string{f.tagName}}, nil
		}
	}

	return Fragment{List: []string{}}, nil
}

func (f *tagField) ToCrm(platform Record) ([]CrmValue, error) {
	return nil, nil
}

// autotagField copies a CRM list verbatim into the Mailchimp tags.
type autotagField struct {
	base
}

func newAutotagField(b base, cfg Config) (Field, error) {
	if err := requireOneWay(b, TypeAutotag); err != nil {
		return nil, err
	}
	return &autotagField{base: b}, nil
}

func (f *autotagField) Type() Type {
	return TypeAutotag
}

func (f *autotagField) PlatformParentKey() string {
	return ParentTags
}

func (f *autotagField) CanSyncToCrm() bool {
	return false
}

func (f *autotagField) ToPlatform(crm Record) (Fragment, error) {
	v, err := crmValue(crm, f.crmKey)
	if err != nil {
		return Fragment{}, err
	}

	tags := []string{}
	for _, value := range crmValues(v) {
		if value = normalize(value); value != "" {
			tags = append(tags, value)
		}
	}

	return Fragment{List: tags}, nil
}

func (f *autotagField) ToCrm(platform Record) ([]CrmValue, error) {
	return nil, nil
}

func crmValues(v interface{}) []string {
	switch v.(type) {
	case nil:
		return nil
	case []interface{}, []string:
		return cast.ToStringSlice(v)
	}
	return []string{cast.ToString(v)}
}

func stringSliceContains(slice []string, s string) bool {
	for _, v := range slice {
		if s == v {
			return true
		}
	}

	return false
}
