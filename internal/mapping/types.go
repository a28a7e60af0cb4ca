package mapping

import (
	"regexp"
	"strings"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	"github.com/spf13/cast"
)

// Record is a decoded JSON object from either the CRM or Mailchimp.
type Record map[string]interface{}

type Type string

const (
	TypeMerge   Type = "merge"
	TypeEmail   Type = "email"
	TypeGroup   Type = "group"
	TypeTag     Type = "tag"
	TypeAutotag Type = "autotag"
	TypeToken   Type = "token"
)

type Direction string

const (
	SyncBoth           Direction = "both"
	SyncToPlatformOnly Direction = "toPlatformOnly"
	// accepted for older configuration files
	SyncToMailchimpOnly Direction = "toMailchimpOnly"
)

// Mode tells the CRM how to combine a written value with the stored one.
type Mode string

const (
	ModeReplace      Mode = "replace"
	ModeAppend       Mode = "append"
	ModeReplaceEmpty Mode = "replaceEmpty"
	ModeAddIfNew     Mode = "addIfNew"
)

// Mailchimp payload keys.
const (
	ParentMergeFields = "merge_fields"
	ParentInterests   = "interests"
	ParentTags        = "tags"
	EmailAddressKey   = "email_address"
)

// Config describes one field of a sync configuration as written in the
// configuration file.
type Config struct {
	CrmKey              string    `mapstructure:"crmKey"`
	Type                Type      `mapstructure:"type"`
	Sync                Direction `mapstructure:"sync"`
	PlatformKey         string    `mapstructure:"platformKey"`
	Default             string    `mapstructure:"default"`
	PlatformCategoryID  string    `mapstructure:"platformCategoryId"`
	TrueCondition       *string   `mapstructure:"trueCondition"`
	FalseCondition      *string   `mapstructure:"falseCondition"`
	TrueContainsString  *string   `mapstructure:"trueContainsString"`
	FalseContainsString *string   `mapstructure:"falseContainsString"`
	TagName             string    `mapstructure:"tagName"`
	Conditions          []string  `mapstructure:"conditions"`
	ValidFor            int       `mapstructure:"validFor"`
	ValidUntilKey       string    `mapstructure:"validUntilKey"`
	Secret              string    `mapstructure:"secret"`
}

// CrmValue is a single write into a CRM record.
type CrmValue struct {
	Key   string
	Value interface{}
	Mode  Mode
}

type CrmWrite struct {
	Value interface{} `json:"value"`
	Mode  Mode        `json:"mode"`
}

// CrmPayload is the body of a CRM member write: every key receives a list of
// values, each with its own write mode.
type CrmPayload map[string][]CrmWrite

func (p CrmPayload) Add(v CrmValue) {
	p[v.Key] = append(p[v.Key], CrmWrite{Value: v.Value, Mode: v.Mode})
}

var whitespaceRE = regexp.MustCompile(`\s+`)

func normalize(s string) string {
	return strings.TrimSpace(whitespaceRE.ReplaceAllString(s, " "))
}

func crmValue(crm Record, key string) (interface{}, error) {
	v, ok := crm[key]
	if !ok {
		return nil, syncerr.Parse("crm record is missing key %q", key)
	}
	return v, nil
}

// crmString flattens list-valued CRM fields (multi selects) into one string.
func crmString(v interface{}) string {
	switch v.(type) {
	case []interface{}, []string:
		return strings.Join(cast.ToStringSlice(v), " ")
	}
	return cast.ToString(v)
}

func toMap(v interface{}) (map[string]interface{}, error) {
	if r, ok := v.(Record); ok {
		return r, nil
	}
	return cast.ToStringMapE(v)
}

func platformValue(platform Record, parent, key string) (interface{}, error) {
	if parent == "" {
		v, ok := platform[key]
		if !ok {
			return nil, syncerr.Parse("mailchimp record is missing key %q", key)
		}
		return v, nil
	}

	raw, ok := platform[parent]
	if !ok {
		return nil, syncerr.Parse("mailchimp record is missing key %q", parent)
	}

	sub, err := toMap(raw)
	if err != nil {
		return nil, syncerr.Parse("mailchimp record key %q is not an object", parent)
	}

	v, ok := sub[key]
	if !ok {
		return nil, syncerr.Parse("mailchimp record is missing key %s.%s", parent, key)
	}

	return v, nil
}
