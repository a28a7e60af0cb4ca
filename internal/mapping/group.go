package mapping

import (
	"strings"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	"github.com/spf13/cast"
)

type conditionKind int

const (
	// exact match of the CRM value against a literal
	boolCondition conditionKind = iota
	// substring match, false marker checked first
	containsCondition
)

type groupCondition struct {
	kind       conditionKind
	trueValue  string
	falseValue string
}

func newGroupCondition(crmKey string, cfg Config) (groupCondition, error) {
	hasBool := cfg.TrueCondition != nil || cfg.FalseCondition != nil
	hasContains := cfg.TrueContainsString != nil || cfg.FalseContainsString != nil

	switch {
	case hasBool && hasContains:
		return groupCondition{}, syncerr.Config(
			"group field %q mixes trueCondition/falseCondition with trueContainsString/falseContainsString",
			crmKey,
		)

	case hasBool:
		if cfg.TrueCondition == nil || cfg.FalseCondition == nil {
			return groupCondition{}, syncerr.Config(
				"group field %q needs both trueCondition and falseCondition",
				crmKey,
			)
		}
		return groupCondition{
			kind:       boolCondition,
			trueValue:  *cfg.TrueCondition,
			falseValue: *cfg.FalseCondition,
		}, nil

	case hasContains:
		if cfg.TrueContainsString == nil || cfg.FalseContainsString == nil {
			return groupCondition{}, syncerr.Config(
				"group field %q needs both trueContainsString and falseContainsString",
				crmKey,
			)
		}
		return groupCondition{
			kind:       containsCondition,
			trueValue:  *cfg.TrueContainsString,
			falseValue: *cfg.FalseContainsString,
		}, nil
	}

	return groupCondition{}, syncerr.Config("group field %q has no condition", crmKey)
}

// fromCrm derives the interest flag from a CRM value.
func (c groupCondition) fromCrm(v string) bool {
	if c.kind == boolCondition {
		return v == c.trueValue
	}

	if strings.Contains(v, c.falseValue) {
		return false
	}

	return strings.Contains(v, c.trueValue)
}

// toCrm renders an interest flag as the CRM value for this condition.
func (c groupCondition) toCrm(b bool) string {
	if b {
		return c.trueValue
	}
	return c.falseValue
}

// Text fields matched by substring accumulate markers, so they are appended
// to instead of overwritten.
func (c groupCondition) mode() Mode {
	if c.kind == containsCondition {
		return ModeAppend
	}
	return ModeReplace
}

// groupField maps a CRM condition to a Mailchimp interest flag.
type groupField struct {
	base
	interestID string
	cond       groupCondition
}

// newGroupField keys the interest flag on platformKey, falling back to
// platformCategoryId.
func newGroupField(b base, cfg Config) (Field, error) {
	interestID := cfg.PlatformKey
	if interestID == "" {
		interestID = cfg.PlatformCategoryID
	}
	if interestID == "" {
		return nil, syncerr.Config("group field %q is missing platformCategoryId", b.crmKey)
	}

	cond, err := newGroupCondition(b.crmKey, cfg)
	if err != nil {
		return nil, err
	}

	return &groupField{
		base:       b,
		interestID: interestID,
		cond:       cond,
	}, nil
}

func (f *groupField) Type() Type {
	return TypeGroup
}

func (f *groupField) PlatformParentKey() string {
	return ParentInterests
}

func (f *groupField) ToPlatform(crm Record) (Fragment, error) {
	v, err := crmValue(crm, f.crmKey)
	if err != nil {
		return Fragment{}, err
	}

	return Fragment{
		Values: map[string]interface{}{f.interestID: f.cond.fromCrm(crmString(v))},
	}, nil
}

func (f *groupField) ToCrm(platform Record) ([]CrmValue, error) {
	v, err := platformValue(platform, ParentInterests, f.interestID)
	if err != nil {
		return nil, err
	}

	return []CrmValue{{
		Key:   f.crmKey,
		Value: f.cond.toCrm(cast.ToBool(v)),
		Mode:  f.cond.mode(),
	}}, nil
}
