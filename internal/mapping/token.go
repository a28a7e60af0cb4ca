package mapping

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
)

const tokenDateLayout = "2006-01-02"

// Token returns the hex HMAC-SHA256 of the lower-cased email followed by the
// validity date, keyed by secret.
func Token(email, secret string, validUntil time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strings.ToLower(strings.TrimSpace(email))))
	mac.Write([]byte(validUntil.UTC().Format(tokenDateLayout)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyToken checks a token produced by Token and that validUntil has not
// passed at now.
func VerifyToken(email, secret string, validUntil time.Time, token string, now time.Time) bool {
	if now.UTC().Format(tokenDateLayout) > validUntil.UTC().Format(tokenDateLayout) {
		return false
	}

	expected := Token(email, secret, validUntil)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(token)))
}

// tokenField renders a time boxed token for the record's email address so
// links (unsubscribe, profile) can be verified without storing anything.
type tokenField struct {
	base
	platformKey   string
	validUntilKey string
	validFor      int
	secret        string
	now           func() time.Time
}

func newTokenField(b base, cfg Config, o *options) (Field, error) {
	if err := requireOneWay(b, TypeToken); err != nil {
		return nil, err
	}

	if cfg.PlatformKey == "" {
		return nil, syncerr.Config("token field %q is missing platformKey", b.crmKey)
	}

	if cfg.Secret == "" {
		return nil, syncerr.Config("token field %q is missing secret", b.crmKey)
	}

	if cfg.ValidFor <= 0 {
		return nil, syncerr.Config("token field %q needs a positive validFor", b.crmKey)
	}

	return &tokenField{
		base:          b,
		platformKey:   cfg.PlatformKey,
		validUntilKey: cfg.ValidUntilKey,
		validFor:      cfg.ValidFor,
		secret:        cfg.Secret,
		now:           o.now,
	}, nil
}

func (f *tokenField) Type() Type {
	return TypeToken
}

func (f *tokenField) PlatformParentKey() string {
	return ParentMergeFields
}

func (f *tokenField) CanSyncToCrm() bool {
	return false
}

func (f *tokenField) ToPlatform(crm Record) (Fragment, error) {
	v, err := crmValue(crm, f.crmKey)
	if err != nil {
		return Fragment{}, err
	}

	validUntil := f.now().UTC().AddDate(0, 0, f.validFor)
	values := map[string]interface{}{
		f.platformKey: Token(crmString(v), f.secret, validUntil),
	}

	if f.validUntilKey != "" {
		values[f.validUntilKey] = validUntil.Format(tokenDateLayout)
	}

	return Fragment{Values: values}, nil
}

func (f *tokenField) ToCrm(platform Record) ([]CrmValue, error) {
	return nil, nil
}
