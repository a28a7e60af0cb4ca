// Package config loads the per deployment sync configurations. Each
// configuration lives in its own file named after the configuration.
package config

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/mapping"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/syncerr"
	"github.com/spf13/viper"
)

const envPrefix = "CRM_MC_SYNC"

type Crm struct {
	ClientID        string `mapstructure:"clientId" validate:"required"`
	ClientSecret    string `mapstructure:"clientSecret" validate:"required"`
	URL             string `mapstructure:"url" validate:"required,url"`
	TokenURL        string `mapstructure:"tokenUrl" validate:"omitempty,url"`
	RecordStatusKey string `mapstructure:"recordStatusKey" validate:"required"`
	EmailStatusKey  string `mapstructure:"emailStatusKey" validate:"required"`
	NotesKey        string `mapstructure:"notesKey" validate:"required"`
}

type Mailchimp struct {
	ApiKey string `mapstructure:"apiKey" validate:"required,contains=-"`
	ListID string `mapstructure:"listId" validate:"required"`
	URL    string `mapstructure:"url" validate:"omitempty,url"`

	// CrmIDMergeKey is the merge field linking a subscriber to its CRM member.
	CrmIDMergeKey string `mapstructure:"crmIdMergeKey" validate:"required"`
}

type DataOwner struct {
	Name  string `mapstructure:"name"`
	Email string `mapstructure:"email" validate:"required,email"`
}

type Webhook struct {
	Secret string `mapstructure:"secret"`
}

type Cron struct {
	Schedule             string   `mapstructure:"schedule"`
	BatchSize            int      `mapstructure:"batchSize" validate:"gt=0"`
	Limit                int      `mapstructure:"limit" validate:"gte=0"`
	LanguageTags         []string `mapstructure:"languageTags"`
	NewMemberGroupID     string   `mapstructure:"newMemberGroupId"`
	InterestsToSync      []string `mapstructure:"interestsToSync"`
	NewTag               string   `mapstructure:"newTag"`
	UpdatedWithinMonths  int      `mapstructure:"updatedWithinMonths" validate:"gte=0"`
	OptInOlderThanMonths int      `mapstructure:"optInOlderThanMonths" validate:"gte=0"`
	EntryChannelKey      string   `mapstructure:"entryChannelKey"`
	GroupKey             string   `mapstructure:"groupKey"`
	LanguageKey          string   `mapstructure:"languageKey"`
}

type Config struct {
	Name                            string           `mapstructure:"-"`
	Crm                             Crm              `mapstructure:"crm"`
	Mailchimp                       Mailchimp        `mapstructure:"mailchimp"`
	DataOwner                       DataOwner        `mapstructure:"dataOwner"`
	SyncAll                         bool             `mapstructure:"syncAll"`
	IgnoreSubscribeThroughMailchimp bool             `mapstructure:"ignoreSubscribeThroughMailchimp"`
	Webhook                         Webhook          `mapstructure:"webhook"`
	Cron                            Cron             `mapstructure:"cron"`
	Fields                          []mapping.Config `mapstructure:"fields" validate:"min=1"`
}

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func setDefaults(v *viper.Viper) {
	v.SetDefault("crm.recordStatusKey", "recordStatus")
	v.SetDefault("crm.emailStatusKey", "emailStatus")
	v.SetDefault("crm.notesKey", "notesCountry")
	v.SetDefault("cron.batchSize", 500)
	v.SetDefault("cron.limit", 0)
	v.SetDefault("mailchimp.crmIdMergeKey", "CRMID")
	v.SetDefault("cron.newTag", "new")
	v.SetDefault("cron.updatedWithinMonths", 1)
	v.SetDefault("cron.optInOlderThanMonths", 0)
	v.SetDefault("cron.entryChannelKey", "entryChannel")
	v.SetDefault("cron.groupKey", "groups")
	v.SetDefault("cron.languageKey", "language")
}

// Load reads <dir>/<name>.{yml,yaml,json}. Any problem with the file or its
// contents is a configuration error.
func Load(dir, name string) (*Config, error) {
	if !nameRE.MatchString(name) {
		return nil, syncerr.Config("invalid configuration name %q", name)
	}

	v := viper.New()
	v.SetConfigName(name)
	v.AddConfigPath(dir)
	v.SetEnvPrefix(envPrefix + "_" + strings.ToUpper(name))
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, syncerr.Wrap(
				syncerr.CodeInvalidConfig,
				err,
				"configuration %q not found in %s",
				name,
				dir,
			)
		}
		return nil, syncerr.Wrap(syncerr.CodeInvalidConfig, err, "read configuration %q", name)
	}

	return decode(v, name)
}

func decode(v *viper.Viper, name string) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, syncerr.Wrap(syncerr.CodeInvalidConfig, err, "decode configuration %q", name)
	}

	cfg.Name = name

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks required keys and the field map definitions.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s (%s)", fe.Namespace(), fe.Tag()))
			}
			return syncerr.Config(
				"configuration %q is invalid: %s",
				c.Name,
				strings.Join(fields, ", "),
			)
		}
		return syncerr.Wrap(syncerr.CodeInvalidConfig, err, "validate configuration %q", c.Name)
	}

	if _, err := c.Mapper(); err != nil {
		return err
	}

	return nil
}

func (c *Config) Mapper(opts ...mapping.Option) (*mapping.Mapper, error) {
	return mapping.NewMapper(c.Fields, opts...)
}

// TokenEndpoint falls back to the CRM's default token endpoint.
func (c *Crm) TokenEndpoint() string {
	if c.TokenURL != "" {
		return c.TokenURL
	}
	return strings.TrimRight(c.URL, "/") + "/oauth/token"
}
