package interop

import (
	"errors"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/newrelic/go-agent/v3/integrations/logcontext-v2/nrlogrus"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/notify"
	"github.com/newrelic/nr-crm-mailchimp-sync/internal/storage"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
)

const envPrefix = "CRM_MC_SYNC"

type Interop struct {
	App        *newrelic.Application
	Logger     *log.Logger
	Store      *storage.Store
	Notifier   notify.Sender
	ConfigDir  string
	AdminEmail string
	ListenAddr string
	// Configs are the sync configurations served by the webhook receiver
	// and scheduler.
	Configs []string

	logFile io.Closer
}

func NewInteroperability() (*Interop, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	viper.SetConfigName("config")
	viper.AddConfigPath("configs")
	viper.AddConfigPath(".")
	viper.SetEnvPrefix(envPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	configErr := viper.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	if configErr != nil && !errors.As(configErr, &notFound) {
		return nil, configErr
	}

	licenseKey := os.Getenv("NEW_RELIC_LICENSE_KEY")

	app, err := newrelic.NewApplication(
		newrelic.ConfigAppName(viper.GetString("newrelic.appName")),
		newrelic.ConfigLicense(licenseKey),
		newrelic.ConfigEnabled(licenseKey != ""),
		newrelic.ConfigAppLogForwardingEnabled(true),
	)
	if err != nil {
		return nil, err
	}

	logger := log.New()

	logger.SetLevel(log.WarnLevel)
	logger.SetFormatter(nrlogrus.NewFormatter(app, &log.TextFormatter{}))

	i := &Interop{
		App:        app,
		Logger:     logger,
		ConfigDir:  viper.GetString("configDir"),
		AdminEmail: viper.GetString("adminEmail"),
		ListenAddr: viper.GetString("server.listen"),
		Configs:    viper.GetStringSlice("configs"),
	}

	i.setupLogging()

	if configErr != nil {
		logger.Infof("no base configuration file found, using defaults and environment")
	}

	store, err := storage.Open(
		viper.GetString("storage.driver"),
		viper.GetString("storage.dsn"),
	)
	if err != nil {
		i.Shutdown()
		return nil, err
	}
	i.Store = store

	smtpConfig := notify.SMTPConfig{}
	if err := viper.UnmarshalKey("smtp", &smtpConfig); err != nil {
		i.Shutdown()
		return nil, err
	}
	i.Notifier = notify.NewSender(smtpConfig, logger)

	return i, nil
}

func setDefaults() {
	viper.SetDefault("newrelic.appName", "CRM Mailchimp Sync")
	viper.SetDefault("configDir", "configs")
	viper.SetDefault("storage.driver", storage.DriverSQLite)
	viper.SetDefault("storage.dsn", "crm-mailchimp-sync.db")
	viper.SetDefault("server.listen", ":8080")
	viper.SetDefault("smtp.port", 587)
}

// Shutdown flushes the agent and releases the database and log file.
func (i *Interop) Shutdown() error {
	i.App.Shutdown(time.Second * 3)

	var err error
	if i.Store != nil {
		err = multierr.Append(err, i.Store.Close())
	}
	if i.logFile != nil {
		err = multierr.Append(err, i.logFile.Close())
	}

	return err
}

func (i *Interop) setupLogging() {
	logLevel := viper.GetString("log.level")
	if logLevel != "" {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			i.Logger.Infof("failed to parse log level, default will be used: %s", err)
		} else {
			i.Logger.SetLevel(level)
		}
	}

	if viper.IsSet("log.fileName") {
		file, err := os.OpenFile(
			viper.GetString("log.fileName"),
			os.O_CREATE|os.O_WRONLY|os.O_APPEND,
			0666,
		)
		if err != nil {
			i.Logger.Infof("failed to log to file, using default stderr: %s", err)
		} else {
			i.Logger.Out = file
			i.logFile = file
		}
	}
}
