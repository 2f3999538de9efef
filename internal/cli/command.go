// Package cli implements the trexsync command line: it runs exports and
// imports locally against the same service, storage and catalog client as
// the HTTP server.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/JonMunkholm/trexsync/internal/config"
	"github.com/JonMunkholm/trexsync/internal/logging"
)

// Version is set at build time with -ldflags.
var Version = "dev"

// cliDefaults differ from the server: a local run keeps nothing unless a
// store is configured, and stays quiet.
var cliDefaults = map[string]string{
	"STORAGE_DRIVER":    "memory",
	"LOG_LEVEL":         "warn",
	"RETENTION_ENABLED": "false",
}

// flagKeys binds flags to configuration keys.
var flagKeys = map[string]string{
	"storage":         "STORAGE_DRIVER",
	"log-level":       "LOG_LEVEL",
	"catalog-url":     "CATALOG_BASE_URL",
	"catalog-user":    "CATALOG_USER",
	"catalog-company": "CATALOG_COMPANY",
}

// App carries the state shared by all commands.
type App struct {
	flags *Flags
	v     *viper.Viper
	cfg   *config.Config

	out    io.Writer
	errOut io.Writer
}

// NewApp creates an App writing results to out and progress to errOut.
func NewApp(flags *Flags, out, errOut io.Writer) *App {
	return &App{
		flags:  flags,
		v:      viper.New(),
		out:    out,
		errOut: errOut,
	}
}

// CreateRootCommand creates and configures the root cobra command.
func CreateRootCommand(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trexsync",
		Short: "Translation workbook sync for HR data models",
		Long: `trexsync exports translatable labels from data model documents and the
HR platform catalog into an Excel workbook, and imports the translated
workbook back into patched documents and catalog updates.

Examples:
  trexsync export --doc sdm.xml --locale de_DE --out sdm.xlsx
  trexsync import --workbook sdm-edited.xlsx --baseline sdm.xlsx --doc sdm.xml --out-dir out
  trexsync detect *.xml
  trexsync locales`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return app.init(cmd)
		},
	}

	setupFlags(rootCmd, app.flags)

	rootCmd.AddCommand(
		newExportCommand(app),
		newImportCommand(app),
		newLocalesCommand(app),
		newDetectCommand(app),
		newHistoryCommand(app),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command, flags *Flags) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&flags.CfgFile, "config", "", "config file (default is $HOME/.trexsync.yaml)")
	pf.StringVarP(&flags.Project, "project", "p", flags.Project, "project id runs are recorded under")
	pf.StringVar(&flags.Storage, "storage", "", "storage driver: memory, sqlite, filesystem or postgres")
	pf.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.StringVar(&flags.CatalogURL, "catalog-url", "", "HR platform API base URL")
	pf.StringVar(&flags.CatalogUser, "catalog-user", "", "catalog user name")
	pf.StringVar(&flags.CatalogCompany, "catalog-company", "", "catalog company id")
}

// init reads the config file and environment, then loads configuration with
// flags taking precedence.
func (a *App) init(cmd *cobra.Command) error {
	a.initViper()

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, ok := flagKeys[f.Name]
		if !ok || bindErr != nil {
			return
		}
		bindErr = a.v.BindPFlag(strings.ToLower(key), f)
	})
	if bindErr != nil {
		return bindErr
	}

	cfg, err := config.LoadWith(a.lookup)
	if err != nil {
		return err
	}
	a.cfg = cfg

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return nil
}

func (a *App) initViper() {
	if a.flags.CfgFile != "" {
		a.v.SetConfigFile(a.flags.CfgFile)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			a.v.AddConfigPath(home)
		}
		a.v.AddConfigPath(".")
		a.v.SetConfigType("yaml")
		a.v.SetConfigName(".trexsync")
	}

	a.v.SetEnvPrefix("TREXSYNC")
	a.v.AutomaticEnv()

	if err := a.v.ReadInConfig(); err == nil {
		fmt.Fprintln(a.errOut, "Using config file:", a.v.ConfigFileUsed())
	}
}

// lookup resolves a configuration key: flags, TREXSYNC_ variables and the
// config file first, then the plain environment variable, then CLI defaults.
// Config file keys are the variable names in lower case.
func (a *App) lookup(key string) string {
	if v := a.v.GetString(strings.ToLower(key)); v != "" {
		return v
	}
	if v := os.Getenv(key); v != "" {
		return v
	}
	return cliDefaults[key]
}
