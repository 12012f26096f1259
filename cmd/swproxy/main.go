package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"swproxy/internal/swproxy"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("SWPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:          "swproxy",
		Short:        "Offline cache proxy",
		Long:         "swproxy sits in front of a site origin and keeps it usable offline:\nstatic assets are served cache-first, API paths network-first.",
		SilenceUsage: true,
	}
	fs := root.PersistentFlags()
	fs.String("config", "/swproxy.yaml", "path to swproxy.yaml (env SWPROXY_CONFIG)")
	fs.String("log-level", "", "override logging.level")
	fs.String("log-format", "", "override logging.format (text or json)")
	bindFlags(v, fs)

	root.AddCommand(newServeCmd(v), newGenerationsCmd(v))
	return root
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) {
	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
	})
}

// loadConfig reads the config file and applies flag and env overrides.
func loadConfig(v *viper.Viper) (swproxy.Config, *logrus.Logger, error) {
	cfg, err := swproxy.LoadConfig(v.GetString("config"))
	if err != nil {
		return swproxy.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	if lvl := v.GetString("log-level"); lvl != "" {
		cfg.Logging.Level = lvl
	}
	if f := v.GetString("log-format"); f != "" {
		cfg.Logging.Format = f
	}
	log, err := newLogger(cfg.Logging)
	if err != nil {
		return swproxy.Config{}, nil, err
	}
	return cfg, log, nil
}

func newLogger(cfg swproxy.LoggingConfig) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	if cfg.Level != "" {
		lvl, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging.level: %w", err)
		}
		log.SetLevel(lvl)
	}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, fmt.Errorf("logging.format: unknown %q (valid: text, json)", cfg.Format)
	}
	return log, nil
}
