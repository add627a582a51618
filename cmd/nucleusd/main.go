// Command nucleusd hosts an engine: it loads configuration, starts the
// facade, registers a couple of demonstration actions, and blocks until
// a shutdown signal arrives.
//
// Grounded on the teacher's cli/root.go (cobra root command, viper
// flag/env/file precedence, signal-driven graceful shutdown), trimmed of
// the HTTP server, RabbitMQ, and CouchDB wiring that belong to the
// teacher's own domain.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"nucleus.evalgo.org/common"
	"nucleus.evalgo.org/config"
	"nucleus.evalgo.org/dispatcher"
	"nucleus.evalgo.org/engine"
	"nucleus.evalgo.org/registry"
	"nucleus.evalgo.org/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "nucleusd",
	Short: "runs a nucleus action engine",
	RunE:  run,
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.nucleusd.yaml)")
	rootCmd.PersistentFlags().String("redis-url", "", "store connection URL")
	rootCmd.PersistentFlags().String("default-queue", "", "default action queue name")
	rootCmd.PersistentFlags().String("engine-name", "", "engine instance name")
	rootCmd.PersistentFlags().String("env", "", "development, testing, or production")
	rootCmd.PersistentFlags().String("autodiscover-dir", "", "directory passed to the metadata ingestor, if set")

	viper.BindPFlag("redis_url", rootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("default_queue", rootCmd.PersistentFlags().Lookup("default-queue"))
	viper.BindPFlag("engine_name", rootCmd.PersistentFlags().Lookup("engine-name"))
	viper.BindPFlag("env", rootCmd.PersistentFlags().Lookup("env"))
	viper.BindPFlag("autodiscover_dir", rootCmd.PersistentFlags().Lookup("autodiscover-dir"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".nucleusd")
	}
	viper.SetEnvPrefix("NUCLEUS")
	viper.AutomaticEnv()
	_ = viper.ReadInConfig()
}

func run(cmd *cobra.Command, args []string) error {
	env := config.Load()
	if v := viper.GetString("redis_url"); v != "" {
		env.StoreURL = v
	}
	if v := viper.GetString("default_queue"); v != "" {
		env.DefaultQueue = v
	}
	if v := viper.GetString("engine_name"); v != "" {
		env.EngineName = v
	}
	if v := viper.GetString("env"); v != "" {
		env.Environment = config.Environment(v)
	}
	if v := viper.GetString("autodiscover_dir"); v != "" {
		env.Autodiscover = v
	}

	loggerConfig := common.DefaultLoggerConfig()
	if env.Environment == config.Production {
		loggerConfig.Format = "json"
	} else {
		loggerConfig.Level = common.LogLevelDebug
	}
	log := logrus.NewEntry(common.NewLogger(loggerConfig))

	e := engine.New(env, log)
	defer e.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := registerDemoActions(ctx, e); err != nil {
		return fmt.Errorf("nucleusd: register demo actions: %w", err)
	}

	build := version.GetBuildInfo()
	log.WithFields(logrus.Fields{
		"engine_name":   env.EngineName,
		"default_queue": env.DefaultQueue,
		"store_url":     common.MaskSecret(env.StoreURL),
		"go_version":    build.GoVersion,
	}).Info("nucleus engine ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	return nil
}

// registerDemoActions installs the two scenario-1/scenario-2 style
// handlers from the engine's testable properties so a freshly started
// nucleusd has something to dispatch to out of the box.
func registerDemoActions(ctx context.Context, e *engine.Engine) error {
	if err := e.RegisterHandler(ctx, "Echo", func(ctx context.Context, host *dispatcher.HostContext, args ...interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"echoed": args}, nil
	}, nil); err != nil {
		return err
	}
	if err := e.StoreActionConfiguration(ctx, registry.ActionConfiguration{
		ActionName:      "Echo",
		ActionSignature: []string{"options"},
		ContextName:     "Self",
	}); err != nil {
		return err
	}

	if err := e.RegisterHandler(ctx, "Ping", func(ctx context.Context, host *dispatcher.HostContext, args ...interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"pong": true}, nil
	}, nil); err != nil {
		return err
	}
	return e.StoreActionConfiguration(ctx, registry.ActionConfiguration{
		ActionName:      "Ping",
		ActionSignature: []string{},
		ContextName:     "Self",
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Fatal("nucleusd exited with error")
	}
}
