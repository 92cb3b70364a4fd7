package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"storefront/internal/app"
	"storefront/internal/config"
	"storefront/internal/covers"
	"storefront/internal/util"
)

type rootOptions struct {
	configPath string
	profile    string
	assumeYes  bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "storefront",
		Short:         "Bookstore session and cart client",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default config.yaml or $STOREFRONT_CONFIG)")
	root.PersistentFlags().StringVar(&opts.profile, "profile", "", "storage profile; contexts sharing a profile share a session and cart")
	root.PersistentFlags().BoolVarP(&opts.assumeYes, "yes", "y", false, "answer yes to confirmation prompts")

	root.AddCommand(
		newLoginCmd(opts),
		newLogoutCmd(opts),
		newWhoamiCmd(opts),
		newCartCmd(opts),
		newCheckoutCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

// withApp loads config, starts one storefront context for the duration of fn
// and disposes it afterwards.
func withApp(cmd *cobra.Command, opts *rootOptions, fn func(ctx context.Context, a *app.App, prompt *promptConfirmer) error) error {
	fileCfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if opts.profile != "" {
		fileCfg.Profile = opts.profile
	}
	logger := util.InitLogger(fileCfg.LogLevel)

	appCfg, err := appConfig(fileCfg)
	if err != nil {
		return err
	}
	appCfg.Logger = logger
	prompt := newPromptConfirmer(cmd.InOrStdin(), cmd.OutOrStdout(), opts.assumeYes)
	appCfg.Confirmer = prompt

	a, err := app.New(appCfg)
	if err != nil {
		return fmt.Errorf("init storefront: %w", err)
	}
	defer func() {
		if err := a.Dispose(); err != nil {
			logger.Warn("dispose failed", "err", err)
		}
	}()

	// One correlation id per invocation, stamped on every service call it makes.
	ctx := util.WithRequestID(cmd.Context())
	if err := a.Init(ctx); err != nil {
		return err
	}
	return fn(ctx, a, prompt)
}

func appConfig(cfg config.FileConfig) (app.Config, error) {
	durations, err := config.ParseDurations(cfg)
	if err != nil {
		return app.Config{}, err
	}
	return app.Config{
		Profile:                 cfg.Profile,
		AuthServiceURL:          cfg.AuthServiceURL,
		CatalogServiceURL:       cfg.CatalogServiceURL,
		OrderServiceURL:         cfg.OrderServiceURL,
		RequestTimeout:          durations.RequestTimeout,
		StoreDriver:             cfg.StoreDriver,
		StorePath:               cfg.StorePath,
		RedisAddr:               cfg.RedisAddr,
		RedisPassword:           cfg.RedisPassword,
		DatabaseURL:             cfg.DatabaseURL,
		EncryptionKey:           cfg.EncryptionKey,
		RelayDriver:             cfg.RelayDriver,
		RelayChannel:            cfg.RelayChannel,
		AMQPURL:                 cfg.AMQPURL,
		RefreshSafetyMargin:     durations.RefreshSafetyMargin,
		CatalogConcurrency:      cfg.CatalogConcurrency,
		LoginRateLimitPerMinute: cfg.LoginRateLimitPerMinute,
		Covers: covers.MinioConfig{
			Endpoint:  cfg.CoverEndpoint,
			AccessKey: cfg.CoverAccessKey,
			SecretKey: cfg.CoverSecretKey,
			Bucket:    cfg.CoverBucket,
			Region:    cfg.CoverRegion,
			UseSSL:    cfg.CoverUseSSL,
		},
		CoverURLExpiry: durations.CoverURLExpiry,
	}, nil
}
