package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/bonial-oss/healthchecks-monitor/pkg/config"
	"github.com/bonial-oss/healthchecks-monitor/pkg/entry"
	"github.com/bonial-oss/healthchecks-monitor/pkg/integration"
	"github.com/bonial-oss/healthchecks-monitor/pkg/provider"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/log/zap"
	"sigs.k8s.io/controller-runtime/pkg/manager/signals"
)

var (
	debug bool

	log = logf.Log.WithName("main")
)

// NewRootCommand creates a new *cobra.Command that is used as the root command
// for healthchecks-monitor.
func NewRootCommand() *cobra.Command {
	options := config.NewDefaultOptions()

	cmd := &cobra.Command{
		Use:           "healthchecks-monitor",
		Short:         "Monitor the status of healthchecks.io checks",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logf.SetLogger(zap.New(zap.UseDevMode(debug)))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			err := options.Validate()
			if err != nil {
				return err
			}

			return Run(signals.SetupSignalHandler(), options)
		},
	}

	options.AddFlags(cmd)
	options.AddRunFlags(cmd)

	cmd.AddCommand(
		newAddCommand(options),
		newReauthCommand(options),
		newListCommand(options),
		newRemoveCommand(options),
	)

	return cmd
}

func main() {
	cmd := NewRootCommand()

	cmd.PersistentFlags().AddGoFlagSet(flag.CommandLine)

	cmd.PersistentFlags().BoolVar(&debug, "debug", debug, "Enable debug logging.")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newProviderFactory(options *config.Options) (provider.Factory, error) {
	if options.ClientConfigFile != "" {
		log.V(1).Info("loading client config", "config-file", options.ClientConfigFile)
	}

	err := options.LoadClientConfigFile()
	if err != nil {
		return nil, err
	}

	factory, err := provider.New(options.ProviderName, options.ClientConfig)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to initialize check provider")
	}

	return factory, nil
}

// Run sets up the integration manager and keeps the configured entries
// loaded until ctx is done.
func Run(ctx context.Context, options *config.Options) error {
	factory, err := newProviderFactory(options)
	if err != nil {
		return err
	}

	store := entry.NewFileStore(options.EntriesFile)

	mgr := integration.NewManager(factory, store, options.RetryInterval)

	g, ctx := errgroup.WithContext(ctx)

	if options.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		srv := &http.Server{
			Addr:              options.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			log.Info("serving metrics", "addr", options.MetricsAddr)

			err := srv.ListenAndServe()
			if err != nil && err != http.ErrServerClosed {
				return errors.Wrap(err, "failed to serve metrics")
			}

			return nil
		})

		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		log.Info("starting integration manager", "entries-file", options.EntriesFile)
		return mgr.Run(ctx)
	})

	err = g.Wait()
	if err != nil {
		return errors.Wrap(err, "unable to run integration manager")
	}

	return nil
}
