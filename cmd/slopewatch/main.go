// slopewatch tracks slope displacement sensors, detects the onset of
// accelerating movement and forecasts the time of failure from the
// inverse-velocity trend.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"
	"k8s.io/client-go/rest"
	"k8s.io/klog/v2"

	"slopewatch/pkg/config"
	"slopewatch/pkg/kube"
	"slopewatch/pkg/merge"
	"slopewatch/pkg/runner"
	"slopewatch/pkg/watch"
)

var version = "dev"

type options struct {
	configFile  string
	kubeEnabled bool
	kubeconfig  string
	cmNamespace string
	cmName      string
	mergeOnce   bool
}

func main() {
	opts := &options{}

	root := &cobra.Command{
		Use:   "slopewatch",
		Short: "Slope early-warning engine",
		Long: `slopewatch reads displacement time series from slope monitoring sensors,
smooths them, estimates velocity and inverse velocity, detects the onset of
acceleration and predicts the failure time from the inverse-velocity trend.`,
		Version:      version,
		SilenceUsage: true,
	}

	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configFile, "config", "", "Path to a YAML configuration file")
	pf.BoolVar(&opts.kubeEnabled, "kube", false, "Read configuration overrides from a Kubernetes ConfigMap")
	pf.StringVar(&opts.kubeconfig, "kubeconfig", "", "Path to a kubeconfig file (default: KUBECONFIG, ~/.kube/config, in-cluster)")
	pf.StringVar(&opts.cmNamespace, "configmap-namespace", config.DefaultNamespace, "Namespace of the configuration ConfigMap")
	pf.StringVar(&opts.cmName, "configmap-name", config.DefaultConfigMapName, "Name of the configuration ConfigMap")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Process every configured sensor once",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runBatch(cmd.Context(), opts)
			},
		},
		&cobra.Command{
			Use:   "watch",
			Short: "Process sensors on the poll interval and serve health endpoints",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runWatch(cmd.Context(), opts)
			},
		},
		newMergeCommand(opts),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := fang.Execute(ctx, root)
	klog.Flush()
	if err != nil {
		stop()
		os.Exit(1)
	}
}

func newMergeCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge vendor CSV drops into one file per sensor group",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig(cmd.Context(), opts)
			if err != nil {
				return err
			}
			m := merge.NewMerger(cfg.Merge)
			if opts.mergeOnce {
				return m.RunOnce(cmd.Context())
			}
			return ignoreCancel(m.Run(cmd.Context()))
		},
	}
	cmd.Flags().BoolVar(&opts.mergeOnce, "once", false, "Run a single merge pass and exit")
	return cmd
}

// loadConfig loads the configuration and, when Kubernetes is in use, returns
// the rest config for the ConfigMap exporter.
func loadConfig(ctx context.Context, opts *options) (*config.Config, *rest.Config, error) {
	loadOpts := config.LoadOptions{
		File:          opts.configFile,
		Namespace:     opts.cmNamespace,
		ConfigMapName: opts.cmName,
	}

	var clients *kube.Clients
	if opts.kubeEnabled {
		var err error
		clients, err = kube.NewClients(opts.kubeconfig)
		if err != nil {
			return nil, nil, err
		}
		loadOpts.Client = clients.Clientset
	}

	cfg, err := config.Load(ctx, loadOpts)
	if err != nil {
		return nil, nil, err
	}

	if cfg.ConfigMapExport && clients == nil {
		clients, err = kube.NewClients(opts.kubeconfig)
		if err != nil {
			return nil, nil, err
		}
	}
	if clients == nil {
		return cfg, nil, nil
	}
	return cfg, clients.Config, nil
}

func runBatch(ctx context.Context, opts *options) error {
	cfg, restConfig, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	if len(cfg.Sensors) == 0 {
		return fmt.Errorf("no sensors configured")
	}

	r, err := runner.NewFromConfig(cfg, restConfig)
	if err != nil {
		return err
	}
	res, err := watch.NewWatcher(cfg, r, nil).RunOnce(ctx)
	for _, s := range res.Summaries {
		status := "none"
		if s.Prediction != nil {
			status = string(s.Prediction.Status)
		}
		klog.InfoS("Sensor result",
			"sensor", s.SensorID,
			"iterations", s.Iterations,
			"onsetDetected", s.Onset.Detected,
			"onsetIteration", s.Onset.Index,
			"prediction", status)
	}
	return err
}

func runWatch(ctx context.Context, opts *options) error {
	cfg, restConfig, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}
	if len(cfg.Sensors) == 0 {
		return fmt.Errorf("no sensors configured")
	}

	r, err := runner.NewFromConfig(cfg, restConfig)
	if err != nil {
		return err
	}

	var health *watch.HealthServer
	if cfg.HealthPort > 0 {
		health = watch.NewHealthServer(cfg.PollInterval.Duration)
	}
	w := watch.NewWatcher(cfg, r, health)
	if health != nil {
		health.Start(ctx, cfg.HealthPort)
	}
	return ignoreCancel(w.Run(ctx))
}

// ignoreCancel treats a signal-driven shutdown as success.
func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		klog.InfoS("Shutting down")
		return nil
	}
	return err
}
