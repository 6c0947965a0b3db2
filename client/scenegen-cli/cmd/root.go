package cmd

import (
	"SceneGen/backend/go/pkg/discovery/etcd"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL     string
	timeout       time.Duration
	etcdEndpoints []string
	serviceName   string
)

var rootCmd = &cobra.Command{
	Use:           "scenegen-cli",
	Short:         "A CLI client for the SceneGen reconstruction service",
	Long:          `A command-line interface for submitting 3D reconstruction jobs, following their progress and fetching results.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if len(etcdEndpoints) == 0 {
			return nil
		}
		return resolveServer(cmd.Context())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func init() {
	defaultServer := os.Getenv("SCENEGEN_SERVER")
	if defaultServer == "" {
		defaultServer = "http://localhost:3080"
	}
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", defaultServer, "base URL of the reconstruction service (env SCENEGEN_SERVER)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Minute, "HTTP request timeout")
	rootCmd.PersistentFlags().StringSliceVar(&etcdEndpoints, "etcd", nil, "etcd endpoints; when set, --server is looked up in the service registry")
	rootCmd.PersistentFlags().StringVar(&serviceName, "service", "scenegen/reconstruction", "service name registered in etcd")
}

type registry interface {
	Discover(ctx context.Context, serviceName string) ([]string, error)
	Close() error
}

var openRegistry = func(endpoints []string) (registry, error) {
	sd, err := etcd.NewServiceDiscovery(endpoints)
	if err != nil {
		return nil, err
	}
	return sd, nil
}

// resolveServer replaces serverURL with the first registered instance.
func resolveServer(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sd, err := openRegistry(etcdEndpoints)
	if err != nil {
		return fmt.Errorf("connect to etcd: %w", err)
	}
	defer sd.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addrs, err := sd.Discover(ctx, serviceName)
	if err != nil {
		return fmt.Errorf("discover %s: %w", serviceName, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("no instance of %s registered", serviceName)
	}
	serverURL = addrs[0]
	return nil
}

func newClient() *apiClient {
	return newAPIClient(serverURL, timeout)
}
