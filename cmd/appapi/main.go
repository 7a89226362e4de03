package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextcloud/app-api-sub001/pkg/client"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes
const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// usageError marks a failure caused by how the command was invoked
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...interface{}) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if err == nil {
		return exitOK
	}
	fmt.Fprintf(os.Stderr, "Error: %s\n", strings.ReplaceAll(err.Error(), "\n", " "))
	return exitCode(err)
}

func exitCode(err error) int {
	var usage *usageError
	if errors.As(err, &usage) || client.IsValidation(err) {
		return exitUsage
	}
	return exitFailure
}

var rootCmd = &cobra.Command{
	Use:   "appapi",
	Short: "AppAPI - deploy and run Nextcloud ExApps",
	Long: `AppAPI deploys Nextcloud external applications (ExApps) to Docker,
HaRP, Kubernetes or manually managed daemons, tracks their lifecycle and
proxies traffic to them.

Run "appapi serve" on the host, then manage daemons and ExApps with the
other commands.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"AppAPI version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	rootCmd.PersistentFlags().String("config", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().String("data-dir", "", "Data directory (overrides the configuration)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Bool("log-json", false, "Log as JSON")
	rootCmd.PersistentFlags().String("api", "http://127.0.0.1:8080", "AppAPI address, http(s)://host:port or unix:///path")
	rootCmd.PersistentFlags().String("token", "", "Admin token (default $APPAPI_ADMIN_TOKEN)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(appCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Args:  exactArgs(0),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "AppAPI version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}

// exactArgs is cobra.ExactArgs reporting a usage error
func exactArgs(n int) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := cobra.ExactArgs(n)(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

// requireFlags fails with a usage error unless every named flag was set
func requireFlags(names ...string) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		for _, name := range names {
			if !cmd.Flags().Changed(name) {
				return usageErrorf("required flag --%s not set", name)
			}
		}
		return nil
	}
}

// newClient connects to the API named by --api and --token
func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr, _ := cmd.Flags().GetString("api")
	token, _ := cmd.Flags().GetString("token")
	if token == "" {
		token = os.Getenv("APPAPI_ADMIN_TOKEN")
	}
	c, err := client.NewClient(addr, token)
	if err != nil {
		return nil, &usageError{err: err}
	}
	return c, nil
}
