package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/nextcloud/app-api-sub001/pkg/types"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage deploy daemons",
}

var daemonRegisterCmd = &cobra.Command{
	Use:   "register [NAME]",
	Short: "Register a deploy daemon",
	Long: `Register a deploy daemon, either from flags or from a YAML file.

Examples:
  # Local Docker Engine
  appapi daemon register docker_local --kind docker-install \
    --protocol unix-socket --host /var/run/docker.sock --net bridge

  # HaRP fronting a Docker Engine
  appapi daemon register harp_proxy --kind docker-install --protocol http \
    --host appapi-harp:8780 --harp --harp-shared-key secret \
    --harp-frp-address appapi-harp:8782

  # From a file
  appapi daemon register -f daemon.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDaemonRegister,
}

var daemonListCmd = &cobra.Command{
	Use:   "list",
	Short: "List deploy daemons",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		daemons, err := c.ListDaemons()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tKIND\tPROTOCOL\tHOST\tHARP\tREGISTRIES")
		for _, d := range daemons {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%t\t%d\n",
				d.Name, d.AcceptsDeployID, d.Protocol, d.Host, d.IsHarp(), len(d.DeployConfig.Registries))
		}
		return w.Flush()
	},
}

var daemonUnregisterCmd = &cobra.Command{
	Use:   "unregister NAME",
	Short: "Unregister a daemon and remove its ExApps",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.UnregisterDaemon(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Daemon %s unregistered\n", args[0])
		return nil
	},
}

var daemonHealthcheckCmd = &cobra.Command{
	Use:   "healthcheck NAME",
	Short: "Check that a daemon is reachable",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		resp, err := c.HealthcheckDaemon(args[0])
		if err != nil {
			return err
		}
		if !resp.Healthy {
			return fmt.Errorf("daemon %s is unhealthy: %s", resp.Name, resp.Error)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Daemon %s is healthy\n", resp.Name)
		return nil
	},
}

var daemonRegistryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Manage registry mappings of a daemon",
}

var daemonRegistryAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Add or replace a registry mapping",
	Long: `Rewrite images pulled from one registry to another, or to "local" to
use an image that is already present on the daemon.`,
	Args: exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := c.AddRegistryMapping(args[0], types.RegistryMapping{From: from, To: to}); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ %s → %s on daemon %s\n", from, to, args[0])
		return nil
	},
}

var daemonRegistryRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Remove a registry mapping",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, _ := cmd.Flags().GetString("from")

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := c.RemoveRegistryMapping(args[0], from); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Mapping for %s removed from daemon %s\n", from, args[0])
		return nil
	},
}

func init() {
	daemonCmd.AddCommand(daemonRegisterCmd)
	daemonCmd.AddCommand(daemonListCmd)
	daemonCmd.AddCommand(daemonUnregisterCmd)
	daemonCmd.AddCommand(daemonHealthcheckCmd)
	daemonCmd.AddCommand(daemonRegistryCmd)
	daemonRegistryCmd.AddCommand(daemonRegistryAddCmd)
	daemonRegistryCmd.AddCommand(daemonRegistryRemoveCmd)

	f := daemonRegisterCmd.Flags()
	f.StringP("file", "f", "", "YAML or JSON daemon definition")
	f.String("display-name", "", "Display name (defaults to the name)")
	f.String("kind", string(types.DeployKindDocker), "Deploy kind: docker-install, aio-docker-install, kubernetes-install, manual-install")
	f.String("protocol", string(types.ProtocolUnixSocket), "Protocol: unix-socket, http, https")
	f.String("host", "/var/run/docker.sock", "Daemon host, socket path or host:port")
	f.String("net", "", "Docker network for ExApp containers")
	f.String("nextcloud-url", "", "Nextcloud URL given to ExApps (defaults to the server setting)")
	f.String("compute-device", "", "GPU passthrough: cpu, cuda, rocm")
	f.Bool("harp", false, "The daemon is fronted by HaRP")
	f.String("harp-shared-key", "", "HaRP shared key")
	f.String("harp-frp-address", "", "HaRP FRP server address")
	f.Int("harp-docker-socket-port", 0, "FRP port of the remote Docker socket")
	f.Bool("harp-exapp-direct", false, "Reach ExApps directly instead of through FRP")

	daemonRegistryAddCmd.Flags().String("from", "", "Registry to rewrite (required)")
	daemonRegistryAddCmd.Flags().String("to", "", `Replacement registry, or "local" (required)`)
	daemonRegistryAddCmd.PreRunE = requireFlags("from", "to")
	daemonRegistryRemoveCmd.Flags().String("from", "", "Registry to rewrite (required)")
	daemonRegistryRemoveCmd.PreRunE = requireFlags("from")
}

func runDaemonRegister(cmd *cobra.Command, args []string) error {
	daemon, err := daemonFromFlags(cmd, args)
	if err != nil {
		return err
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	registered, err := c.RegisterDaemon(daemon)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Daemon %s registered (%s)\n", registered.Name, registered.AcceptsDeployID)
	return nil
}

// daemonFromFlags builds the daemon from --file, or from the flags and the
// NAME argument
func daemonFromFlags(cmd *cobra.Command, args []string) (*types.DaemonConfig, error) {
	f := cmd.Flags()

	if path, _ := f.GetString("file"); path != "" {
		if len(args) > 0 {
			return nil, usageErrorf("NAME and --file are mutually exclusive")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &usageError{err: fmt.Errorf("failed to read daemon file: %w", err)}
		}
		var daemon types.DaemonConfig
		// JSON is valid YAML
		if err := yaml.Unmarshal(data, &daemon); err != nil {
			return nil, &usageError{err: fmt.Errorf("failed to parse daemon file: %w", err)}
		}
		return &daemon, nil
	}

	if len(args) != 1 {
		return nil, usageErrorf("daemon NAME or --file is required")
	}

	kind, _ := f.GetString("kind")
	protocol, _ := f.GetString("protocol")
	daemon := &types.DaemonConfig{
		Name:            args[0],
		AcceptsDeployID: types.DeployKind(kind),
		Protocol:        types.DaemonProtocol(protocol),
	}
	daemon.DisplayName, _ = f.GetString("display-name")
	daemon.Host, _ = f.GetString("host")
	daemon.DeployConfig.Net, _ = f.GetString("net")
	daemon.DeployConfig.NextcloudURL, _ = f.GetString("nextcloud-url")

	if device, _ := f.GetString("compute-device"); device != "" {
		daemon.DeployConfig.ComputeDevice = &types.ComputeDevice{ID: device}
	}

	if harp, _ := f.GetBool("harp"); harp {
		daemon.DeployConfig.Harp = &types.HarpConfig{}
		daemon.DeployConfig.Harp.FRPAddress, _ = f.GetString("harp-frp-address")
		daemon.DeployConfig.Harp.DockerSocketPort, _ = f.GetInt("harp-docker-socket-port")
		daemon.DeployConfig.Harp.ExAppDirect, _ = f.GetBool("harp-exapp-direct")
		daemon.DeployConfig.HaproxyPassword, _ = f.GetString("harp-shared-key")
	}
	return daemon, nil
}
