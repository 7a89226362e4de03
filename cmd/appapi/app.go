package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/nextcloud/app-api-sub001/pkg/api"
	"github.com/nextcloud/app-api-sub001/pkg/types"
)

var appCmd = &cobra.Command{
	Use:     "app",
	Aliases: []string{"exapp"},
	Short:   "Manage ExApps",
}

var appDeployCmd = &cobra.Command{
	Use:   "deploy APPID",
	Short: "Deploy an ExApp to a daemon",
	Long: `Deploy an ExApp described by an info.xml or JSON manifest.

Examples:
  appapi app deploy context_chat --daemon docker_local --manifest info.xml
  appapi app deploy my_app --daemon manual --manifest info.json \
    --json-info '{"appid":"my_app","version":"1.0.0","port":23000,"host":"localhost","secret":"..."}'`,
	Args: exactArgs(1),
	RunE: runAppDeploy,
}

var appUpdateCmd = &cobra.Command{
	Use:   "update APPID",
	Short: "Update a deployed ExApp to a new manifest",
	Args:  exactArgs(1),
	RunE:  runAppUpdate,
}

var appRemoveCmd = &cobra.Command{
	Use:   "remove APPID",
	Short: "Remove an ExApp",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keep, _ := cmd.Flags().GetBool("keep-container")
		removeData, _ := cmd.Flags().GetBool("remove-data")
		force, _ := cmd.Flags().GetBool("force")
		if keep && removeData {
			return usageErrorf("--keep-container and --remove-data are mutually exclusive")
		}

		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if err := c.RemoveExApp(args[0], keep, removeData, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ ExApp %s removed\n", args[0])
		return nil
	},
}

var appListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ExApps",
	Args:  exactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		apps, err := c.ListExApps()
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "APPID\tVERSION\tDAEMON\tENABLED\tSTATE\tPROGRESS")
		for _, app := range apps {
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%d%%\n",
				app.AppID, app.Version, app.DaemonConfigName, app.Enabled, app.Status.State, app.Status.Progress)
		}
		return w.Flush()
	},
}

var appInfoCmd = &cobra.Command{
	Use:   "info APPID",
	Short: "Show an ExApp, or its identity document with --daemon",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if daemon, _ := cmd.Flags().GetString("daemon"); daemon != "" {
			info, err := c.ExAppInfo(args[0], daemon)
			if err != nil {
				return err
			}
			return printJSON(cmd, info)
		}

		app, err := c.GetExApp(args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd, app)
	},
}

var appEnableCmd = &cobra.Command{
	Use:   "enable APPID",
	Short: "Enable an ExApp",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := c.EnableExApp(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ ExApp %s enabled\n", args[0])
		return nil
	},
}

var appDisableCmd = &cobra.Command{
	Use:   "disable APPID",
	Short: "Disable an ExApp",
	Args:  exactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient(cmd)
		if err != nil {
			return err
		}
		defer c.Close()

		if _, err := c.DisableExApp(args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ ExApp %s disabled\n", args[0])
		return nil
	},
}

func init() {
	appCmd.AddCommand(appDeployCmd)
	appCmd.AddCommand(appUpdateCmd)
	appCmd.AddCommand(appRemoveCmd)
	appCmd.AddCommand(appListCmd)
	appCmd.AddCommand(appInfoCmd)
	appCmd.AddCommand(appEnableCmd)
	appCmd.AddCommand(appDisableCmd)

	for _, cmd := range []*cobra.Command{appDeployCmd, appUpdateCmd} {
		cmd.Flags().StringP("manifest", "m", "", "info.xml or JSON manifest (required)")
		cmd.Flags().StringArrayP("env", "e", nil, "Environment variable KEY=VALUE (repeatable)")
	}
	appDeployCmd.Flags().StringP("daemon", "d", "", "Daemon to deploy to (required)")
	appDeployCmd.Flags().String("json-info", "", "Identity of a running manual-install ExApp, as JSON or @file")
	appDeployCmd.PreRunE = requireFlags("manifest", "daemon")
	appUpdateCmd.PreRunE = requireFlags("manifest")

	appUpdateCmd.Flags().StringSlice("approved-scopes", nil, "Scopes accepted for this update")
	appUpdateCmd.Flags().Bool("rotate-secret", false, "Issue a new ExApp secret")

	appRemoveCmd.Flags().Bool("keep-container", false, "Only unregister, leave the deployment running")
	appRemoveCmd.Flags().Bool("remove-data", false, "Also delete the ExApp data volume")
	appRemoveCmd.Flags().Bool("force", false, "Unregister even if the remote removal fails")

	appInfoCmd.Flags().String("daemon", "", "Resolve the identity document against this daemon")
}

func runAppDeploy(cmd *cobra.Command, args []string) error {
	manifest, env, err := manifestFlags(cmd)
	if err != nil {
		return err
	}
	daemon, _ := cmd.Flags().GetString("daemon")

	req := api.DeployExApp{
		AppID:    args[0],
		Daemon:   daemon,
		Manifest: manifest,
		Env:      env,
	}
	if v, _ := cmd.Flags().GetString("json-info"); v != "" {
		info, err := readJSONInfo(v)
		if err != nil {
			return err
		}
		req.JSONInfo = info
	}

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Deploying %s %s to %s...\n", args[0], manifest.Version, daemon)
	app, err := c.DeployExApp(req)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ ExApp %s deployed (%s)\n", app.AppID, app.Status.State)
	return nil
}

func runAppUpdate(cmd *cobra.Command, args []string) error {
	manifest, env, err := manifestFlags(cmd)
	if err != nil {
		return err
	}
	scopes, _ := cmd.Flags().GetStringSlice("approved-scopes")
	rotate, _ := cmd.Flags().GetBool("rotate-secret")

	c, err := newClient(cmd)
	if err != nil {
		return err
	}
	defer c.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Updating %s to %s...\n", args[0], manifest.Version)
	app, err := c.UpdateExApp(args[0], api.UpdateExApp{
		Manifest:       manifest,
		Env:            env,
		ApprovedScopes: scopes,
		RotateSecret:   rotate,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ ExApp %s updated to %s\n", app.AppID, app.Version)
	return nil
}

// manifestFlags loads --manifest and parses the --env pairs
func manifestFlags(cmd *cobra.Command) (*types.Manifest, map[string]string, error) {
	path, _ := cmd.Flags().GetString("manifest")
	manifest, err := types.LoadManifest(path)
	if err != nil {
		return nil, nil, &usageError{err: err}
	}

	pairs, _ := cmd.Flags().GetStringArray("env")
	env, err := parseEnv(pairs)
	if err != nil {
		return nil, nil, err
	}
	return manifest, env, nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, usageErrorf("invalid --env %q, expected KEY=VALUE", pair)
		}
		env[key] = value
	}
	return env, nil
}

// readJSONInfo accepts inline JSON or @path
func readJSONInfo(v string) (json.RawMessage, error) {
	data := []byte(v)
	if path, ok := strings.CutPrefix(v, "@"); ok {
		var err error
		if data, err = os.ReadFile(path); err != nil {
			return nil, &usageError{err: fmt.Errorf("failed to read --json-info: %w", err)}
		}
	}
	if !json.Valid(data) {
		return nil, usageErrorf("--json-info is not valid JSON")
	}
	return json.RawMessage(data), nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
