package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/procagent/internal/db"
	"github.com/MrWong99/procagent/internal/mcp"
)

func newToolsCmd(c *cli) *cobra.Command {
	var (
		tenant string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools offered to a tenant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			application, err := c.newApp(ctx, false)
			if err != nil {
				return err
			}
			defer application.Shutdown(context.Background())

			reg, err := application.Registry(ctx, c.tenantOr(tenant))
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(reg.Definitions())
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tPARAMETERS\tDESCRIPTION")
			for _, s := range reg.ListSpecs() {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", s.Name, len(s.Parameters), s.Description)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant (default: database.default_tenant)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the model-facing function definitions as JSON")
	return cmd
}

func newCallCmd(c *cli) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "call <tool> [json-arguments]",
		Short: "Dispatch one tool call and print the result",
		Example: `  procagent call add '{"a": 2, "b": 3}'
  procagent call SearchCustomers '{"LastName": "Smith"}' --tenant acme`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			application, err := c.newApp(ctx, false)
			if err != nil {
				return err
			}
			defer application.Shutdown(context.Background())

			t := c.tenantOr(tenant)
			reg, err := application.Registry(ctx, t)
			if err != nil {
				return err
			}
			var raw string
			if len(args) == 2 {
				raw = args[1]
			}
			res := reg.DispatchJSON(db.WithTenant(ctx, t), args[0], raw)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(res); err != nil {
				return err
			}
			if !res.Success {
				return fmt.Errorf("tool %s failed", args[0])
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant (default: database.default_tenant)")
	return cmd
}

func newMCPCmd(c *cli) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the tool registry as an MCP server over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			application, err := c.newApp(ctx, false)
			if err != nil {
				return err
			}
			defer application.Shutdown(context.Background())

			t := c.tenantOr(tenant)
			reg, err := application.Registry(ctx, t)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "procagent mcp: serving %d tools for tenant %s on stdio\n", reg.Len(), t)
			return mcp.ServeStdio(ctx, reg, version, mcp.WithTenant(t))
		},
	}
	cmd.Flags().StringVarP(&tenant, "tenant", "t", "", "tenant (default: database.default_tenant)")
	return cmd
}

func (c *cli) tenantOr(tenant string) string {
	if tenant != "" {
		return tenant
	}
	return c.cfg.Database.DefaultTenant
}
