// Package cli is the message-router command line.
package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"message-router/internal/app"
	"message-router/internal/config"
	"message-router/internal/message"
	"message-router/internal/transport"
)

// Execute runs the root command.
func Execute() error {
	return NewRootCmd(transport.DefaultRegistry()).Execute()
}

// NewRootCmd builds the command tree. registry resolves binding types for
// validate and match.
func NewRootCmd(registry *transport.Registry) *cobra.Command {
	root := &cobra.Command{
		Use:           "message-router",
		Short:         "Content-based message router",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newValidateCmd(registry), newMatchCmd(registry))
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the router with its HTTP listener",
		Long: `Run the router. Configuration comes from the environment (and a .env
file when present); ROUTING_FILE names the routing document.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return app.Run(cmd.Context())
		},
	}
}

func newValidateCmd(registry *transport.Registry) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <routing-file>",
		Short: "Check a routing file without starting the router",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolve(args[0], registry)
			if err != nil {
				return err
			}
			table, err := tableOf(resolved)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: ok\n", args[0])
			fmt.Fprintf(out, "  bindings: %d\n", len(resolved.Bindings))
			fmt.Fprintf(out, "  table entries: %d\n", table.Len())
			fmt.Fprintf(out, "  filters read body: %t\n", table.NeedsBody())
			fmt.Fprintf(out, "  processing: %t, headers only: %t\n",
				resolved.Routing.ProcessingEnabled, resolved.Routing.RouteOnHeadersOnly)
			return nil
		},
	}
}

func newMatchCmd(registry *transport.Registry) *cobra.Command {
	var (
		headers  []string
		version  string
		endpoint string
		bodyFile string
	)
	cmd := &cobra.Command{
		Use:   "match <routing-file>",
		Short: "Print the destinations a message would be routed to",
		Example: `  message-router match routing.yaml -H Action=urn:NewOrder
  message-router match routing.yaml -H Action=urn:Quote --body quote.xml --version soap12-wsa10`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resolved, err := resolve(args[0], registry)
			if err != nil {
				return err
			}
			table, err := tableOf(resolved)
			if err != nil {
				return err
			}

			var body []byte
			switch bodyFile {
			case "":
			case "-":
				body, err = io.ReadAll(cmd.InOrStdin())
			default:
				body, err = os.ReadFile(bodyFile)
			}
			if err != nil {
				return fmt.Errorf("read body: %w", err)
			}

			msg := message.New(message.Version(version), body)
			for _, h := range headers {
				name, value, ok := strings.Cut(h, "=")
				if !ok || name == "" {
					return fmt.Errorf("header %q is not name=value", h)
				}
				msg.Add(name, value)
			}
			if endpoint != "" {
				msg.SetProperty(message.PropertyEndpoint, endpoint)
			}

			out := cmd.OutOrStdout()
			dests := table.Match(msg)
			if len(dests) == 0 {
				fmt.Fprintln(out, "no destinations")
				return nil
			}
			for _, d := range dests {
				fmt.Fprintf(out, "%s\t%s\t%s\n", d.Binding, d.Address, d.Contract)
			}
			return nil
		},
	}
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "message header as name=value (repeatable)")
	cmd.Flags().StringVar(&version, "version", string(message.VersionNone), "message version (none, soap11-wsa10, soap12-wsa10)")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "inbound endpoint name")
	cmd.Flags().StringVar(&bodyFile, "body", "", "file holding the message body, - for stdin")
	return cmd
}

func resolve(path string, registry *transport.Registry) (*config.Resolved, error) {
	file, err := config.LoadRoutingFile(path)
	if err != nil {
		return nil, err
	}
	return file.Resolve(registry)
}
