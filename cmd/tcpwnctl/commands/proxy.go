package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/samueljero/TCPwn/internal/proxy"
	"github.com/samueljero/TCPwn/internal/strategy"
)

// proxyTimeout bounds one control exchange; set by the proxy command.
var proxyTimeout time.Duration

func proxyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Talk to a proxy or monitor control port",
	}

	cmd.PersistentFlags().DurationVar(&proxyTimeout, "timeout", proxy.DefaultTimeout,
		"timeout for one control exchange")

	cmd.AddCommand(proxySendCmd())
	cmd.AddCommand(proxyTimeCmd())
	cmd.AddCommand(proxyActiveCmd())
	cmd.AddCommand(proxyClearCmd())

	return cmd
}

// --- proxy send ---

func proxySendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <addr> <action>",
		Short: "Install one action line, e.g. \"10.0.1.1,10.0.1.2,TCP,0,0,*,DUP,num=2\"",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := strategy.ParseAction(args[1])
			if err != nil {
				return fmt.Errorf("parse action: %w", err)
			}

			c := proxy.NewClient(args[0], proxyTimeout)
			if err := c.Send(cmd.Context(), a.String()); err != nil {
				return fmt.Errorf("send to %s: %w", c.Addr(), err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sent %s\n", a)

			return nil
		},
	}
}

// --- proxy time ---

func proxyTimeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "time <addr> <client> <server> <proto>",
		Short: "Query transfer time and bytes for a flow",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := proxy.NewClient(args[0], proxyTimeout)

			st, err := c.Stats(cmd.Context(), args[1], args[2], args[3])
			if err != nil {
				return fmt.Errorf("query %s: %w", c.Addr(), err)
			}

			out, err := formatProxyStats(proxyStats{Addr: c.Addr(), Elapsed: st.Elapsed, Bytes: st.Bytes}, outputFormat)
			if err != nil {
				return fmt.Errorf("format reply: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}
}

// --- proxy active ---

func proxyActiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "active <addr> <proto>",
		Short: "Query when the proxy last saw traffic",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := proxy.NewClient(args[0], proxyTimeout)

			last, err := c.LastActivity(cmd.Context(), args[1])
			if err != nil {
				return fmt.Errorf("query %s: %w", c.Addr(), err)
			}

			pa := proxyActivity{Addr: c.Addr()}
			if !last.IsZero() {
				pa.Last = &last
			}

			out, err := formatProxyActivity(pa, outputFormat)
			if err != nil {
				return fmt.Errorf("format reply: %w", err)
			}

			fmt.Fprint(cmd.OutOrStdout(), out)

			return nil
		},
	}
}

// --- proxy clear ---

func proxyClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear <addr> <client> <server> <proto>",
		Short: "Remove all installed actions and reset flow counters",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := proxy.NewClient(args[0], proxyTimeout)

			for _, line := range proxy.ClearCommands(args[1], args[2], args[3]) {
				if err := c.Send(cmd.Context(), line); err != nil {
					return fmt.Errorf("send to %s: %w", c.Addr(), err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", c.Addr())

			return nil
		},
	}
}
