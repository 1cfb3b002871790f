package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentworkforce/treemirror/internal/controlapi"
)

const shutdownTimeout = 10 * time.Second

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control API",
		Long: `Serve starts the HTTP control API. Folders are opened, refreshed and closed
through it, and engine events stream over a websocket at /v1/events.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			api := controlapi.NewServer(a.manager, a.hub, controlapi.ServerConfig{
				Token:        a.cfg.Control.Token,
				MaxBodyBytes: a.cfg.Control.MaxBodyBytes,
				Logger:       a.logger.Named("http"),
			})
			server := &http.Server{
				Addr:              a.cfg.Control.ListenAddr,
				Handler:           api.Handler(),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("control api listening", zap.String("addr", server.Addr))
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			case <-ctx.Done():
			}
			a.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func newOpenCmd(opts *rootOptions) *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "open <folder>",
		Short: "Mirror a folder and sync local edits back until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			treeID, err := treeIDFromArg(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signalContext()
			defer stop()
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			mirror, err := a.manager.OpenFolder(ctx, treeID, func(done, total int) {
				a.logger.Debug("sync progress", zap.Int("done", done), zap.Int("total", total))
			})
			if err != nil {
				return err
			}
			active, _ := a.manager.ActiveFolder()
			fmt.Fprintf(out, "mirrored %s into %s (%d files, %d skipped, %d failed)\n",
				active.DisplayName, mirror, active.Report.FilesCopied, active.Report.SkippedLarge, active.Report.Failed)
			if once {
				return nil
			}
			fmt.Fprintln(out, "watching for local edits, press Ctrl-C to stop")
			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "exit after the initial sync")
	return cmd
}

func newListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recently opened folders",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			records, err := a.manager.ListRecentFolders(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTREE\tLAST OPENED\tMIRROR")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.DisplayName, rec.TreeID, rec.LastOpenedAt.Format(time.RFC3339), rec.MirrorPath)
			}
			return w.Flush()
		},
	}
}

func newForgetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "forget <folder>",
		Short: "Forget a folder, releasing its grant and deleting its mirror",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			treeID, err := treeIDFromArg(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.manager.ForgetFolder(cmd.Context(), treeID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", treeID)
			return nil
		},
	}
}

func newGrantCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "grant <folder>",
		Short: "Grant access to a folder without opening it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			treeID, err := treeIDFromArg(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.authority.Grant(treeID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "granted %s\n", treeID)
			return nil
		},
	}
}

func newRevokeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <folder>",
		Short: "Revoke access to a folder; its record is pruned on the next list",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			treeID, err := treeIDFromArg(args[0])
			if err != nil {
				return err
			}
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.authority.Release(treeID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %s\n", treeID)
			return nil
		},
	}
}

func newUsageCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "usage",
		Short: "Show mirror storage usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.manager.StorageUsage()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "mirrors: %s\n", report.Root)
			fmt.Fprintf(out, "total: %d bytes in %d mirrors\n", report.TotalBytes, len(report.Mirrors))
			if report.FreeBytes >= 0 {
				fmt.Fprintf(out, "free: %d bytes\n", report.FreeBytes)
			}
			if report.Low {
				fmt.Fprintln(out, "warning: free space is low")
			}
			return nil
		},
	}
}

func newClearMirrorsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear-mirrors",
		Short: "Delete every mirror directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()
			removed, err := a.manager.ClearMirrors()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %d mirrors\n", removed)
			return nil
		},
	}
}
