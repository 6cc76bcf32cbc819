// Copyright 2025 Joseph Cumines
//
// session: one caller over stdio

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joeycumines/desktopbridge/internal/peer"
	"github.com/joeycumines/desktopbridge/internal/transport"
	"github.com/spf13/cobra"
)

func newSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "session [workspace]",
		Short: "Serve the parent process over stdin and stdout",
		Long: `Serve exactly one caller, the parent process, over newline-delimited JSON
on stdin and stdout. Logs go to stderr. The session ends at EOF on stdin;
in-flight requests are allowed to finish.

If workspace is given it is used for requests without meta.workspacePath.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			var workspace string
			if len(args) == 1 {
				if workspace, err = filepath.Abs(args[0]); err != nil {
					return fmt.Errorf("invalid workspace %q: %w", args[0], err)
				}
			}
			h, err := newHost(cfg)
			if err != nil {
				return err
			}
			defer h.close()

			resolver, err := peer.NewResolver(0, h.logger)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			go h.sweepTokens(ctx)

			stream := transport.NewStdioStream(os.Stdin, os.Stdout)
			go func() {
				<-ctx.Done()
				h.srv.StopAccepting()
				stream.Close()
			}()

			h.logger.Info("desktop bridge session started", "platform", cfg.PlatformAddr, "workspace", workspace, "version", Version)
			handler := h.srv.WorkspaceSession(workspace, resolver.FromParent)
			return transport.Serve(context.WithoutCancel(ctx), stream, handler, h.logger)
		},
	}
}
