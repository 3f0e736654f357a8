package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/compwatch/intel"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the change projection over HTTP, with MCP at /mcp",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		srv := &http.Server{
			Addr:              serveAddr,
			Handler:           newRouter(svc),
			ReadHeaderTimeout: 10 * time.Second,
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			slog.Info("compwatch: listening", "addr", serveAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			slog.Info("compwatch: shutting down")
			return srv.Shutdown(shutdownCtx)
		})
		return g.Wait()
	},
}

var mcpStdioCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the intel MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signalContext()
		defer cancel()

		svc, err := openService(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		return newMCPServer(svc).Run(ctx, &mcp.StdioTransport{})
	},
}

func newMCPServer(svc *intel.Service) *mcp.Server {
	srv := mcp.NewServer(&mcp.Implementation{Name: "compwatch", Version: "1.0.0"}, nil)
	svc.RegisterMCP(srv)
	return srv
}

func newRouter(svc *intel.Service) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/api", svc.Router())

	mcpSrv := newMCPServer(svc)
	r.Handle("/mcp", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return mcpSrv }, nil))
	return r
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8086", "listen address")
	rootCmd.AddCommand(serveCmd, mcpStdioCmd)
}
