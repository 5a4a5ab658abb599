package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	"github.com/dvonne2/vitalvida-api-v2-sub003/internal/handler"
)

var (
	servePort     int
	serveGRPCPort int
	serveNoSweep  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP and gRPC APIs with the background sweeper",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info().
			Str("service", cfg.Service.Name).
			Str("version", cfg.Service.Version).
			Str("environment", cfg.Service.Environment).
			Str("store", cfg.Store.Driver).
			Msg("Starting spend controls service")

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.close()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		grpcPort := serveGRPCPort
		if grpcPort == 0 {
			grpcPort = cfg.Server.GRPCPort
		}

		httpHandler := handler.NewHTTPHandler(a.svc, a.clock, log)
		httpServer := &http.Server{
			Addr: fmt.Sprintf(":%d", port),
			Handler: httpHandler.Routes(handler.RouterOptions{
				CORSOrigins:    cfg.Server.CORSOrigins,
				RequestTimeout: cfg.Server.RequestTimeout,
				MaxBodyBytes:   cfg.Server.MaxBodyBytes,
				MaxProofBytes:  handler.ProofBodyLimit(cfg.Artifacts.MaxBytes),
			}),
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
			IdleTimeout:  cfg.Server.IdleTimeout,
		}

		grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.ActorInterceptor))
		handler.NewGRPCHandler(a.svc, log).Register(grpcServer)
		reflection.Register(grpcServer)

		grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", grpcPort))
		if err != nil {
			return eris.Wrap(err, "grpc listen")
		}

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			log.Info().Int("port", port).Msg("Starting HTTP server")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return eris.Wrap(err, "http server")
			}
			return nil
		})

		g.Go(func() error {
			log.Info().Int("port", grpcPort).Msg("Starting gRPC server")
			if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return eris.Wrap(err, "grpc server")
			}
			return nil
		})

		if !serveNoSweep {
			g.Go(func() error {
				return a.sweeper.Run(gctx)
			})
		}

		// Graceful shutdown
		g.Go(func() error {
			<-gctx.Done()
			log.Info().Msg("Shutting down server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("HTTP server shutdown failed")
			}
			grpcServer.GracefulStop()
			return nil
		})

		if err := g.Wait(); err != nil {
			return err
		}
		log.Info().Msg("Server stopped")
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP port (default from config)")
	serveCmd.Flags().IntVar(&serveGRPCPort, "grpc-port", 0, "gRPC port (default from config)")
	serveCmd.Flags().BoolVar(&serveNoSweep, "no-sweep", false, "disable the background expiry and auto-lock sweeper")
	rootCmd.AddCommand(serveCmd)
}
