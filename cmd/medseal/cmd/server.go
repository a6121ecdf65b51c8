package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/jmcleod/medseal/api"
)

var (
	port           int
	tlsCert        string
	tlsKey         string
	trustedProxies []string
	serverStore    storeFlags
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the upload and configuration backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := newLogger()

		store, closeStore, err := serverStore.open(cmd.Context(), logger)
		if err != nil {
			return err
		}
		defer closeStore()

		opts := []api.Option{
			api.WithLogger(logger),
			api.WithAllowedOrigins(api.ParseOrigins(os.Getenv("ALLOWED_ORIGINS"))),
			api.WithAlertFunc(func(e api.AlertEvent) {
				logger.Warn("alert", slog.String("type", string(e.Type)), slog.String("message", e.Message), slog.Int("count", e.Count))
			}),
		}
		if raw := os.Getenv("MAX_FILE_SIZE_BYTES"); raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || n <= 0 {
				return fmt.Errorf("MAX_FILE_SIZE_BYTES %q is not a positive integer", raw)
			}
			opts = append(opts, api.WithMaxFileBytes(n))
		}
		if len(trustedProxies) > 0 {
			opt, err := api.WithTrustedProxies(trustedProxies)
			if err != nil {
				return err
			}
			opts = append(opts, opt)
		}
		a := api.New(store, opts...)

		stop := make(chan struct{})
		defer close(stop)
		a.StartSweeper(10*time.Minute, stop)

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)
		r.Use(api.SecurityHeaders)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		useTLS := tlsCert != "" && tlsKey != ""
		if useTLS {
			cert, err := tls.LoadX509KeyPair(tlsCert, tlsKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			server.TLSConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			var err error
			if useTLS {
				err = server.ListenAndServeTLS("", "")
			} else {
				err = server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (tls: %t)...\n", port, useTLS)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

func init() {
	rootCmd.AddCommand(serverCmd)
	defaultPort := 3000
	if p, err := strconv.Atoi(os.Getenv("PORT")); err == nil && p > 0 {
		defaultPort = p
	}
	serverCmd.Flags().IntVarP(&port, "port", "p", defaultPort, "Port to listen on (default $PORT or 3000)")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
	serverCmd.Flags().StringSliceVar(&trustedProxies, "trusted-proxies", nil, "CIDRs of proxies whose forwarding headers are trusted")
	serverStore.register(serverCmd)
}
