package main

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/danielpatrickdp/adaptive-state/evolution/internal/codec"
	"github.com/danielpatrickdp/adaptive-state/evolution/internal/synth"
)

// #region formatter-cmd
var (
	formatterListen string
	metricsListen   string
)

var formatterCmd = &cobra.Command{
	Use:   "formatter",
	Short: "Serve the Go source formatter over gRPC",
	Long: `Serves /evolution.v1.Formatter/Format backed by the local goimports
formatter, so coordinators configured with formatter.mode=remote can share
one formatting process. Optionally exposes Prometheus metrics.`,
	Args: cobra.NoArgs,
	RunE: runFormatter,
}

func init() {
	formatterCmd.Flags().StringVar(&formatterListen, "listen", ":7070", "gRPC listen address")
	formatterCmd.Flags().StringVar(&metricsListen, "metrics", "", "metrics listen address (disabled when empty)")
}

// #endregion formatter-cmd

// #region run
func runFormatter(cmd *cobra.Command, args []string) error {
	lis, err := net.Listen("tcp", formatterListen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", formatterListen, err)
	}
	srv := grpc.NewServer()
	codec.Server{Formatter: synth.SourceFormatter{}}.Register(srv)

	var metrics *http.Server
	if metricsListen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metrics = &http.Server{Addr: metricsListen, Handler: mux}
	}

	var g errgroup.Group
	g.Go(func() error {
		logger.Info("formatter listening", zap.String("addr", lis.Addr().String()))
		return srv.Serve(lis)
	})
	if metrics != nil {
		g.Go(func() error {
			logger.Info("metrics listening", zap.String("addr", metricsListen))
			if err := metrics.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stop
		logger.Info("shutting down formatter")
		srv.GracefulStop()
		if metrics != nil {
			_ = metrics.Close()
		}
	}()

	return g.Wait()
}

// #endregion run
