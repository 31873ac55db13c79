package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/u5surf/sqsio"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const envPrefix = "SQSRELAY"

func main() {
	rootCmd := &cobra.Command{
		Use:   "sqsrelay",
		Short: "Relay messages from one SQS queue to another",
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the source queue and re-publish every message to the target queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			source, _ := cmd.Flags().GetString("source")
			target, _ := cmd.Flags().GetString("target")
			metricsAddr, _ := cmd.Flags().GetString("metrics-addr")
			logLevel, _ := cmd.Flags().GetString("log-level")
			shutdown, _ := cmd.Flags().GetDuration("shutdown-timeout")

			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, logger, relayOptions{
				source:      source,
				target:      target,
				metricsAddr: metricsAddr,
				shutdown:    shutdown,
			})
		},
	}
	runCmd.Flags().String("source", "", "source queue name or URL (default $SQSRELAY_SOURCE_QUEUE_URL)")
	runCmd.Flags().String("target", "", "target queue name or URL (default $SQSRELAY_TARGET_QUEUE_URL)")
	runCmd.Flags().String("metrics-addr", ":9090", "address to serve /metrics on, empty to disable")
	runCmd.Flags().String("log-level", "info", "log level")
	runCmd.Flags().Duration("shutdown-timeout", time.Second*30, "time allowed to drain the writer on shutdown")
	rootCmd.AddCommand(runCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type relayOptions struct {
	source      string
	target      string
	metricsAddr string
	shutdown    time.Duration
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}

func run(ctx context.Context, logger *zap.Logger, opts relayOptions) error {
	awsCfg, err := sqsio.AWSConfigFromEnv(envPrefix)
	if err != nil {
		return err
	}
	svc, err := sqsio.NewService(awsCfg)
	if err != nil {
		return err
	}

	readerCfg, err := sqsio.ReaderConfigFromEnv(envPrefix + "_SOURCE")
	if err != nil {
		return err
	}
	writerCfg, err := sqsio.WriterConfigFromEnv(envPrefix + "_TARGET")
	if err != nil {
		return err
	}
	if readerCfg.QueueURL, err = queueURL(svc, opts.source, readerCfg.QueueURL); err != nil {
		return err
	}
	if writerCfg.QueueURL, err = queueURL(svc, opts.target, writerCfg.QueueURL); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	readerCfg.Logger, readerCfg.Registerer = logger, reg
	writerCfg.Logger, writerCfg.Registerer = logger, reg
	// Polling starts once the listeners are in place.
	readerCfg.StartPolling = false

	writer, err := sqsio.NewWriter(svc, writerCfg)
	if err != nil {
		return err
	}
	reader, err := sqsio.NewReader(svc, readerCfg)
	if err != nil {
		return err
	}

	logErr := func(err error) { logger.Warn("relay error", zap.Error(err)) }
	reader.OnError(logErr)
	writer.OnError(logErr)

	// Source messages are acked once the target accepted their entry. A
	// dropped entry leaves its source message to be received again.
	var pending sync.Map
	reader.OnMessage(func(m *sqsio.Message) {
		entry := &sqsio.Entry{
			MessageBody:       m.Raw.Body,
			MessageAttributes: m.Raw.MessageAttributes,
		}
		pending.Store(entry, m)
		if err := writer.Enqueue(entry); err != nil {
			pending.Delete(entry)
			logger.Warn("could not enqueue message", zap.String("message_id", m.ID), zap.Error(err))
		}
	})
	writer.OnPublished(func(e *sqsio.Entry) {
		if m, ok := pending.LoadAndDelete(e); ok {
			_ = m.(*sqsio.Message).Ack()
		}
	})
	writer.OnDropped(func(e *sqsio.Entry) {
		pending.Delete(e)
	})
	reader.OnExpiring(func(m *sqsio.Message) {
		visibility := readerCfg.Visibility
		if visibility == 0 {
			visibility = time.Minute
		}
		_ = m.ExtendTimeout(visibility)
	})

	var srv *http.Server
	if opts.metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv = &http.Server{Addr: opts.metricsAddr, Handler: mux, ReadHeaderTimeout: time.Second * 5}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	logger.Info("relay started",
		zap.String("source", readerCfg.QueueURL),
		zap.String("target", writerCfg.QueueURL),
	)
	reader.Start()
	<-ctx.Done()
	logger.Info("shutting down")

	reader.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), opts.shutdown)
	defer cancel()
	err = writer.Close(shutdownCtx)
	if srv != nil {
		_ = srv.Shutdown(shutdownCtx)
	}
	return err
}

// queueURL picks the flag over the environment and resolves queue names.
func queueURL(svc sqsio.Service, flag, env string) (string, error) {
	v := flag
	if v == "" {
		v = env
	}
	if strings.HasPrefix(v, "https://") || strings.HasPrefix(v, "http://") {
		return v, nil
	}
	return sqsio.ResolveQueueURL(svc, v)
}
