// Command backboned runs the event backbone as a standalone service.
//
// It loads settings from the file named by -config (YAML or JSON) with
// BACKBONE_* environment overrides, opens the configured store, starts the
// bus, bridges Kafka when brokers are set and serves the HTTP API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	kafkago "github.com/segmentio/kafka-go"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/randalmurphal/backbone/pkg/backbone/bus"
	"github.com/randalmurphal/backbone/pkg/backbone/config"
	"github.com/randalmurphal/backbone/pkg/backbone/lineage"
	"github.com/randalmurphal/backbone/pkg/backbone/observability"
	"github.com/randalmurphal/backbone/pkg/backbone/pipeline"
	"github.com/randalmurphal/backbone/pkg/backbone/store"
	"github.com/randalmurphal/backbone/pkg/backbone/transport/httpapi"
	"github.com/randalmurphal/backbone/pkg/backbone/transport/kafka"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "path to a YAML or JSON settings file")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := new(slog.LevelVar)
	if *debug {
		level.Set(slog.LevelDebug)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath, logger, level); err != nil {
		logger.Error("backboned failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string, logger *slog.Logger, level *slog.LevelVar) error {
	settings, err := config.LoadSettings(configPath)
	if err != nil {
		return err
	}
	taxonomy, err := settings.Taxonomy()
	if err != nil {
		return err
	}

	meterProvider := sdkmetric.NewMeterProvider()
	tracerProvider := sdktrace.NewTracerProvider()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
		_ = meterProvider.Shutdown(shutdownCtx)
	}()

	opts := []bus.Option{
		bus.WithTaxonomy(taxonomy),
		bus.WithMode(settings.Mode),
		bus.WithPolicies(settings.Policies()),
		bus.WithMonitor(settings.DeadLetter),
		bus.WithFanout(settings.Fanout),
		bus.WithLineageCacheTTL(settings.Lineage.CacheTTL),
		bus.WithLogger(logger),
		bus.WithMetrics(observability.NewMetricsRecorder(observability.WithMeterProvider(meterProvider))),
		bus.WithSpans(observability.NewSpanManager(observability.WithTracerProvider(tracerProvider))),
	}
	for kind, cfg := range settings.Pipelines {
		opts = append(opts, bus.WithPipelineConfig(kind, cfg))
	}

	if settings.Store.Driver != config.DriverMemory {
		st, err := store.Open(ctx, settings.Store.Driver, settings.Store.DSN)
		if err != nil {
			return err
		}
		defer st.Close()
		opts = append(opts,
			bus.WithDeadLetters(st),
			bus.WithEdgeStore(st),
			bus.WithJournal(st),
			bus.WithOutbox(st.Outbox()),
			bus.WithAuditSink(st),
		)
		logger.Info("store opened", slog.String("driver", st.Driver()))
	}

	if settings.Lineage.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: settings.Lineage.RedisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis %s: %w", settings.Lineage.RedisAddr, err)
		}
		opts = append(opts, bus.WithLineageCache(
			lineage.NewRedisCache(client, settings.Lineage.CacheTTL, settings.Lineage.RedisPrefix),
		))
	}

	b, err := bus.New(opts...)
	if err != nil {
		return err
	}

	var readers []*kafkago.Reader
	if len(settings.Kafka.Brokers) > 0 {
		if settings.Kafka.ForwardTopic != "" {
			w := &kafkago.Writer{
				Addr:         kafkago.TCP(settings.Kafka.Brokers...),
				Balancer:     &kafkago.Hash{},
				RequiredAcks: kafkago.RequireAll,
			}
			defer w.Close()
			fwd := kafka.NewForwarder(w,
				kafka.WithTopic(settings.Kafka.ForwardTopic),
				kafka.WithForwarderLogger(logger),
			)
			if err := b.RegisterConsumer(pipeline.KindIngest, pipeline.Consumer{Name: "kafka-forwarder", Handler: fwd}); err != nil {
				return err
			}
		}
		if settings.Kafka.IngressTopic != "" {
			readers = append(readers, kafkago.NewReader(kafkago.ReaderConfig{
				Brokers: settings.Kafka.Brokers,
				GroupID: settings.Kafka.GroupID,
				Topic:   settings.Kafka.IngressTopic,
			}))
		}
	}

	if err := b.Start(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := b.Close(closeCtx); err != nil {
			logger.Error("bus close failed", slog.String("error", err.Error()))
		}
	}()

	errCh := make(chan error, 1+len(readers))
	for _, r := range readers {
		in := kafka.NewIngress(r, b,
			kafka.WithIngressPolicies(settings.Policies()),
			kafka.WithIngressLogger(logger),
		)
		go func() {
			defer r.Close()
			errCh <- in.Run(ctx)
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	if settings.HTTP.Debug {
		// Request lines are logged at debug level.
		gin.SetMode(gin.DebugMode)
		level.Set(slog.LevelDebug)
	}
	srv := &http.Server{
		Addr:              settings.HTTP.Addr,
		Handler:           httpapi.NewRouter(b, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.Info("http api listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		if err != nil {
			logger.Error("component stopped", slog.String("error", err.Error()))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http shutdown failed", slog.String("error", serr.Error()))
	}
	return err
}
