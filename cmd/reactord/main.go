// Command reactord runs the reactive rule engine as a standalone process:
// it loads configuration, wires the engine to an in-memory storage adapter
// (or restores a persisted rule set if one exists), exposes SSE/webhook
// fan-out and a Prometheus metrics endpoint, and shuts down gracefully on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kestrelflow/reactor/domain/event"
	"github.com/kestrelflow/reactor/domain/rule"
	"github.com/kestrelflow/reactor/internal/audit"
	"github.com/kestrelflow/reactor/internal/engine"
	"github.com/kestrelflow/reactor/internal/fanout"
	"github.com/kestrelflow/reactor/internal/trace"
	"github.com/kestrelflow/reactor/pkg/config"
	"github.com/kestrelflow/reactor/pkg/logger"
	"github.com/kestrelflow/reactor/pkg/metrics"
	"github.com/kestrelflow/reactor/pkg/storage/memory"
)

func main() {
	addr := flag.String("addr", ":8090", "HTTP listen address for the SSE audit stream, /rules, and /metrics")
	configPath := flag.String("config", "", "Path to a YAML configuration overlay")
	enableTrace := flag.Bool("trace", false, "enable the execution trace collector on startup")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		FilePrefix: cfg.Logging.FilePrefix,
	})

	m := metrics.New()

	auditLog := audit.New(audit.Options{
		MaxMemoryEntries: cfg.Audit.MaxMemoryEntries,
		BatchSize:        cfg.Audit.BatchSize,
		FlushInterval:    cfg.Audit.FlushInterval,
		Storage:          memory.New(),
	})

	traceCollector := trace.New(cfg.Trace.MaxEntries)
	if cfg.Trace.Enabled || *enableTrace {
		traceCollector.Enable()
	}

	ruleStorage := memory.New()

	eng := engine.New(engine.Options{
		Config:  cfg.Dispatch,
		Audit:   auditLog,
		Trace:   traceCollector,
		Metrics: m,
		OnLog: func(level, message string) {
			log.WithField("level", level).Info(message)
		},
		Storage:        ruleStorage,
		RuleStorageKey: cfg.Persistence.RuleStorageKey,
	})

	if n, err := eng.RestoreRules(context.Background()); err != nil {
		log.WithField("error", err).Warn("restore rules failed")
	} else if n > 0 {
		log.WithField("count", n).Info("restored persisted rules")
	}

	sse := fanout.NewSSEFanout(fanout.SSEConfig{
		HeartbeatInterval: cfg.SSE.HeartbeatInterval,
		Metrics:           m,
	})
	auditLog.Subscribe(sse.Subscribe())

	webhooks := fanout.NewWebhookFanout(fanout.WebhookFanoutOptions{
		MaxRetries:     cfg.Webhook.MaxRetries,
		RetryBaseDelay: cfg.Webhook.RetryBaseDelay,
		DefaultTimeout: cfg.Webhook.DefaultTimeout,
		RatePerSecond:  cfg.Webhook.RatePerSecond,
		RateBurst:      cfg.Webhook.RateBurst,
		Metrics:        m,
	})
	eng.Subscribe("*", func(ev event.Event) {
		webhooks.Deliver(ev, ev.Topic)
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/stream/audit", func(w http.ResponseWriter, r *http.Request) {
		id, err := sse.Connect(w, fanout.SSEFilter{})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer sse.Remove(id)
		<-r.Context().Done()
	})
	mux.HandleFunc("/rules", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			json.NewEncoder(w).Encode(eng.ListRules())
		case http.MethodPost:
			var in rule.RuleInput
			if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			reg, err := eng.RegisterRule(in)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			json.NewEncoder(w).Encode(reg)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})

	srv := &http.Server{Addr: *addr, Handler: mux}
	go func() {
		log.WithField("addr", *addr).Info("reactord listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithField("error", err).Fatal("http server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	srv.Shutdown(shutdownCtx)
	sse.Stop()
	if err := eng.PersistRules(shutdownCtx); err != nil {
		log.WithField("error", err).Warn("persist rules on shutdown failed")
	}
	if err := auditLog.Flush(shutdownCtx); err != nil {
		log.WithField("error", err).Warn("flush audit log on shutdown failed")
	}
	if err := eng.Stop(shutdownCtx); err != nil {
		log.WithField("error", err).Warn("engine stop did not complete cleanly")
	}
}
