package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joshp123/eightsleep-golang/eightsleep"
	"github.com/joshp123/eightsleep-golang/internal/auth"
	"github.com/joshp123/eightsleep-golang/internal/bridge"
	"github.com/joshp123/eightsleep-golang/internal/config"
	"github.com/joshp123/eightsleep-golang/internal/rate"
	"github.com/joshp123/eightsleep-golang/internal/server"
)

func main() {
	configPath := envOrDefault("EIGHTSLEEPD_CONFIG", config.DefaultPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	creds, err := auth.LoadCredentials(cfg.CredentialsFile)
	if err != nil {
		log.Fatalf("credentials: %v", err)
	}

	var blobStore auth.BlobStore
	if cfg.Blob.Endpoint != "" {
		blobStore, err = auth.NewS3Store(cfg.Blob)
		if err != nil {
			log.Fatalf("blob store: %v", err)
		}
	}

	manager, err := auth.NewManager(creds, cfg.API.TokenURL, cfg.StatePath, blobStore)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager.Start(ctx, auth.DefaultRenewInterval)

	client, err := eightsleep.NewClient(eightsleep.ClientConfig{
		ClientAPIURL: cfg.API.ClientURL,
		AppAPIURL:    cfg.API.AppURL,
		Timezone:     cfg.Timezone,
		HTTPClient:   rate.WrapHTTP(rate.DefaultLimits(), nil),
	}, manager)
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	account, err := eightsleep.Setup(ctx, client)
	if err != nil {
		log.Fatalf("setup: %v", err)
	}
	log.Printf("discovered %d bed(s) for account %s", len(account.Beds()), account.UserID)

	engine := eightsleep.NewEngine(client, account)
	engine.TelemetryInterval = cfg.Refresh.TelemetryInterval()
	engine.BaseInterval = cfg.Refresh.BaseInterval()

	if cfg.MQTT.Enabled() {
		mqttBridge, err := bridge.New(cfg.MQTT, account)
		if err != nil {
			log.Fatalf("mqtt: %v", err)
		}
		defer mqttBridge.Close()
		engine.OnApplied = func(eightsleep.Scope) { mqttBridge.PublishState() }
		engine.OnAvailability = mqttBridge.PublishAvailability
	}

	engine.Start(ctx)
	defer engine.Stop()

	dispatcher := eightsleep.NewDispatcher(client, account, engine)

	registry := prometheus.NewRegistry()
	registry.MustRegister(eightsleep.NewMetricsCollector(account, engine))
	registry.MustRegister(auth.MetricsCollectors()...)
	registry.MustRegister(rate.MetricsCollectors()...)

	api := &server.API{Account: account, Dispatcher: dispatcher, Engine: engine}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", server.HealthHandler)
	mux.Handle("/metrics", server.MetricsHandler(registry))
	api.Routes(mux)

	httpServer := server.NewHTTPServer(cfg.HTTPAddr, mux)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http serve: %v", err)
		}
	}()
	log.Printf("listening on %s", cfg.HTTPAddr)

	<-ctx.Done()
	_ = httpServer.Server.Shutdown(context.Background())
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
