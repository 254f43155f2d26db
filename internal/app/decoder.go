package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"lorawan-node/internal/config"
	"lorawan-node/internal/decoder"
	"lorawan-node/internal/httpapi"
	"lorawan-node/internal/mqtt"
)

func RunDecoder(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()
	logger.Info("config loaded",
		"httpAddr", cfg.HTTPAddr,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"mqttClientID", cfg.DecoderClientID,
		"uplinkTopicPrefix", cfg.UplinkTopicPrefix,
		"telemetryTopicPrefix", cfg.TelemetryTopicPrefix,
		"windMaxMs", cfg.WindMaxMs,
		"stations", len(cfg.Stations),
	)

	client := mqtt.NewClient(cfg, cfg.DecoderClientID, logger)
	defer client.Disconnect()

	dec := decoder.New(client, decoder.Options{
		UplinkTopicPrefix:    cfg.UplinkTopicPrefix,
		TelemetryTopicPrefix: cfg.TelemetryTopicPrefix,
		WindMaxMs:            cfg.WindMaxMs,
		Stations:             cfg.Stations,
		PublishTimeout:       cfg.MQTTPublishTimeout,
	}, logger)
	if err := dec.Start(ctx, client); err != nil {
		return err
	}

	go func() {
		if err := client.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, mqtt.ErrStopped) {
			logger.Error("mqtt connect failed", "error", err)
		}
	}()

	if cfg.HTTPAddr == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	mux := httpapi.NewMux(
		map[string]httpapi.Check{"mqtt": func(context.Context) error {
			if !client.IsConnected() {
				return mqtt.ErrNotConnected
			}
			return nil
		}},
		func() any { return dec.Stats() },
	)
	srv := httpapi.NewServer(cfg.HTTPAddr, mux, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("http shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return ctx.Err()
}
