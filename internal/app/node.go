package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"lorawan-node/internal/alarm"
	"lorawan-node/internal/config"
	"lorawan-node/internal/db"
	"lorawan-node/internal/httpapi"
	"lorawan-node/internal/migrate"
	"lorawan-node/internal/mqtt"
	"lorawan-node/internal/node"
	"lorawan-node/internal/sensor"
	"lorawan-node/internal/session"
	"lorawan-node/internal/uplink"
	"lorawan-node/internal/utils"
)

// ErrSupervisoryReset ends RunNode when no event reached the controller within the reset
// interval. The process is expected to be restarted by its supervisor.
var ErrSupervisoryReset = errors.New("supervisory reset")

// NodeStatus is served on /status.
type NodeStatus struct {
	DevAddr       string       `json:"dev_addr"`
	MQTTConnected bool         `json:"mqtt_connected"`
	Node          node.Stats   `json:"node"`
	Sensor        sensor.Stats `json:"sensor"`
}

func RunNode(ctx context.Context, cfg config.Config) error {
	logger := slog.Default()
	logger.Info("config loaded",
		"devaddr", utils.Hex8(cfg.DevAddr),
		"joinMode", cfg.JoinMode,
		"txPort", cfg.TxPort,
		"dataRate", cfg.DataRate,
		"sleepInterval", cfg.SleepInterval,
		"joinBackoff", cfg.JoinBackoff,
		"resetInterval", cfg.ResetInterval,
		"httpAddr", cfg.HTTPAddr,
		"sqlitePath", cfg.SQLitePath,
		"mqttBroker", cfg.MQTTBroker,
		"mqttPort", cfg.MQTTPort,
		"sensorTopic", cfg.SensorTopic,
		"uplinkTopicPrefix", cfg.UplinkTopicPrefix,
	)

	dbConn, err := db.Open(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(dbConn); err != nil {
			logger.Error("db close", "error", err)
		}
	}()

	if err := migrate.Run(ctx, dbConn, logger); err != nil {
		return err
	}
	store := session.NewStore(dbConn, session.DefaultHistory)

	client := mqtt.NewClient(cfg, cfg.MQTTClientID, logger)
	defer client.Disconnect()

	// Register the subscription before connecting so it is made on the first CONNACK.
	feed := sensor.NewFeed(client, sensor.Options{
		Topic:       cfg.SensorTopic,
		ReadTimeout: cfg.SensorReadTimeout,
		MaxAge:      cfg.SleepInterval,
	}, logger)
	if err := feed.Start(ctx); err != nil {
		return err
	}

	bridge := uplink.NewBridge(client, store, uplink.Options{
		DevAddr:        cfg.DevAddr,
		TopicPrefix:    cfg.UplinkTopicPrefix,
		FPort:          cfg.TxPort,
		DataRate:       cfg.DataRate,
		PublishTimeout: cfg.MQTTPublishTimeout,
	}, logger)
	if err := bridge.Restore(ctx); err != nil {
		return err
	}

	// The broker may be down at boot. Joins and sends wait up to MQTTPublishTimeout for the
	// connection, then fail and back off until it is reachable.
	go func() {
		if err := client.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, mqtt.ErrStopped) {
			logger.Error("mqtt connect failed", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	events := node.NewMailbox()
	rtc := alarm.New(events, func() { cancel(ErrSupervisoryReset) }, logger)
	defer rtc.Stop()

	ctrl := node.New(cfg.NodeConfig(), feed, bridge, rtc, logger)

	var srv *http.Server
	httpErr := make(chan error, 1)
	if cfg.HTTPAddr != "" {
		mux := httpapi.NewMux(
			map[string]httpapi.Check{"session_db": store.Ping},
			func() any {
				return NodeStatus{
					DevAddr:       utils.Hex8(cfg.DevAddr),
					MQTTConnected: client.IsConnected(),
					Node:          ctrl.Stats(),
					Sensor:        feed.Stats(),
				}
			},
		)
		srv = httpapi.NewServer(cfg.HTTPAddr, mux, logger)
		go func() {
			logger.Info("http listening", "addr", cfg.HTTPAddr)
			httpErr <- srv.ListenAndServe()
		}()
	}

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = ctrl.Run(runCtx, events)
	}()

	var runErr error
	select {
	case <-runCtx.Done():
	case err := <-httpErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			runErr = err
		}
	}
	cancel(nil)

	// A cycle in progress is allowed to finish.
	<-loopDone
	logger.Info("node loop stopped", "uplink_counter", bridge.UplinkCounter())

	if srv != nil {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
		defer stop()
		logger.Info("http shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("http shutdown", "error", err)
		}
	}

	if cause := context.Cause(runCtx); errors.Is(cause, ErrSupervisoryReset) {
		return cause
	}
	if runErr != nil {
		return runErr
	}
	return ctx.Err()
}
