package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"lorawan-node/internal/node"
	"lorawan-node/internal/utils"
)

// firstWake is the delay between start-up and the first cycle.
const firstWake = time.Second

type Config struct {
	AppEnv   string
	LogLevel slog.Level
	// HTTPAddr serves /healthz and /status; empty disables the listener.
	HTTPAddr string

	MQTTBroker   string
	MQTTPort     int
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string

	// MQTTPublishTimeout bounds a publish, including the wait for a broker connection.
	MQTTPublishTimeout time.Duration

	// DecoderClientID is the client id of the decoder process.
	DecoderClientID string

	SensorTopic       string
	SensorReadTimeout time.Duration

	UplinkTopicPrefix    string
	TelemetryTopicPrefix string

	DevAddr  uint32
	JoinMode node.JoinMode
	TxPort   uint8
	DataRate uint8

	SleepInterval time.Duration
	JoinBackoff   time.Duration
	ResetInterval time.Duration

	SQLiteDriver          string
	SQLiteDSN             string
	SQLitePath            string
	SQLiteMaxOpenConns    int
	SQLiteMaxIdleConns    int
	SQLiteConnMaxLifetime time.Duration

	// WindMaxMs is the highest windspeed the decoder accepts as plausible.
	WindMaxMs float64

	// Stations maps device addresses to station ids for the decoder; empty accepts all.
	Stations map[uint32]string
}

// LoadDotEnv loads variables from the given .env files (".env" when none are given) without
// overriding the process environment. Missing files are not an error.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

func LoadFromEnv() (Config, error) {
	appEnv := strings.TrimSpace(os.Getenv("APP_ENV"))
	if appEnv == "" {
		appEnv = "dev"
	}
	switch appEnv {
	case "dev", "prod":
	default:
		return Config{}, fmt.Errorf("invalid APP_ENV %q (allowed: dev, prod)", appEnv)
	}

	level, err := parseLogLevel(getenv("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, err
	}

	// HTTP_ADDR set to an empty value disables the status listener.
	httpAddr, ok := os.LookupEnv("HTTP_ADDR")
	if !ok {
		httpAddr = ":8081"
	}
	httpAddr = strings.TrimSpace(httpAddr)

	mqttPortStr := getenv("MQTT_PORT", "1883")
	mqttPort, err := strconv.Atoi(mqttPortStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid MQTT_PORT %q: %w", mqttPortStr, err)
	}
	if mqttPort <= 0 || mqttPort > 65535 {
		return Config{}, fmt.Errorf("MQTT_PORT must be in 1..65535, got %d", mqttPort)
	}

	publishTimeout, err := parsePositiveDuration("MQTT_PUBLISH_TIMEOUT", "10s")
	if err != nil {
		return Config{}, err
	}

	sensorReadTimeout, err := parsePositiveDuration("SENSOR_READ_TIMEOUT", "5s")
	if err != nil {
		return Config{}, err
	}

	devAddrStr := getenv("LORAWAN_DEVADDR", "00000000")
	devAddr, err := utils.ParseHex8(devAddrStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid LORAWAN_DEVADDR: %w", err)
	}

	joinModeStr := strings.ToLower(getenv("LORAWAN_JOIN_MODE", "abp"))
	joinMode, ok := node.ParseJoinMode(joinModeStr)
	if !ok {
		return Config{}, fmt.Errorf("invalid LORAWAN_JOIN_MODE %q (allowed: abp, otaa)", joinModeStr)
	}

	txPortStr := getenv("LORAWAN_TX_PORT", "1")
	txPort, err := strconv.ParseUint(txPortStr, 10, 8)
	if err != nil {
		return Config{}, fmt.Errorf("invalid LORAWAN_TX_PORT %q: %w", txPortStr, err)
	}
	if txPort < 1 || txPort > 223 {
		return Config{}, fmt.Errorf("LORAWAN_TX_PORT must be in 1..223, got %d", txPort)
	}

	dataRateStr := getenv("LORAWAN_DATARATE", "2")
	dataRate, err := strconv.ParseUint(dataRateStr, 10, 8)
	if err != nil {
		return Config{}, fmt.Errorf("invalid LORAWAN_DATARATE %q: %w", dataRateStr, err)
	}
	if dataRate > 15 {
		return Config{}, fmt.Errorf("LORAWAN_DATARATE must be in 0..15, got %d", dataRate)
	}

	// We must respect the duty cycle limitations.
	sleepInterval, err := parsePositiveDuration("APP_SLEEP_INTERVAL", "61s")
	if err != nil {
		return Config{}, err
	}
	joinBackoff, err := parsePositiveDuration("APP_JOIN_BACKOFF", "5m")
	if err != nil {
		return Config{}, err
	}
	resetInterval, err := parsePositiveDuration("APP_RESET_INTERVAL", "10m")
	if err != nil {
		return Config{}, err
	}
	// The reset deadline is only re-armed by wake events, so it must outlast every pause
	// between two of them.
	if resetInterval <= sleepInterval {
		return Config{}, fmt.Errorf("APP_RESET_INTERVAL (%v) must be longer than APP_SLEEP_INTERVAL (%v)", resetInterval, sleepInterval)
	}
	if resetInterval <= joinBackoff {
		return Config{}, fmt.Errorf("APP_RESET_INTERVAL (%v) must be longer than APP_JOIN_BACKOFF (%v)", resetInterval, joinBackoff)
	}
	if resetInterval <= firstWake {
		return Config{}, fmt.Errorf("APP_RESET_INTERVAL (%v) must be longer than the first wake-up (%v)", resetInterval, firstWake)
	}

	maxOpenConnsStr := getenv("DB_MAX_OPEN_CONNS", "1")
	maxOpenConns, err := strconv.Atoi(maxOpenConnsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_MAX_OPEN_CONNS %q: %w", maxOpenConnsStr, err)
	}

	maxIdleConnsStr := getenv("DB_MAX_IDLE_CONNS", "1")
	maxIdleConns, err := strconv.Atoi(maxIdleConnsStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_MAX_IDLE_CONNS %q: %w", maxIdleConnsStr, err)
	}

	connMaxLifetimeStr := getenv("DB_CONN_MAX_LIFETIME", "0s")
	connMaxLifetime, err := time.ParseDuration(connMaxLifetimeStr)
	if err != nil {
		return Config{}, fmt.Errorf("invalid DB_CONN_MAX_LIFETIME %q: %w", connMaxLifetimeStr, err)
	}

	windMaxStr := getenv("WIND_MAX_MS", "200")
	windMax, err := strconv.ParseFloat(windMaxStr, 64)
	if err != nil {
		return Config{}, fmt.Errorf("invalid WIND_MAX_MS %q: %w", windMaxStr, err)
	}
	if windMax <= 0 {
		return Config{}, fmt.Errorf("WIND_MAX_MS must be positive, got %v", windMax)
	}

	stations, err := parseStations(getenv("DECODER_STATIONS", ""))
	if err != nil {
		return Config{}, err
	}

	return Config{
		AppEnv:                appEnv,
		LogLevel:              level,
		HTTPAddr:              httpAddr,
		MQTTBroker:            getenv("MQTT_BROKER", "localhost"),
		MQTTPort:              mqttPort,
		MQTTClientID:          getenv("MQTT_CLIENT_ID", "lorawan-node"),
		DecoderClientID:       getenv("DECODER_MQTT_CLIENT_ID", "lorawan-decoder"),
		MQTTUsername:          getenv("MQTT_USERNAME", ""),
		MQTTPassword:          getenv("MQTT_PASSWORD", ""),
		MQTTPublishTimeout:    publishTimeout,
		SensorTopic:           getenv("SENSOR_TOPIC", "sensors/tfa/raw"),
		SensorReadTimeout:     sensorReadTimeout,
		UplinkTopicPrefix:     strings.TrimSuffix(getenv("UPLINK_TOPIC_PREFIX", "lorawan/devices"), "/"),
		TelemetryTopicPrefix:  strings.TrimSuffix(getenv("TELEMETRY_TOPIC_PREFIX", "stations"), "/"),
		DevAddr:               devAddr,
		JoinMode:              joinMode,
		TxPort:                uint8(txPort),
		DataRate:              uint8(dataRate),
		SleepInterval:         sleepInterval,
		JoinBackoff:           joinBackoff,
		ResetInterval:         resetInterval,
		SQLiteDriver:          getenv("DB_DRIVER", "sqlite3"),
		SQLiteDSN:             getenv("SQLITE_DSN", ""),
		SQLitePath:            getenv("SQLITE_PATH", "./data/session.db"),
		SQLiteMaxOpenConns:    maxOpenConns,
		SQLiteMaxIdleConns:    maxIdleConns,
		SQLiteConnMaxLifetime: connMaxLifetime,
		WindMaxMs:             windMax,
		Stations:              stations,
	}, nil
}

// NodeConfig returns the scheduling policy for the controller.
func (c Config) NodeConfig() node.Config {
	return node.Config{
		JoinMode:      c.JoinMode,
		FirstWake:     firstWake,
		SleepInterval: c.SleepInterval,
		JoinBackoff:   c.JoinBackoff,
		ResetInterval: c.ResetInterval,
	}
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	s := getenv(key, def)
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, s, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %v", key, d)
	}
	return d, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q (allowed: debug, info, warn, error)", s)
	}
}

// parseStations reads "DEVADDR=station,DEVADDR=station".
func parseStations(s string) (map[uint32]string, error) {
	out := make(map[uint32]string)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		addr, station, ok := strings.Cut(strings.TrimSpace(pair), "=")
		station = strings.TrimSpace(station)
		if !ok || station == "" {
			return nil, fmt.Errorf("invalid DECODER_STATIONS entry %q (want DEVADDR=station)", pair)
		}
		devAddr, err := utils.ParseHex8(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid DECODER_STATIONS entry %q: %w", pair, err)
		}
		if _, dup := out[devAddr]; dup {
			return nil, fmt.Errorf("duplicate DECODER_STATIONS address %s", utils.Hex8(devAddr))
		}
		out[devAddr] = station
	}
	return out, nil
}
