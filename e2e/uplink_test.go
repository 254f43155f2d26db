//go:build e2e

package e2e

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"syscall"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"lorawan-node/internal/config"
	"lorawan-node/internal/mqtt"
	"lorawan-node/internal/types"
)

const repoRootRel = ".." // relative to ./e2e

const (
	devAddr     = "2601154B"
	sensorTopic = "sensors/tfa/raw"
)

func TestUplink_SamplesBecomeTelemetry(t *testing.T) {
	repoRoot := repoRootPath(t)
	host, port := startBroker(t)

	nodeBin := buildBinary(t, repoRoot, "./cmd/node", "lorawan-node")
	decoderBin := buildBinary(t, repoRoot, "./cmd/decoder", "lorawan-decoder")

	nodeAddr := pickFreeAddr(t)
	decoderAddr := pickFreeAddr(t)

	common := append(os.Environ(),
		"APP_ENV=dev",
		"LOG_LEVEL=debug",
		"MQTT_BROKER="+host,
		"MQTT_PORT="+strconv.Itoa(port),
		"SENSOR_TOPIC="+sensorTopic,
		"LORAWAN_DEVADDR="+devAddr,
		"DECODER_STATIONS="+devAddr+"=harbour",
	)

	decoder := startProcess(t, decoderBin, slices.Concat(common, []string{"HTTP_ADDR=" + decoderAddr}))
	node := startProcess(t, nodeBin, slices.Concat(common, []string{
		"HTTP_ADDR=" + nodeAddr,
		"SQLITE_PATH=" + filepath.Join(t.TempDir(), "session.db"),
		"APP_SLEEP_INTERVAL=2s",
		"APP_JOIN_BACKOFF=5s",
		"APP_RESET_INTERVAL=30s",
		"SENSOR_READ_TIMEOUT=3s",
	}))

	client := &http.Client{Timeout: 2 * time.Second}
	waitForOK(t, client, "http://"+nodeAddr+"/healthz", 10*time.Second)
	waitForOK(t, client, "http://"+decoderAddr+"/healthz", 10*time.Second)

	cfg := config.Config{MQTTBroker: host, MQTTPort: port}
	mc := mqtt.NewClient(cfg, "e2e-probe", slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := mc.Connect(ctx); err != nil {
		t.Fatalf("connect probe: %v", err)
	}
	t.Cleanup(mc.Disconnect)

	telemetry := make(chan types.Telemetry, 8)
	err := mc.Subscribe(ctx, "stations/+/telemetry", 1, func(_ string, payload []byte) {
		var tm types.Telemetry
		if err := json.Unmarshal(payload, &tm); err == nil {
			select {
			case telemetry <- tm:
			default:
			}
		}
	})
	if err != nil {
		t.Fatalf("subscribe telemetry: %v", err)
	}

	// The node samples on its own schedule, so keep the receiver talking until a frame
	// makes it through. Humidity varies to get past duplicate suppression.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var got types.Telemetry
	for i := 0; ; i++ {
		select {
		case got = <-telemetry:
		case <-ticker.C:
			publishSample(t, ctx, mc, 2, 360, 0)
			publishSample(t, ctx, mc, 1, 755, uint8(40+i%20))
			continue
		case <-ctx.Done():
			t.Fatalf("no telemetry received: %v", ctx.Err())
		}
		break
	}

	if got.StationID != "harbour" {
		t.Errorf("station_id = %q, want harbour", got.StationID)
	}
	if got.DeviceID != "0000002A" {
		t.Errorf("device_id = %q, want 0000002A", got.DeviceID)
	}
	if got.Temperature == nil || *got.Temperature != 25.5 {
		t.Errorf("temperature_c = %v, want 25.5", got.Temperature)
	}
	if got.WindSpeed == nil || *got.WindSpeed != 10 {
		t.Errorf("wind_speed_ms = %v, want 10", got.WindSpeed)
	}

	stopProcess(t, node)
	stopProcess(t, decoder)
}

func publishSample(t *testing.T, ctx context.Context, mc *mqtt.Client, kind uint8, tempWind uint16, humidity uint8) {
	t.Helper()

	payload := fmt.Sprintf(`{"id":42,"kind":%d,"tempwind":%d,"humidity":%d}`, kind, tempWind, humidity)
	if err := mc.Publish(ctx, sensorTopic, 0, false, []byte(payload)); err != nil {
		t.Fatalf("publish sample: %v", err)
	}
}

func startBroker(t *testing.T) (string, int) {
	t.Helper()

	ctx := context.Background()
	mqttPort := nat.Port("1883/tcp")

	req := tc.ContainerRequest{
		Image:        "eclipse-mosquitto:2",
		ExposedPorts: []string{string(mqttPort)},
		// The image ships a config that allows anonymous clients on 1883.
		Cmd:        []string{"mosquitto", "-c", "/mosquitto-no-auth.conf"},
		WaitingFor: wait.ForListeningPort(mqttPort).WithStartupTimeout(30 * time.Second),
	}

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start mosquitto container: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(ctx)
	})

	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, mqttPort)
	if err != nil {
		t.Fatalf("mapped port: %v", err)
	}

	return host, mapped.Int()
}

func repoRootPath(t *testing.T) string {
	t.Helper()

	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}

	repo := filepath.Clean(filepath.Join(wd, repoRootRel))
	if _, err := os.Stat(filepath.Join(repo, "go.mod")); err != nil {
		t.Fatalf("repo root %q does not contain go.mod: %v", repo, err)
	}

	return repo
}

func buildBinary(t *testing.T, repoRoot, pkg, name string) string {
	t.Helper()

	out := filepath.Join(t.TempDir(), name)

	build := exec.Command("go", "build", "-o", out, pkg)
	build.Dir = repoRoot
	build.Env = os.Environ()

	b, err := build.CombinedOutput()
	if err != nil {
		t.Fatalf("go build %s failed: %v\n%s", pkg, err, string(b))
	}

	return out
}

func startProcess(t *testing.T, bin string, env []string) *exec.Cmd {
	t.Helper()

	cmd := exec.Command(bin)
	cmd.Env = env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		t.Fatalf("start %s: %v", filepath.Base(bin), err)
	}
	t.Cleanup(func() {
		_ = cmd.Process.Kill()
		_, _ = cmd.Process.Wait()
	})

	return cmd
}

func pickFreeAddr(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen :0: %v", err)
	}
	defer ln.Close()

	return ln.Addr().String()
}

func waitForOK(t *testing.T, client *http.Client, url string, timeout time.Duration) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("not healthy after %s: %s", timeout, url)
}

func stopProcess(t *testing.T, cmd *exec.Cmd) {
	t.Helper()

	_ = cmd.Process.Signal(syscall.SIGTERM)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		t.Fatalf("process did not exit in time")
	case err := <-done:
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				t.Fatalf("process exited non-zero: %v", err)
			}
			t.Fatalf("wait error: %v", err)
		}
	}
}
