package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/spotters/internal/app"
	"github.com/MrWong99/spotters/internal/config"
	"github.com/MrWong99/spotters/internal/observe"
	"github.com/MrWong99/spotters/internal/server"
	"github.com/MrWong99/spotters/internal/settings"
	"github.com/MrWong99/spotters/pkg/audio"
	"github.com/MrWong99/spotters/pkg/audio/mock"
)

const aliceConfig = `{
  "port": 0,
  "users": [
    {
      "username": "Alice",
      "audioDeviceId": "Mic A",
      "characters": [
        {"name": "Knight", "visible": true, "active": false},
        {"name": "Rogue", "visible": false, "active": false}
      ]
    }
  ]
}
`

// testSettings returns settings pointing at a config file in a temp dir and
// binding the server to loopback.
func testSettings(t *testing.T, configJSON string) settings.Settings {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, config.FileName)
	if configJSON != "" {
		if err := os.WriteFile(path, []byte(configJSON), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	s := settings.Default()
	s.Server.Host = "127.0.0.1"
	s.Server.ShutdownTimeout = 2 * time.Second
	s.Store.Path = path
	s.Store.DefaultPath = filepath.Join(dir, "missing-default.json")
	s.Store.AssetsDir = ""
	s.Store.SaveDelay = time.Millisecond
	s.Store.WatchInterval = 20 * time.Millisecond
	return s
}

func testBackend() *mock.Backend {
	return &mock.Backend{
		DevicesResult: []audio.Device{
			{Name: "Mic A", MaxInputChannels: 1},
			{Name: "Mic B", MaxInputChannels: 1},
		},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	return m
}

// startApp runs a in the background and waits until it is listening.
func startApp(t *testing.T, a *app.App) (addr string, stop func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for a.Addr() == nil {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("app did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	addr = a.Addr().String()

	stopped := false
	stop = func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
			return nil
		}
	}
	t.Cleanup(func() {
		_ = stop()
		_ = a.Shutdown(context.Background())
	})
	return addr, stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

type invocation struct {
	Type      int    `json:"type"`
	Target    string `json:"target"`
	Arguments []any  `json:"arguments"`
}

func TestNew_RequiresBackend(t *testing.T) {
	t.Parallel()
	_, err := app.New(context.Background(), testSettings(t, aliceConfig))
	if !errors.Is(err, app.ErrNoBackend) {
		t.Errorf("New without backend: got %v, want ErrNoBackend", err)
	}
}

func TestNew_MalformedConfigFallsBackToDefault(t *testing.T) {
	t.Parallel()
	const broken = `{"port": 1234, "users": [`
	s := testSettings(t, broken)

	a, err := app.New(context.Background(), s, app.WithBackend(testBackend()), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	snap := a.Roster().Snapshot()
	if !snap.Equal(config.Default()) {
		t.Errorf("roster = %+v, want default configuration", snap)
	}
	data, err := os.ReadFile(s.Store.Path)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != broken {
		t.Errorf("malformed file was rewritten: %q", data)
	}
}

func TestNew_SeedsMissingConfig(t *testing.T) {
	t.Parallel()
	s := testSettings(t, "")

	a, err := app.New(context.Background(), s, app.WithBackend(testBackend()), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })

	if _, err := os.Stat(s.Store.Path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if got := a.Roster().Port(); got != config.DefaultPort {
		t.Errorf("port = %d, want %d", got, config.DefaultPort)
	}
}

func TestApp_VolumeReachesOverlayAndUpdatesPersist(t *testing.T) {
	t.Parallel()
	s := testSettings(t, aliceConfig)
	backend := testBackend()

	a, err := app.New(context.Background(), s, app.WithBackend(backend), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	addr, stop := startApp(t, a)

	stream := backend.Stream("Mic A")
	if stream == nil || !stream.Running() {
		t.Fatal("capture stream for Mic A not running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+server.HubPath, nil)
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	defer conn.CloseNow()

	// The subscription is registered asynchronously; keep producing frames
	// until the first event arrives.
	frame := audio.AudioFrame{Data: audio.Int16ToPCM(nil, []int16{100, -16384, 200}), SampleRate: 44100, Channels: 1}
	go func() {
		for ctx.Err() == nil {
			stream.Emit(frame)
			time.Sleep(10 * time.Millisecond)
		}
	}()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var inv invocation
	if err := json.Unmarshal(data, &inv); err != nil {
		t.Fatalf("decode event %s: %v", data, err)
	}
	if inv.Target != "ReceiveVolume" || len(inv.Arguments) != 4 {
		t.Fatalf("unexpected event %s", data)
	}
	if inv.Arguments[0] != "Alice" || inv.Arguments[2] != "Knight" || inv.Arguments[3] != true {
		t.Errorf("first event = %v, want Alice/Knight/visible", inv.Arguments)
	}
	if v, _ := inv.Arguments[1].(float64); v != 5 {
		t.Errorf("volume = %v, want 5", inv.Arguments[1])
	}

	body := `[{"name":"rogue","visible":true,"active":true},{"name":"KNIGHT","visible":true,"active":false}]`
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, "http://"+addr+"/spotter/update-characters/alice", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PATCH status = %d, want 200", resp.StatusCode)
	}

	data, err = os.ReadFile(s.Store.Path)
	if err != nil {
		t.Fatal(err)
	}
	saved, err := config.Decode(data)
	if err != nil {
		t.Fatalf("decode saved config: %v", err)
	}
	chars := saved.Users[0].Characters
	if chars[0].Name != "Knight" || chars[0].Active || !chars[1].Active || !chars[1].Visible {
		t.Errorf("saved characters = %+v, want Rogue active and visible", chars)
	}

	cancel()
	if err := stop(); !errors.Is(err, context.Canceled) {
		t.Errorf("Run returned %v, want context.Canceled", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if stream.Running() {
		t.Error("capture stream still running after Shutdown")
	}
}

func TestApp_ReloadRestartsChangedDevices(t *testing.T) {
	t.Parallel()
	s := testSettings(t, aliceConfig)
	backend := testBackend()

	a, err := app.New(context.Background(), s, app.WithBackend(backend), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startApp(t, a)

	edited := strings.Replace(aliceConfig, `"Mic A"`, `"Mic B"`, 1)
	if err := os.WriteFile(s.Store.Path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(s.Store.Path, future, future); err != nil {
		t.Fatal(err)
	}

	waitFor(t, "capture on Mic B", func() bool {
		st := backend.Stream("Mic B")
		return st != nil && st.Running()
	})
	if backend.Stream("Mic A").Running() {
		t.Error("stream on the old device still running after reload")
	}
	u, err := a.Roster().User("ALICE")
	if err != nil {
		t.Fatal(err)
	}
	if u.DeviceID() != "Mic B" {
		t.Errorf("roster device = %q, want Mic B", u.DeviceID())
	}
}

func TestApp_AudioFailureKeepsServerUp(t *testing.T) {
	t.Parallel()
	s := testSettings(t, strings.Replace(aliceConfig, `"Mic A"`, `"Unplugged"`, 1))

	a, err := app.New(context.Background(), s, app.WithBackend(testBackend()), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	addr, _ := startApp(t, a)

	resp, err := http.Get("http://" + addr + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503", resp.StatusCode)
	}
	var body struct {
		Checks  map[string]string `json:"checks"`
		Details struct {
			Audio []struct {
				Username string `json:"username"`
				State    string `json:"state"`
			} `json:"audio"`
		} `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.HasPrefix(body.Checks["audio"], "fail") {
		t.Errorf("audio check = %q, want failure", body.Checks["audio"])
	}
	if body.Checks["broadcast"] != "ok" {
		t.Errorf("broadcast check = %q, want ok", body.Checks["broadcast"])
	}
	if len(body.Details.Audio) != 1 || body.Details.Audio[0].State != "failed" {
		t.Errorf("audio details = %+v, want Alice failed", body.Details.Audio)
	}

	home, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	home.Body.Close()
	if home.StatusCode != http.StatusOK {
		t.Errorf("GET / status = %d, want 200", home.StatusCode)
	}
}

func TestApp_ServesWithoutAudioBackend(t *testing.T) {
	t.Parallel()
	s := testSettings(t, aliceConfig)
	errInit := errors.New("portaudio: backend unavailable")

	a, err := app.New(context.Background(), s, app.WithBackend(audio.Unavailable(errInit)), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	addr, _ := startApp(t, a)

	resp, err := http.Get("http://" + addr + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503", resp.StatusCode)
	}
	var body struct {
		Checks  map[string]string `json:"checks"`
		Details struct {
			Audio []struct {
				State string `json:"state"`
			} `json:"audio"`
		} `json:"details"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(body.Checks["audio"], errInit.Error()) {
		t.Errorf("audio check = %q, want the backend error", body.Checks["audio"])
	}
	if len(body.Details.Audio) != 1 || body.Details.Audio[0].State != "failed" {
		t.Errorf("audio details = %+v, want Alice failed", body.Details.Audio)
	}

	// Character updates still persist without capture.
	req, err := http.NewRequest(http.MethodPatch, "http://"+addr+"/spotter/update-characters/Alice",
		strings.NewReader(`[{"name":"Rogue","visible":true,"active":true},{"name":"Knight","visible":true,"active":false}]`))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	patch, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	patch.Body.Close()
	if patch.StatusCode != http.StatusOK {
		t.Errorf("PATCH status = %d, want 200", patch.StatusCode)
	}
}

func TestApp_NegativeWatchIntervalDisablesReload(t *testing.T) {
	t.Parallel()
	s := testSettings(t, aliceConfig)
	s.Store.WatchInterval = -time.Second
	backend := testBackend()

	a, err := app.New(context.Background(), s, app.WithBackend(backend), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	startApp(t, a)

	edited := strings.Replace(aliceConfig, `"Mic A"`, `"Mic B"`, 1)
	if err := os.WriteFile(s.Store.Path, []byte(edited), 0o644); err != nil {
		t.Fatal(err)
	}
	future := time.Now().Add(time.Hour)
	if err := os.Chtimes(s.Store.Path, future, future); err != nil {
		t.Fatal(err)
	}

	// Default polling would pick the edit up well within this window.
	time.Sleep(config.DefaultWatchInterval + 500*time.Millisecond)

	u, err := a.Roster().User("Alice")
	if err != nil {
		t.Fatal(err)
	}
	if u.DeviceID() != "Mic A" {
		t.Errorf("roster device = %q after edit, want Mic A (watching disabled)", u.DeviceID())
	}
	if backend.Stream("Mic B") != nil {
		t.Error("capture was restarted on the edited device")
	}
}
