package web

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"mcsmotor/internal/config"
	"mcsmotor/internal/monitor"
	"mcsmotor/internal/motor"
	"mcsmotor/internal/platform"
	"mcsmotor/internal/shield"
)

func newTestServer(t *testing.T) (*httptest.Server, *platform.Sim, *shield.Shield, *monitor.Service) {
	t.Helper()
	sim := platform.NewSim()
	sh, err := shield.New(sim, config.Default())
	if err != nil {
		t.Fatalf("shield.New: %v", err)
	}
	mon := monitor.New(monitor.Config{Interval: time.Hour}, sh)
	ts := httptest.NewServer(Handler(sh, mon, nil))
	t.Cleanup(func() {
		ts.Close()
		_ = sh.Close()
	})
	return ts, sim, sh, mon
}

func do(t *testing.T, method, url, body string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, string(b)
}

func decodeMotor(t *testing.T, body string) MotorResponse {
	t.Helper()
	var m MotorResponse
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		t.Fatalf("decode %q: %v", body, err)
	}
	return m
}

func TestMotorLifecycleOverHTTP(t *testing.T) {
	ts, sim, sh, _ := newTestServer(t)
	base := ts.URL + "/api/motors/1"

	resp, body := do(t, http.MethodPost, base+"/begin", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("begin status=%d body=%s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
	m := decodeMotor(t, body)
	if !m.Enabled || m.Running || !m.InUse || m.Mode != motor.ModeOff {
		t.Fatalf("after begin=%+v", m)
	}

	resp, body = do(t, http.MethodPost, base+"/start", `{"speed":200}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start status=%d body=%s", resp.StatusCode, body)
	}
	m = decodeMotor(t, body)
	if !m.Running || m.Speed != 200 || m.Mode != motor.ModeModulated {
		t.Fatalf("after start=%+v", m)
	}
	hb, _ := sh.HalfBridge(1)
	if d, ok := sim.Duty(hb.Drive); !ok || d != 200 {
		t.Fatalf("duty=%d,%v want 200", d, ok)
	}

	resp, body = do(t, http.MethodPut, base+"/speed", `{"speed":250}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("speed status=%d body=%s", resp.StatusCode, body)
	}
	if m = decodeMotor(t, body); m.Mode != motor.ModeFullOn {
		t.Fatalf("after speed 250=%+v", m)
	}

	resp, body = do(t, http.MethodPost, base+"/stop", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop status=%d", resp.StatusCode)
	}
	if m = decodeMotor(t, body); m.Running {
		t.Fatalf("after stop=%+v", m)
	}

	resp, body = do(t, http.MethodPost, base+"/end", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("end status=%d", resp.StatusCode)
	}
	if m = decodeMotor(t, body); m.Enabled || m.InUse {
		t.Fatalf("after end=%+v", m)
	}
}

func TestBeginTwiceIsConflict(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	url := ts.URL + "/api/motors/2/begin"
	if resp, _ := do(t, http.MethodPost, url, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("first begin status=%d", resp.StatusCode)
	}
	resp, body := do(t, http.MethodPost, url, "")
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second begin status=%d want 409", resp.StatusCode)
	}
	if !strings.Contains(body, "already in use") {
		t.Fatalf("body=%q", body)
	}
}

func TestBadRequests(t *testing.T) {
	ts, _, _, _ := newTestServer(t)
	cases := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"UnknownMotor", http.MethodGet, "/api/motors/3", "", http.StatusNotFound},
		{"SpeedOutOfRange", http.MethodPut, "/api/motors/1/speed", `{"speed":300}`, http.StatusBadRequest},
		{"SpeedMissing", http.MethodPut, "/api/motors/1/speed", `{}`, http.StatusBadRequest},
		{"SpeedNotJSON", http.MethodPut, "/api/motors/1/speed", `fast`, http.StatusBadRequest},
		{"WrongMethod", http.MethodGet, "/api/motors/1/begin", "", http.StatusMethodNotAllowed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, body := do(t, tc.method, ts.URL+tc.path, tc.body)
			if resp.StatusCode != tc.want {
				t.Fatalf("status=%d want %d body=%s", resp.StatusCode, tc.want, body)
			}
		})
	}
}

func TestListMotorsAndSense(t *testing.T) {
	ts, sim, _, _ := newTestServer(t)
	sim.SetAnalog(1, 777)

	resp, body := do(t, http.MethodGet, ts.URL+"/api/motors", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var list []MotorResponse
	if err := json.Unmarshal([]byte(body), &list); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(list) != 2 || list[0].ID != 1 || list[1].ID != 2 {
		t.Fatalf("list=%+v", list)
	}

	resp, body = do(t, http.MethodGet, ts.URL+"/api/motors/2/sense", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("sense status=%d", resp.StatusCode)
	}
	var s SenseResponse
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.ID != 2 || s.Raw != 777 {
		t.Fatalf("sense=%+v", s)
	}
}

func TestStatusAndWebsocketStream(t *testing.T) {
	ts, sim, _, mon := newTestServer(t)
	sim.SetAnalog(0, 42)
	mon.Sample()

	resp, body := do(t, http.MethodGet, ts.URL+"/api/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var snap monitor.Snapshot
	if err := json.Unmarshal([]byte(body), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(snap.Channels) != 2 || snap.Channels[0].SenseRaw != 42 {
		t.Fatalf("snap=%+v", snap)
	}

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/status"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first monitor.Snapshot
	if err := conn.ReadJSON(&first); err != nil {
		t.Fatalf("read first: %v", err)
	}
	if first.Samples != 1 {
		t.Fatalf("first samples=%d want 1", first.Samples)
	}

	// The subscription is registered before the first write, so this sample
	// is delivered.
	sim.SetAnalog(0, 43)
	mon.Sample()
	var next monitor.Snapshot
	if err := conn.ReadJSON(&next); err != nil {
		t.Fatalf("read next: %v", err)
	}
	if next.Samples != 2 || next.Channels[0].SenseRaw != 43 {
		t.Fatalf("next=%+v", next)
	}
}

func TestLogsEndpoint(t *testing.T) {
	buf := NewLogBuffer(3)
	lg := log.New(buf, "", 0)
	for i := 0; i < 5; i++ {
		lg.Printf("line %d", i)
	}
	_, _ = buf.Write([]byte("partial"))

	sh, err := shield.New(platform.NewSim(), config.Default())
	if err != nil {
		t.Fatalf("shield.New: %v", err)
	}
	ts := httptest.NewServer(Handler(sh, nil, buf))
	defer ts.Close()

	resp, body := do(t, http.MethodGet, ts.URL+"/api/logs?tail=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d body=%s", resp.StatusCode, body)
	}
	var lr LogsResponse
	if err := json.Unmarshal([]byte(body), &lr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fmt.Sprint(lr.Lines) != "[line 3 line 4]" {
		t.Fatalf("lines=%v", lr.Lines)
	}
	if lr.Dropped != 2 {
		t.Fatalf("dropped=%d want 2", lr.Dropped)
	}

	if resp, _ := do(t, http.MethodGet, ts.URL+"/api/logs?tail=9", ""); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("tail=9 status=%d want 400", resp.StatusCode)
	}
	if resp, _ := do(t, http.MethodGet, ts.URL+"/api/status", ""); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status without monitor=%d want 404", resp.StatusCode)
	}
}
