package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	appconfig "marketstream/config"
	"marketstream/internal/channel"
	"marketstream/internal/ranking"
	"marketstream/models"
)

func streamConfig() *appconfig.Config {
	return &appconfig.Config{
		Marketstream: appconfig.MarketstreamConfig{Name: "marketstream", Version: "test"},
		Ranking:      appconfig.RankingConfig{PublishInterval: 50 * time.Millisecond},
		Server: appconfig.ServerConfig{
			Address:           "127.0.0.1:0",
			StreamPath:        "/v1/ws/top-gainers",
			SendQueueSize:     8,
			HeartbeatInterval: 30 * time.Second,
			WriteTimeout:      time.Second,
		},
	}
}

type fixture struct {
	cfg    *appconfig.Config
	engine *ranking.Engine
	hub    *Hub
	ts     *httptest.Server
}

func newFixture(t *testing.T, cfg *appconfig.Config) *fixture {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	engine := ranking.NewEngine(channel.NewChannels(16))
	hub := NewHub(cfg, engine, nil, nil)
	if err := hub.Start(ctx); err != nil {
		t.Fatalf("hub start failed: %v", err)
	}

	srv := NewServer(cfg, hub, engine)
	ts := httptest.NewServer(srv.Handler())

	t.Cleanup(func() {
		ts.Close()
		cancel()
		hub.Stop()
	})

	return &fixture{cfg: cfg, engine: engine, hub: hub, ts: ts}
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + f.cfg.Server.StreamPath
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntilType reads frames until one with the wanted type arrives, skipping
// everything else.
func readUntilType(t *testing.T, conn *websocket.Conn, want string, deadline time.Duration) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(deadline))
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read failed while waiting for %q frame: %v", want, err)
		}
		var envelope struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(payload, &envelope); err != nil {
			t.Fatalf("unparseable frame: %v", err)
		}
		if envelope.Type == want {
			return payload
		}
	}
}

func applyCoin(engine *ranking.Engine, symbol string, changePct, volume float64) {
	engine.Apply(models.Tick{
		Symbol: symbol,
		Snapshot: models.CoinSnapshot{
			Symbol:       symbol,
			MidPrice:     1,
			DayChangePct: changePct,
			Volume24h:    volume,
		},
		Timestamp: time.Now(),
	})
}

func TestHeartbeatGetsPongReply(t *testing.T) {
	f := newFixture(t, streamConfig())
	conn := f.dial(t)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(models.HeartbeatPayload)); err != nil {
		t.Fatalf("write ping failed: %v", err)
	}

	payload := readUntilType(t, conn, models.MessageTypePong, 2*time.Second)
	var pong models.PongMessage
	if err := json.Unmarshal(payload, &pong); err != nil {
		t.Fatalf("bad pong payload: %v", err)
	}
}

func TestSnapshotBroadcastOrdering(t *testing.T) {
	f := newFixture(t, streamConfig())

	applyCoin(f.engine, "AAAUSDT", 5.0, 100)
	applyCoin(f.engine, "BBBUSDT", -3.0, 500)
	applyCoin(f.engine, "CCCUSDT", 12.5, 50)
	applyCoin(f.engine, "DDDUSDT", 0.0, 900)
	applyCoin(f.engine, "EEEUSDT", -8.0, 10)

	conn := f.dial(t)
	payload := readUntilType(t, conn, models.MessageTypeTopGainersUpdate, 2*time.Second)

	var msg models.SnapshotMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		t.Fatalf("bad snapshot payload: %v", err)
	}

	if msg.Timestamp <= 0 {
		t.Error("snapshot timestamp must be a positive millisecond value")
	}
	if msg.Data.TotalCoins != 5 {
		t.Fatalf("expected 5 coins, got %d", msg.Data.TotalCoins)
	}
	if got := msg.Data.Gainers[0].Symbol; got != "CCCUSDT" {
		t.Errorf("top gainer should be CCCUSDT, got %s", got)
	}
	if got := msg.Data.Losers[0].Symbol; got != "EEEUSDT" {
		t.Errorf("top loser should be EEEUSDT, got %s", got)
	}
	if got := msg.Data.TopVolume[0].Symbol; got != "DDDUSDT" {
		t.Errorf("top volume should be DDDUSDT, got %s", got)
	}
	for i := 1; i < len(msg.Data.Gainers); i++ {
		if msg.Data.Gainers[i-1].DayChangePct < msg.Data.Gainers[i].DayChangePct {
			t.Errorf("gainers out of order at %d", i)
		}
	}
}

func TestShiftingLeaderAcrossSnapshots(t *testing.T) {
	f := newFixture(t, streamConfig())

	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT", "EEEUSDT"}
	for _, s := range symbols {
		applyCoin(f.engine, s, 0.0, 100)
	}

	conn := f.dial(t)

	// Promote a different symbol each round and wait for a broadcast that
	// reflects it.
	for round, leader := range []string{"BBBUSDT", "EEEUSDT", "CCCUSDT"} {
		applyCoin(f.engine, leader, float64(10+round), 100)

		deadline := time.Now().Add(2 * time.Second)
		for {
			payload := readUntilType(t, conn, models.MessageTypeTopGainersUpdate, 2*time.Second)
			var msg models.SnapshotMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				t.Fatalf("bad snapshot payload: %v", err)
			}
			if msg.Data.Gainers[0].Symbol == leader {
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("round %d: leader never became %s, got %s",
					round, leader, msg.Data.Gainers[0].Symbol)
			}
		}
	}
}

func TestNewSubscriberGetsReplayFrame(t *testing.T) {
	f := newFixture(t, streamConfig())
	applyCoin(f.engine, "AAAUSDT", 1.0, 100)

	// Let at least one publish cycle complete before connecting.
	first := f.dial(t)
	readUntilType(t, first, models.MessageTypeTopGainersUpdate, 2*time.Second)

	late := f.dial(t)
	late.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := late.ReadMessage(); err != nil {
		t.Fatalf("late subscriber should get the last frame immediately: %v", err)
	}
}

func TestEnqueueKeepsLatest(t *testing.T) {
	hub := NewHub(streamConfig(), nil, nil, nil)
	s := &Session{send: make(chan []byte, 2)}

	hub.enqueue(s, []byte("frame-1"))
	hub.enqueue(s, []byte("frame-2"))
	hub.enqueue(s, []byte("frame-3"))

	if got := string(<-s.send); got != "frame-2" {
		t.Errorf("oldest frame should have been evicted, head is %s", got)
	}
	if got := string(<-s.send); got != "frame-3" {
		t.Errorf("newest frame must survive, got %s", got)
	}

	hub.mu.RLock()
	defer hub.mu.RUnlock()
	if hub.framesDropped != 1 {
		t.Errorf("expected 1 dropped frame, got %d", hub.framesDropped)
	}
}

func TestSessionLifecycleStates(t *testing.T) {
	s := &Session{send: make(chan []byte, 1)}

	if s.State() != StateConnecting || s.StateName() != "connecting" {
		t.Fatalf("fresh session should be connecting, got %s", s.StateName())
	}
	s.state.Store(StateOpen)
	if s.StateName() != "open" {
		t.Fatalf("unexpected state name: %s", s.StateName())
	}
	s.state.Store(StateClosing)
	if s.StateName() != "closing" {
		t.Fatalf("unexpected state name: %s", s.StateName())
	}
	s.state.Store(StateClosed)
	if s.StateName() != "closed" {
		t.Fatalf("unexpected state name: %s", s.StateName())
	}
}

func TestIdleSessionReaped(t *testing.T) {
	cfg := streamConfig()
	cfg.Server.HeartbeatInterval = 50 * time.Millisecond
	f := newFixture(t, cfg)

	conn := f.dial(t)

	// Never send a heartbeat. The reaper should cut the session after three
	// missed intervals and the read side should observe the close.
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func TestSessionSurvivesWithHeartbeats(t *testing.T) {
	cfg := streamConfig()
	cfg.Server.HeartbeatInterval = 50 * time.Millisecond
	f := newFixture(t, cfg)

	conn := f.dial(t)

	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(models.HeartbeatPayload)); err != nil {
			t.Fatalf("heartbeat write failed, session reaped too early: %v", err)
		}
		readUntilType(t, conn, models.MessageTypePong, time.Second)
		time.Sleep(40 * time.Millisecond)
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := newFixture(t, streamConfig())
	applyCoin(f.engine, "AAAUSDT", 1.0, 100)

	res, err := http.Get(f.ts.URL + "/api/status")
	if err != nil {
		t.Fatalf("status request failed: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status code %d", res.StatusCode)
	}

	var body struct {
		Service  string `json:"service"`
		Version  string `json:"version"`
		Universe int    `json:"universe"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("bad status body: %v", err)
	}
	if body.Service != "marketstream" || body.Version != "test" {
		t.Errorf("unexpected identity: %+v", body)
	}
	if body.Universe != 1 {
		t.Errorf("expected universe of 1, got %d", body.Universe)
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t, streamConfig())

	res, err := http.Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status code %d", res.StatusCode)
	}
}
