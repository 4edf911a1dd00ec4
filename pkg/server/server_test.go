package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/realtime-ai/turntaking/pkg/audio"
	"github.com/realtime-ai/turntaking/pkg/connection"
	"github.com/realtime-ai/turntaking/pkg/pipeline"
	"github.com/realtime-ai/turntaking/pkg/turn"
	"github.com/realtime-ai/turntaking/pkg/vad"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTurnConfig() turn.Config {
	return turn.Config{
		ActivityThreshold:  0.5,
		MinSpeechDuration:  0.2,
		MinSilenceDuration: 0.65,
		SilenceResetGrace:  0.5,
		MinVolumeRMS:       0.01,
		SampleRate:         1000,
		FrameSize:          10,
		ContextPadding:     0.1,
		Retention:          20,
		DebounceWindow:     50 * time.Millisecond,
		CancelTimeout:      5 * time.Second,
	}
}

func testServerConfig() Config {
	cfg := DefaultConfig()
	cfg.Session = SessionConfig{Turn: testTurnConfig(), Pace: true}
	return cfg
}

func amplitudeClassifiers() (vad.Classifier, error) {
	return vad.NewAmplitudeClassifier(), nil
}

func echoPipelines(context.Context, string) (pipeline.ConversationPipeline, error) {
	return pipeline.NewEchoPipeline(), nil
}

type testClient struct {
	t       *testing.T
	ws      *websocket.Conn
	binary  int
	notices []connection.Notice
}

func startServer(t *testing.T, cfg Config, pipes PipelineFactory) (*Server, string) {
	t.Helper()
	srv := New(cfg, amplitudeClassifiers, pipes)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		hs.Close()
	})
	return srv, "ws" + strings.TrimPrefix(hs.URL, "http") + cfg.Path
}

func dial(t *testing.T, url string) *testClient {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return &testClient{t: t, ws: ws}
}

// next returns the next JSON notice, counting binary frames on the way.
func (c *testClient) next() connection.Notice {
	c.t.Helper()
	for {
		c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		mt, data, err := c.ws.ReadMessage()
		require.NoError(c.t, err)
		if mt == websocket.BinaryMessage {
			c.binary++
			continue
		}
		var n connection.Notice
		require.NoError(c.t, json.Unmarshal(data, &n))
		c.notices = append(c.notices, n)
		return n
	}
}

func (c *testClient) waitFor(noticeType string) connection.Notice {
	c.t.Helper()
	for {
		if n := c.next(); n.Type == noticeType {
			return n
		}
	}
}

func (c *testClient) sendPCM(seconds float64, value float32) {
	c.t.Helper()
	frames := int(seconds*100 + 0.5)
	frame := make([]float32, 10)
	for i := range frame {
		frame[i] = value
	}
	for i := 0; i < frames; i++ {
		require.NoError(c.t, c.ws.WriteMessage(websocket.BinaryMessage, audio.EncodePCM16(frame)))
	}
}

func (c *testClient) types() []string {
	out := make([]string, 0, len(c.notices))
	for _, n := range c.notices {
		out = append(out, n.Type)
	}
	return out
}

func TestServer_SpeechTurn(t *testing.T) {
	_, url := startServer(t, testServerConfig(), echoPipelines)
	c := dial(t, url)

	hello := c.next()
	assert.Equal(t, connection.NoticeSession, hello.Type)
	assert.NotEmpty(t, hello.SessionID)

	c.sendPCM(0.3, 0.5)
	c.sendPCM(0.7, 0)

	started := c.waitFor("speech_started")
	assert.Equal(t, hello.SessionID, started.SessionID)

	ready := c.waitFor("turn_ready")
	assert.Contains(t, ready.Text, "of speech in 1 part(s)")

	// Paced audio and the completion notice interleave.
	var format, done *connection.Notice
	for format == nil || done == nil || c.binary == 0 {
		c.ws.SetReadDeadline(time.Now().Add(5 * time.Second))
		mt, data, err := c.ws.ReadMessage()
		require.NoError(t, err)
		if mt == websocket.BinaryMessage {
			c.binary++
			continue
		}
		var n connection.Notice
		require.NoError(t, json.Unmarshal(data, &n))
		c.notices = append(c.notices, n)
		switch n.Type {
		case connection.NoticeAudioFormat:
			format = &n
		case "turn_completed":
			done = &n
		}
	}
	assert.Equal(t, 1000, format.SampleRate)
	assert.False(t, done.Cancelled)
	assert.Equal(t, ready.TurnID, done.TurnID)

	assert.Less(t, indexOf(c.types(), "speech_started"), indexOf(c.types(), "turn_dispatched"))
}

func TestServer_TextTurn(t *testing.T) {
	_, url := startServer(t, testServerConfig(), echoPipelines)
	c := dial(t, url)
	c.waitFor(connection.NoticeSession)

	require.NoError(t, c.ws.WriteJSON(connection.ClientMessage{Type: "text", Text: "hello"}))

	ready := c.waitFor("turn_ready")
	assert.Equal(t, "hello", ready.Text)
	text := c.waitFor("response_text")
	assert.Equal(t, "You said: hello", text.Text)
	c.waitFor("turn_completed")
	assert.Zero(t, c.binary)
}

func TestServer_ResetDuringCapture(t *testing.T) {
	srv, url := startServer(t, testServerConfig(), echoPipelines)
	c := dial(t, url)
	hello := c.waitFor(connection.NoticeSession)

	c.sendPCM(0.3, 0.5)
	c.waitFor("speech_started")
	require.NoError(t, c.ws.WriteJSON(connection.ClientMessage{Type: "reset"}))

	srv.sessionsMu.RLock()
	session := srv.sessions[hello.SessionID]
	srv.sessionsMu.RUnlock()
	require.NotNil(t, session)

	assert.Eventually(t, func() bool {
		return session.Orchestrator().State() == turn.Snapshot{Phase: turn.PhaseIdle}
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_Unauthorized(t *testing.T) {
	cfg := testServerConfig()
	cfg.AuthToken = "secret"
	_, url := startServer(t, cfg, echoPipelines)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Authorization": []string{"Bearer secret"}}
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	ws.Close()
}

func TestServer_PipelineFactoryError(t *testing.T) {
	failing := func(context.Context, string) (pipeline.ConversationPipeline, error) {
		return nil, errors.New("no backend")
	}
	srv, url := startServer(t, testServerConfig(), failing)
	c := dial(t, url)

	n := c.next()
	assert.Equal(t, connection.NoticeError, n.Type)
	assert.NotContains(t, n.Error, "no backend")
	assert.Zero(t, srv.SessionCount())
}

func TestServer_HealthAndSessionLifecycle(t *testing.T) {
	srv, url := startServer(t, testServerConfig(), echoPipelines)
	c := dial(t, url)
	c.waitFor(connection.NoticeSession)
	assert.Equal(t, 1, srv.SessionCount())

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","sessions":1}`, rec.Body.String())

	c.ws.Close()
	assert.Eventually(t, func() bool { return srv.SessionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv := New(testServerConfig(), amplitudeClassifiers, echoPipelines)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	cfg := testServerConfig()
	cfg.MetricsHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("turntaking_bargeins_total 0\n"))
	})
	srv = New(cfg, amplitudeClassifiers, echoPipelines)
	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "turntaking_bargeins_total")
}

func TestServer_ServeStopsOnCancel(t *testing.T) {
	cfg := testServerConfig()
	srv := New(cfg, amplitudeClassifiers, echoPipelines)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()

	c := dial(t, "ws://"+ln.Addr().String()+cfg.Path)
	c.waitFor(connection.NoticeSession)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	assert.Zero(t, srv.SessionCount())

	c.ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			break
		}
	}
}

func indexOf(list []string, v string) int {
	for i, s := range list {
		if s == v {
			return i
		}
	}
	return -1
}
