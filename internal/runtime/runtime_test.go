package runtime

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.Bus.Enabled = false
	cfg.EventStore.Path = filepath.Join(t.TempDir(), "narrator.db")
	cfg.EventStore.StoreAudio = true
	cfg.Playback.Sink = "null"
	cfg.Text.MinSentenceLength = 5
	return cfg
}

func startTestRuntime(t *testing.T, cfg config.Config) (*Runtime, *httptest.Server) {
	t.Helper()
	r := New(cfg, newLogger())
	if err := r.setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	r.ready.Store(true)
	srv := httptest.NewServer(r.routes(nil))
	t.Cleanup(func() {
		srv.Close()
		r.close(context.Background())
	})
	return r, srv
}

func postNarrate(t *testing.T, srv *httptest.Server, body string) (*http.Response, protocol.NarrateReply) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/narrate", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	var reply protocol.NarrateReply
	if err := protocol.Decode(data, &reply); err != nil {
		t.Fatalf("decode reply %s: %v", data, err)
	}
	return resp, reply
}

func waitForRun(t *testing.T, srv *httptest.Server) eventstore.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(srv.URL + "/v1/runs")
		if err != nil {
			t.Fatalf("list runs: %v", err)
		}
		data, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		var runs []eventstore.Run
		if err := protocol.Decode(data, &runs); err != nil {
			t.Fatalf("decode runs %s: %v", data, err)
		}
		if len(runs) > 0 {
			return runs[0]
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("run was not recorded")
	return eventstore.Run{}
}

func TestReadyz(t *testing.T) {
	r, srv := startTestRuntime(t, testConfig(t))
	r.ready.Store(false)
	resp, err := http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", resp.StatusCode)
	}
	r.ready.Store(true)
	resp, err = http.Get(srv.URL + "/readyz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", resp.StatusCode)
	}
}

func TestNarrateOverHTTPRecordsRun(t *testing.T) {
	_, srv := startTestRuntime(t, testConfig(t))

	resp, reply := postNarrate(t, srv, `{"request_id":"http-1","text":"The first sentence is here. The second sentence follows it."}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%+v)", resp.StatusCode, reply)
	}
	if reply.RunID == 0 || reply.RequestID != "http-1" {
		t.Fatalf("unexpected reply %+v", reply)
	}

	run := waitForRun(t, srv)
	if run.Status != pipeline.StatusCompleted {
		t.Fatalf("unexpected status %s (%s)", run.Status, run.Error)
	}
	if run.Result.Sentences != 2 || !strings.Contains(run.Result.Summary, "second sentence") {
		t.Fatalf("unexpected result %+v", run.Result)
	}
	if run.AudioBytes == 0 {
		t.Fatal("expected recorded audio")
	}

	audio, err := http.Get(srv.URL + "/v1/runs/" + run.ID + "/audio")
	if err != nil {
		t.Fatalf("get audio: %v", err)
	}
	defer audio.Body.Close()
	wav, _ := io.ReadAll(audio.Body)
	if audio.StatusCode != http.StatusOK || audio.Header.Get("Content-Type") != "audio/wav" {
		t.Fatalf("unexpected audio response %d %s", audio.StatusCode, audio.Header.Get("Content-Type"))
	}
	if !bytes.HasPrefix(wav, []byte("RIFF")) || len(wav) != 44+run.AudioBytes {
		t.Fatalf("unexpected wav body: %d bytes", len(wav))
	}

	events, err := http.Get(srv.URL + "/v1/requests/http-1/events")
	if err != nil {
		t.Fatalf("get events: %v", err)
	}
	defer events.Body.Close()
	timeline, _ := io.ReadAll(events.Body)
	if !strings.Contains(string(timeline), protocol.SubjectNarrateRequest) {
		t.Fatalf("request not in timeline: %s", timeline)
	}
}

func TestNarrateRejectsEmptyText(t *testing.T) {
	_, srv := startTestRuntime(t, testConfig(t))
	resp, reply := postNarrate(t, srv, `{"text":"   "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	if reply.Error == "" {
		t.Fatal("expected error message")
	}
}

func TestGetUnknownRun(t *testing.T) {
	_, srv := startTestRuntime(t, testConfig(t))
	resp, err := http.Get(srv.URL + "/v1/runs/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestWebSocketStreamsRunEvents(t *testing.T) {
	_, srv := startTestRuntime(t, testConfig(t))

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/narrate/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	msg, err := protocol.Encode(protocol.ClientMessage{
		Type:    "narrate",
		Request: &protocol.NarrateRequest{RequestID: "ws-1", Text: "Hello over the socket. Goodbye for now."},
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
		t.Fatalf("write: %v", err)
	}

	seen := map[string]int{}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for seen[protocol.SubjectDone] == 0 || seen["narrate.reply"] == 0 {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v (seen %v)", err, seen)
		}
		var env struct {
			Type string `json:"type"`
		}
		if err := protocol.Decode(data, &env); err != nil {
			t.Fatalf("decode %s: %v", data, err)
		}
		seen[env.Type]++
		if env.Type == protocol.SubjectError {
			t.Fatalf("unexpected error event %s", data)
		}
		if env.Type == protocol.SubjectDone && !strings.Contains(string(data), `"request_id":"ws-1"`) {
			t.Fatalf("done event without request id: %s", data)
		}
	}
	if seen["narrate.reply"] != 1 {
		t.Fatalf("expected one reply, saw %v", seen)
	}
	if seen[protocol.SubjectSummarySentence] != 2 {
		t.Fatalf("expected two sentences, saw %v", seen)
	}
	if seen[protocol.SubjectProgress] == 0 {
		t.Fatalf("expected progress events, saw %v", seen)
	}
}

func TestBuildSynthesizersRequiresConfiguredMode(t *testing.T) {
	cfg := config.Default().TTS
	cfg.Mode = "openai"
	if _, err := buildSynthesizers(cfg, nil); err == nil {
		t.Fatal("expected error when openai is selected without a client")
	}
	cfg.Mode = "mock"
	synths, err := buildSynthesizers(cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if _, ok := synths["mock"]; !ok {
		t.Fatal("mock synthesizer missing")
	}
}

func TestRunDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.Translation.TargetLanguage = "German"
	cfg.TTS.Voice = "nova"
	cfg.TTS.FallbackVoice = "alloy"

	rc := RunDefaults(cfg)
	if rc.TranslationModel != "gpt-4o-mini" {
		t.Fatalf("expected translation model to fall back to llm model, got %q", rc.TranslationModel)
	}
	if rc.TTSProvider != "mock" || rc.Voice != "nova" || rc.FallbackVoice != "alloy" || rc.TargetLanguage != "German" {
		t.Fatalf("unexpected defaults %+v", rc)
	}
	if rc.SummarizationModel != "" {
		t.Fatalf("summarization should be off by default, got %q", rc.SummarizationModel)
	}
}

func TestTraceExporterName(t *testing.T) {
	cases := []struct {
		cfg  config.TelemetryConfig
		want string
	}{
		{config.TelemetryConfig{}, "none"},
		{config.TelemetryConfig{OTLPEndpoint: "collector:4317"}, "otlp"},
		{config.TelemetryConfig{OTLPEndpoint: "collector:4317", TraceExporter: "none"}, "none"},
		{config.TelemetryConfig{TraceExporter: "stdout"}, "stdout"},
	}
	for _, tc := range cases {
		if got := traceExporterName(tc.cfg); got != tc.want {
			t.Fatalf("traceExporterName(%+v) = %q, want %q", tc.cfg, got, tc.want)
		}
	}
}
