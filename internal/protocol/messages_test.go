package protocol

import (
	"bytes"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-narrator/internal/pipeline"
)

func TestPlaybackSubject(t *testing.T) {
	if got := PlaybackSubject("kitchen"); got != "playback.frame.kitchen" {
		t.Fatalf("unexpected subject %s", got)
	}
	if got := PlaybackSubject(""); got != "playback.frame.default" {
		t.Fatalf("unexpected default subject %s", got)
	}
}

func TestNarrateRequestWireFormat(t *testing.T) {
	data := []byte(`{"request_id":"r1","text":"Hello there.","config":{"voice":"nova","target_language":"German","speed":1.5}}`)
	var req NarrateRequest
	if err := Decode(data, &req); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if req.RequestID != "r1" || req.Text != "Hello there." {
		t.Fatalf("unexpected request %+v", req)
	}
	if req.Config.Voice != "nova" || req.Config.TargetLanguage != "German" || req.Config.Speed != 1.5 {
		t.Fatalf("unexpected config %+v", req.Config)
	}
}

func TestAudioEventEncodesPCMAsBase64(t *testing.T) {
	evt := AudioEvent{RunID: 3, Sequence: 1, SampleRate: 24000, Channels: 1, PCM: []byte{0, 1, 2, 3}}
	data, err := Encode(evt)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"pcm":"AAECAw=="`) {
		t.Fatalf("expected base64 pcm, got %s", data)
	}
	var decoded AudioEvent
	if err := Decode(data, &decoded); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !bytes.Equal(decoded.PCM, evt.PCM) {
		t.Fatalf("pcm mismatch: %v", decoded.PCM)
	}
}

func TestEnvelopeCarriesType(t *testing.T) {
	data, err := Encode(Envelope{Type: SubjectDone, Data: DoneEvent{RunID: 9, Result: pipeline.Result{Sentences: 2}}})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"type":"narrate.done"`) || !strings.Contains(string(data), `"sentences":2`) {
		t.Fatalf("unexpected envelope %s", data)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	var req NarrateRequest
	if err := Decode([]byte("{not json"), &req); err == nil {
		t.Fatal("expected decode error")
	}
}
