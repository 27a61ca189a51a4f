package narrator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/pipeline"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/wavstream"
	"github.com/nats-io/nats.go"
)

// Runner is the part of the orchestrator the service drives.
type Runner interface {
	Start(ctx context.Context, text string, cfg pipeline.RunConfig) (pipeline.RunID, error)
	Cancel()
}

// Publisher sends encoded messages on the bus.
type Publisher interface {
	Publish(subject string, v any) error
}

// EventLog records the request timeline.
type EventLog interface {
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

// Service bridges the bus and the pipeline: it starts runs from
// narrate.request messages and publishes every run event back on the bus.
type Service struct {
	cfg      config.NarratorConfig
	defaults pipeline.RunConfig
	format   wavstream.Format
	pub      Publisher
	events   EventLog
	logger   *slog.Logger
	ctx      context.Context
	cancel   context.CancelFunc

	runner     Runner
	busBound   bool
	subRequest *nats.Subscription
	subCancel  *nats.Subscription

	startMu  sync.Mutex
	mu       sync.Mutex
	requests map[pipeline.RunID]string
	pending  string
	sequence map[pipeline.RunID]int
}

func NewService(parent context.Context, cfg config.NarratorConfig, defaults pipeline.RunConfig, format wavstream.Format, pub Publisher, events EventLog, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:      cfg,
		defaults: defaults,
		format:   format,
		pub:      pub,
		events:   events,
		logger:   logger.With(slog.String("component", "narrator")),
		ctx:      ctx,
		cancel:   cancel,
		requests: make(map[pipeline.RunID]string),
		sequence: make(map[pipeline.RunID]int),
	}
}

// Bind attaches the runner. It must be called before Start or Narrate.
func (s *Service) Bind(r Runner) {
	s.runner = r
}

// Start subscribes to the request and cancel subjects.
func (s *Service) Start(conn *nats.Conn) error {
	if !s.cfg.Enabled || conn == nil {
		return nil
	}
	s.busBound = true
	sub, err := conn.Subscribe(protocol.SubjectNarrateRequest, s.handleRequest)
	if err != nil {
		return err
	}
	s.subRequest = sub

	subCancel, err := conn.Subscribe(protocol.SubjectNarrateCancel, s.handleCancel)
	if err != nil {
		_ = s.subRequest.Drain()
		return err
	}
	s.subCancel = subCancel
	s.logger.Info("narrator listening", slog.String("subject", protocol.SubjectNarrateRequest))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.subRequest != nil {
		_ = s.subRequest.Drain()
	}
	if s.subCancel != nil {
		_ = s.subCancel.Drain()
	}
}

// Healthy reports whether the bus subscriptions are in place. A service
// started without a connection serves HTTP and WebSocket only and is always
// healthy.
func (s *Service) Healthy() bool {
	if !s.cfg.Enabled || !s.busBound {
		return true
	}
	return s.subRequest != nil && s.subCancel != nil && s.subRequest.IsValid() && s.subCancel.IsValid()
}

// Narrate starts a run for req, superseding the current one. It fills in a
// request id when the caller did not send one. The run outlives ctx.
func (s *Service) Narrate(ctx context.Context, req protocol.NarrateRequest) (protocol.NarrateReply, error) {
	if s.runner == nil {
		return protocol.NarrateReply{}, errors.New("narrator has no runner bound")
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	cfg := req.Config.Merge(s.defaults)

	// Events of the new run can fire before Start returns; they are
	// attributed to the pending request until the id is known.
	s.startMu.Lock()
	s.mu.Lock()
	s.pending = req.RequestID
	s.mu.Unlock()
	id, err := s.runner.Start(context.WithoutCancel(ctx), req.Text, cfg)
	s.mu.Lock()
	s.pending = ""
	if err == nil {
		s.requests[id] = req.RequestID
	}
	s.mu.Unlock()
	s.startMu.Unlock()

	reply := protocol.NarrateReply{RequestID: req.RequestID}
	if err != nil {
		reply.Error = err.Error()
		s.appendEvent(req.RequestID, req.TraceID, "narrate.rejected", []byte(err.Error()))
		return reply, err
	}
	reply.RunID = uint64(id)
	s.appendEvent(req.RequestID, req.TraceID, protocol.SubjectNarrateRequest, []byte(req.Text))
	return reply, nil
}

// CancelCurrent stops the current run without a terminal event.
func (s *Service) CancelCurrent() {
	if s.runner != nil {
		s.runner.Cancel()
	}
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.NarrateRequest
	if err := protocol.Decode(msg.Data, &req); err != nil {
		s.logger.Warn("narrator failed to decode request", slogError(err))
		s.reply(msg, protocol.NarrateReply{Error: err.Error()})
		return
	}
	reply, err := s.Narrate(s.ctx, req)
	if err != nil {
		s.logger.Warn("narrator rejected request",
			slog.String("request_id", reply.RequestID),
			slogError(err))
	}
	s.reply(msg, reply)
}

func (s *Service) reply(msg *nats.Msg, reply protocol.NarrateReply) {
	if msg.Reply == "" {
		return
	}
	data, err := protocol.Encode(reply)
	if err != nil {
		s.logger.Warn("narrator failed to encode reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("narrator failed to respond", slogError(err))
	}
}

func (s *Service) handleCancel(*nats.Msg) {
	s.CancelCurrent()
}

// RequestID returns the request that started run id.
func (s *Service) RequestID(id pipeline.RunID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if req, ok := s.requests[id]; ok {
		return req
	}
	return s.pending
}

func (s *Service) forget(id pipeline.RunID) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		req = s.pending
	}
	delete(s.requests, id)
	delete(s.sequence, id)
	// Runs that were superseded never reach a terminal event.
	for other := range s.requests {
		if other < id {
			delete(s.requests, other)
			delete(s.sequence, other)
		}
	}
	return req
}

func (s *Service) publish(subject string, v any) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(subject, v); err != nil {
		s.logger.Warn("narrator failed to publish", slog.String("subject", subject), slogError(err))
	}
}

func (s *Service) appendEvent(key, traceID, kind string, payload []byte) {
	if s.events == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), 5*time.Second)
	defer cancel()
	if err := s.events.AppendEvent(ctx, eventstore.Event{RunKey: key, TraceID: traceID, Type: kind, Payload: payload}); err != nil {
		s.logger.Warn("narrator failed to append event", slog.String("type", kind), slogError(err))
	}
}

func (s *Service) SummarySentence(id pipeline.RunID, text string) {
	s.publish(protocol.SubjectSummarySentence, protocol.SentenceEvent{
		RunID:     uint64(id),
		RequestID: s.RequestID(id),
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) TranslatedSentence(id pipeline.RunID, text string) {
	s.publish(protocol.SubjectTranslatedSentence, protocol.SentenceEvent{
		RunID:     uint64(id),
		RequestID: s.RequestID(id),
		Text:      text,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Service) AudioChunk(id pipeline.RunID, pcm []byte) {
	if !s.cfg.PublishAudio {
		return
	}
	s.mu.Lock()
	seq := s.sequence[id]
	s.sequence[id] = seq + 1
	s.mu.Unlock()
	s.publish(protocol.SubjectAudio, protocol.AudioEvent{
		RunID:      uint64(id),
		RequestID:  s.RequestID(id),
		Sequence:   seq,
		SampleRate: s.format.SampleRate,
		Channels:   s.format.Channels,
		PCM:        pcm,
	})
}

func (s *Service) Progress(id pipeline.RunID, label string) {
	s.publish(protocol.SubjectProgress, protocol.ProgressEvent{
		RunID:     uint64(id),
		RequestID: s.RequestID(id),
		Label:     label,
	})
}

func (s *Service) Complete(id pipeline.RunID, result pipeline.Result) {
	req := s.forget(id)
	s.publish(protocol.SubjectDone, protocol.DoneEvent{
		RunID:     uint64(id),
		RequestID: req,
		Result:    result,
	})
	s.appendEvent(req, "", protocol.SubjectDone, nil)
}

func (s *Service) Error(id pipeline.RunID, err error) {
	req := s.forget(id)
	evt := protocol.ErrorEvent{
		RunID:     uint64(id),
		RequestID: req,
		Message:   err.Error(),
	}
	var pe *pipeline.Error
	if errors.As(err, &pe) {
		evt.Stage = pe.Stage.String()
	}
	s.publish(protocol.SubjectError, evt)
	s.appendEvent(req, "", protocol.SubjectError, []byte(err.Error()))
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
