package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mzet97/llama.cpp-dds/internal/pkg/logger"
	pkgredis "github.com/mzet97/llama.cpp-dds/internal/pkg/redis"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Reliability selects the delivery guarantee of a topic.
type Reliability int

const (
	BestEffort Reliability = iota
	Reliable
)

// Durability selects whether a late-joining reader observes retained history.
type Durability int

const (
	Volatile Durability = iota
	TransientLocal
)

// QoS is the per-topic delivery profile. Applied identically on client and
// server so subscriptions match.
type QoS struct {
	Reliability  Reliability
	Durability   Durability
	HistoryDepth int64
	MaxBlocking  time.Duration
}

// RequestQoS is the request-topic profile: reliable, transient-local,
// keep-last 8.
func RequestQoS() QoS {
	return QoS{Reliability: Reliable, Durability: TransientLocal, HistoryDepth: 8, MaxBlocking: 10 * time.Second}
}

// ResponseQoS is the response-topic profile. streamHistory widens the
// retained window for streaming workloads; <= 0 keeps the default depth 8.
func ResponseQoS(streamHistory int) QoS {
	depth := int64(8)
	if streamHistory > 0 {
		depth = int64(streamHistory)
	}
	return QoS{Reliability: Reliable, Durability: TransientLocal, HistoryDepth: depth, MaxBlocking: 10 * time.Second}
}

// StatusQoS is the status-topic profile: best-effort, volatile, keep-last 1.
func StatusQoS() QoS {
	return QoS{Reliability: BestEffort, Durability: Volatile, HistoryDepth: 1}
}

// Callbacks invoked by the reader goroutine, at most once per valid sample.
type (
	RequestCallback  func(req *ChatCompletionRequest)
	ResponseCallback func(resp *ChatCompletionResponse)
	StatusCallback   func(status *ServerStatus)
)

// TransportConfig configures a transport participant.
type TransportConfig struct {
	Domain        int           // topics in different domains never match
	StreamHistory int           // response-topic history depth for streaming workloads
	WaitTimeout   time.Duration // reader block per wake, default 500ms
}

// Transport owns the participant lifecycle and the three topics over the
// Redis substrate: request and response are streams (reliable, retained
// history), status is a pub/sub channel (best-effort, volatile). One reader
// goroutine runs per mode; received entries are copied into owning records by
// the codec before the reader advances.
type Transport struct {
	cfg    TransportConfig
	client *pkgredis.Client
	logger *logger.Logger

	requestKey  string
	responseKey string
	statusKey   string

	requestQoS  QoS
	responseQoS QoS
	statusQoS   QoS

	running atomic.Bool
	mode    string // "server" or "client", set by start
	wg      sync.WaitGroup

	onRequest  RequestCallback
	onResponse ResponseCallback
	onStatus   StatusCallback

	statusSub *goredis.PubSub
}

// NewTransport creates a transport participant in the configured domain.
func NewTransport(cfg TransportConfig, client *pkgredis.Client, log *logger.Logger) *Transport {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = 500 * time.Millisecond
	}
	prefix := fmt.Sprintf("dds:%d:", cfg.Domain)
	return &Transport{
		cfg:         cfg,
		client:      client,
		logger:      log,
		requestKey:  prefix + TopicRequest,
		responseKey: prefix + TopicResponse,
		statusKey:   prefix + TopicStatus,
		requestQoS:  RequestQoS(),
		responseQoS: ResponseQoS(cfg.StreamHistory),
		statusQoS:   StatusQoS(),
	}
}

// StartServer creates the server-mode entities (request reader, response and
// status writers) and spawns the reader goroutine. onRequest is invoked once
// per valid received sample. Any entity-creation failure is fatal: already
// created entities are released before returning.
func (t *Transport) StartServer(onRequest RequestCallback) error {
	if onRequest == nil {
		return errors.New("transport: request callback is required")
	}
	if !t.running.CompareAndSwap(false, true) {
		return errors.New("transport: already started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.client.Ping(ctx); err != nil {
		t.running.Store(false)
		return fmt.Errorf("transport: create participant: %w", err)
	}

	t.mode = "server"
	t.onRequest = onRequest

	t.wg.Add(1)
	go t.serverReadLoop()

	t.logger.Info("transport server started",
		zap.Int("domain", t.cfg.Domain),
		zap.String("request_topic", t.requestKey),
		zap.String("response_topic", t.responseKey),
		zap.String("status_topic", t.statusKey),
	)
	return nil
}

// StopServer clears the running flag, joins the reader goroutine, and
// releases entities in reverse creation order. Must not be called from
// within a callback.
func (t *Transport) StopServer() {
	t.stop()
}

// StartClient creates the client-mode entities (response reader, status
// subscription, request writer) and spawns the reader goroutine. onStatus
// may be nil when the caller does not consume heartbeats.
func (t *Transport) StartClient(onResponse ResponseCallback, onStatus StatusCallback) error {
	if onResponse == nil {
		return errors.New("transport: response callback is required")
	}
	if !t.running.CompareAndSwap(false, true) {
		return errors.New("transport: already started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := t.client.Ping(ctx); err != nil {
		t.running.Store(false)
		return fmt.Errorf("transport: create participant: %w", err)
	}

	t.mode = "client"
	t.onResponse = onResponse
	t.onStatus = onStatus

	if onStatus != nil {
		t.statusSub = t.client.Subscribe(context.Background(), t.statusKey)
		if _, err := t.statusSub.Receive(ctx); err != nil {
			_ = t.statusSub.Close()
			t.statusSub = nil
			t.running.Store(false)
			return fmt.Errorf("transport: create status reader: %w", err)
		}
	}

	t.wg.Add(1)
	go t.clientReadLoop()

	t.logger.Info("transport client started", zap.Int("domain", t.cfg.Domain))
	return nil
}

// StopClient clears the running flag, joins the reader goroutine, and
// releases entities in reverse creation order.
func (t *Transport) StopClient() {
	t.stop()
}

func (t *Transport) stop() {
	if !t.running.CompareAndSwap(true, false) {
		return
	}
	t.wg.Wait()
	if t.statusSub != nil {
		_ = t.statusSub.Close()
		t.statusSub = nil
	}
	t.logger.Info("transport stopped", zap.String("mode", t.mode))
	t.mode = ""
}

// SendResponse publishes one sample on the response topic. Thread-safe.
// Write errors are logged and returned; the at-least-once protocol treats
// them as non-fatal.
func (t *Transport) SendResponse(resp *ChatCompletionResponse) error {
	values, err := EncodeResponse(resp)
	if err != nil {
		t.logger.Error("transport: encode response failed",
			zap.String("request_id", resp.RequestID),
			zap.Error(err),
		)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.responseQoS.MaxBlocking)
	defer cancel()

	if _, err := t.client.XAdd(ctx, t.responseKey, t.responseQoS.HistoryDepth, values); err != nil {
		t.logger.Error("transport: send response failed",
			zap.String("request_id", resp.RequestID),
			zap.Error(err),
		)
		return err
	}

	t.logger.Debug("transport: response sent",
		zap.String("request_id", resp.RequestID),
		zap.Bool("is_final", resp.IsFinal),
	)
	return nil
}

// PublishStatus publishes one best-effort heartbeat. Thread-safe.
func (t *Transport) PublishStatus(status *ServerStatus) error {
	payload, err := EncodeStatus(status)
	if err != nil {
		t.logger.Error("transport: encode status failed", zap.Error(err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.WaitTimeout)
	defer cancel()

	if _, err := t.client.Publish(ctx, t.statusKey, payload); err != nil {
		t.logger.Warn("transport: publish status failed", zap.Error(err))
		return err
	}
	return nil
}

// SendRequest publishes one sample on the request topic. Thread-safe.
func (t *Transport) SendRequest(req *ChatCompletionRequest) error {
	values, err := EncodeRequest(req)
	if err != nil {
		t.logger.Error("transport: encode request failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.requestQoS.MaxBlocking)
	defer cancel()

	if _, err := t.client.XAdd(ctx, t.requestKey, t.requestQoS.HistoryDepth, values); err != nil {
		t.logger.Error("transport: send request failed",
			zap.String("request_id", req.RequestID),
			zap.Error(err),
		)
		return err
	}
	return nil
}

// startID returns the initial reader position for a durability setting: a
// transient-local reader observes the retained history, a volatile reader
// only entries published after it attached.
func startID(d Durability) string {
	if d == TransientLocal {
		return "0"
	}
	return "$"
}

// serverReadLoop waits on the request stream with a bounded block, takes at
// most one entry per wake, copies it out, and invokes the request callback.
// Loop errors terminate the loop; callers observe this through subsequent
// write failures.
func (t *Transport) serverReadLoop() {
	defer t.wg.Done()
	t.logger.Debug("transport: server reader loop started")

	lastID := startID(t.requestQoS.Durability)

	for t.running.Load() {
		streams, err := t.client.XRead(context.Background(),
			[]string{t.requestKey}, []string{lastID}, t.cfg.WaitTimeout, 1)
		if err != nil {
			if t.running.Load() {
				t.logger.Error("transport: reader wait failed", zap.Error(err))
			}
			break
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID

				req, err := DecodeRequest(msg.Values)
				if err != nil {
					// invalid-data sample: skip, loan already returned
					t.logger.Warn("transport: dropping invalid request sample",
						zap.String("entry_id", msg.ID),
						zap.Error(err),
					)
					continue
				}

				t.logger.Debug("transport: request received",
					zap.String("request_id", req.RequestID),
					zap.String("model", req.Model),
				)
				t.invokeRequestCallback(req)
			}
		}
	}

	t.logger.Debug("transport: server reader loop ended")
}

// clientReadLoop multiplexes the response stream and the status channel:
// each wake drains pending status samples, then takes at most one response
// entry with a bounded block.
func (t *Transport) clientReadLoop() {
	defer t.wg.Done()

	lastID := startID(t.responseQoS.Durability)

	var statusCh <-chan *goredis.Message
	if t.statusSub != nil {
		statusCh = t.statusSub.Channel()
	}

	for t.running.Load() {
		t.drainStatus(statusCh)

		streams, err := t.client.XRead(context.Background(),
			[]string{t.responseKey}, []string{lastID}, t.cfg.WaitTimeout, 1)
		if err != nil {
			if t.running.Load() {
				t.logger.Error("transport: reader wait failed", zap.Error(err))
			}
			break
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				lastID = msg.ID

				resp, err := DecodeResponse(msg.Values)
				if err != nil {
					t.logger.Warn("transport: dropping invalid response sample",
						zap.String("entry_id", msg.ID),
						zap.Error(err),
					)
					continue
				}
				t.invokeResponseCallback(resp)
			}
		}
	}
}

func (t *Transport) drainStatus(statusCh <-chan *goredis.Message) {
	if statusCh == nil {
		return
	}
	for {
		select {
		case msg, ok := <-statusCh:
			if !ok {
				return
			}
			status, err := DecodeStatus(msg.Payload)
			if err != nil {
				t.logger.Warn("transport: dropping invalid status sample", zap.Error(err))
				continue
			}
			t.invokeStatusCallback(status)
		default:
			return
		}
	}
}

// Callback panics are caught and logged; they must not unwind through the
// reader loop.
func (t *Transport) invokeRequestCallback(req *ChatCompletionRequest) {
	defer t.recoverCallback("request")
	t.onRequest(req)
}

func (t *Transport) invokeResponseCallback(resp *ChatCompletionResponse) {
	defer t.recoverCallback("response")
	t.onResponse(resp)
}

func (t *Transport) invokeStatusCallback(status *ServerStatus) {
	defer t.recoverCallback("status")
	t.onStatus(status)
}

func (t *Transport) recoverCallback(kind string) {
	if r := recover(); r != nil {
		t.logger.Error("transport: callback panic",
			zap.String("callback", kind),
			zap.Any("panic", r),
		)
	}
}
