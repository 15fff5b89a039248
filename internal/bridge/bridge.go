package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mzet97/llama.cpp-dds/internal/pkg/logger"
	"github.com/mzet97/llama.cpp-dds/internal/pkg/metrics"
	"go.uber.org/zap"
)

// ServerTransport is the slice of the transport the bridge drives in server
// mode. *Transport implements it; tests substitute recording fakes.
type ServerTransport interface {
	StartServer(onRequest RequestCallback) error
	StopServer()
	SendResponse(resp *ChatCompletionResponse) error
	PublishStatus(status *ServerStatus) error
}

// BridgeConfig configures the bridge composition.
type BridgeConfig struct {
	ServerID       string
	TotalSlots     int           // n_parallel, reported as slots_idle + slots_processing
	StatusInterval time.Duration // heartbeat period, default 5s
}

// Bridge composes the transport, the intake queue, and the status publisher.
// It is the server-side entry point: the transport reader feeds
// HandleRequest, the engine driver pops staged requests and emits responses
// through SendResponse.
type Bridge struct {
	cfg       BridgeConfig
	transport ServerTransport
	intake    *IntakeQueue
	status    *statusPublisher
	logger    *logger.Logger
	metrics   *metrics.Metrics // optional

	modelMu    sync.Mutex
	modelName  string
	modelReady bool
	totalSlots int

	running atomic.Bool
}

// New creates a bridge. m may be nil when metrics are disabled.
func New(cfg BridgeConfig, transport ServerTransport, log *logger.Logger, m *metrics.Metrics) *Bridge {
	if cfg.ServerID == "" {
		cfg.ServerID = "llama-dds-server"
	}
	if cfg.TotalSlots < 1 {
		cfg.TotalSlots = 1
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = 5 * time.Second
	}
	b := &Bridge{
		cfg:        cfg,
		transport:  transport,
		intake:     NewIntakeQueue(log),
		logger:     log,
		metrics:    m,
		totalSlots: cfg.TotalSlots,
	}
	b.status = newStatusPublisher(b, cfg.StatusInterval)
	return b
}

// Start brings up the transport in server mode and the status publisher.
func (b *Bridge) Start() error {
	if err := b.transport.StartServer(b.HandleRequest); err != nil {
		return err
	}
	b.running.Store(true)
	b.status.start()
	b.logger.Info("bridge started", zap.String("server_id", b.cfg.ServerID))
	return nil
}

// Stop shuts the bridge down: status publisher first, then the intake queue
// (waking any blocked driver), then the transport. Must not be called from
// within a transport callback.
func (b *Bridge) Stop() {
	if !b.running.CompareAndSwap(true, false) {
		return
	}
	b.status.stop()
	b.intake.Stop()
	b.transport.StopServer()
	b.logger.Info("bridge stopped")
}

// HandleRequest stages one received request. Invoked by the transport reader
// goroutine; may still accept a late sample while shutdown is in progress.
func (b *Bridge) HandleRequest(req *ChatCompletionRequest) {
	b.intake.HandleRequest(req)
	if b.metrics != nil {
		b.metrics.RequestsReceived.Inc()
		b.metrics.InFlight.Set(float64(b.intake.InFlight()))
	}
}

// SendResponse publishes one response sample. On a terminal sample the
// in-flight counter is decremented here, so every exit path of the driver
// settles the counter by emitting its terminal response. No-op after Stop.
func (b *Bridge) SendResponse(resp *ChatCompletionResponse) {
	if !b.running.Load() {
		b.logger.Debug("bridge: dropping response after stop",
			zap.String("request_id", resp.RequestID))
		return
	}

	if resp.IsFinal {
		b.intake.DecInFlight()
		if b.metrics != nil {
			b.metrics.InFlight.Set(float64(b.intake.InFlight()))
			if resp.FinishReason == FinishError {
				b.metrics.RequestErrors.Inc()
			}
		}
	}

	// write errors are logged by the transport and tolerated by the
	// at-least-once protocol
	_ = b.transport.SendResponse(resp)

	if b.metrics != nil {
		b.metrics.ResponsesPublished.Inc()
	}
}

// PublishStatus publishes one status sample. No-op after Stop.
func (b *Bridge) PublishStatus(status *ServerStatus) {
	if !b.running.Load() {
		return
	}
	_ = b.transport.PublishStatus(status)
}

// SetModelInfo updates the model snapshot reported on the status topic.
func (b *Bridge) SetModelInfo(name string, ready bool, nParallel int) {
	b.modelMu.Lock()
	defer b.modelMu.Unlock()
	b.modelName = name
	b.modelReady = ready
	if nParallel >= 1 {
		b.totalSlots = nParallel
	}
}

// Snapshot builds the current status sample. Slot counts derive from the
// in-flight counter.
func (b *Bridge) Snapshot() ServerStatus {
	b.modelMu.Lock()
	defer b.modelMu.Unlock()

	processing := b.intake.InFlight()
	idle := b.totalSlots - processing
	if idle < 0 {
		idle = 0
	}
	return ServerStatus{
		ServerID:        b.cfg.ServerID,
		SlotsIdle:       idle,
		SlotsProcessing: processing,
		ModelLoaded:     b.modelName,
		Ready:           b.modelReady,
	}
}

// Intake exposes the staging queue to the engine driver.
func (b *Bridge) Intake() *IntakeQueue {
	return b.intake
}

// Running reports whether Start has succeeded and Stop has not been called.
func (b *Bridge) Running() bool {
	return b.running.Load()
}
