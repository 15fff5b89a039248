package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mzet97/llama.cpp-dds/internal/engine"
	"github.com/mzet97/llama.cpp-dds/internal/pkg/logger"
	"github.com/mzet97/llama.cpp-dds/internal/pkg/metrics"
	"go.uber.org/zap"
)

// AdapterConfig tunes the engine driver.
type AdapterConfig struct {
	ModelName          string        // reported on responses when the request names none
	Template           string        // chat template name, empty for the fallback wrapper
	DefaultMaxTokens   int           // n_predict when the request carries none
	DefaultTemperature float64       // sampling temperature when the request carries none
	RequestTimeout     time.Duration // overall per-request deadline, default 60s
	RecvTimeout        time.Duration // per-recv wait on the engine queue, default 5s
	PollInterval       time.Duration // intake wait bound, default 100ms
}

// Adapter drives staged requests through the engine: template application,
// tokenization, task submission, result-stream consumption, and response
// emission. One driver goroutine polls the intake queue.
type Adapter struct {
	bridge  *Bridge
	queue   engine.Queue
	tok     engine.Tokenizer
	cfg     AdapterConfig
	logger  *logger.Logger
	metrics *metrics.Metrics // optional

	running atomic.Bool
	wg      sync.WaitGroup
}

// NewAdapter creates the engine driver. m may be nil.
func NewAdapter(b *Bridge, queue engine.Queue, tok engine.Tokenizer, cfg AdapterConfig, log *logger.Logger, m *metrics.Metrics) *Adapter {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.RecvTimeout <= 0 {
		cfg.RecvTimeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.DefaultMaxTokens <= 0 {
		cfg.DefaultMaxTokens = 256
	}
	if cfg.DefaultTemperature <= 0 {
		cfg.DefaultTemperature = 0.7
	}
	return &Adapter{
		bridge:  b,
		queue:   queue,
		tok:     tok,
		cfg:     cfg,
		logger:  log,
		metrics: m,
	}
}

// Start launches the driver goroutine.
func (a *Adapter) Start() {
	a.running.Store(true)
	a.wg.Add(1)
	go a.loop()
}

// Stop clears the running flag and joins the driver. Requests still staged
// after the loop exits receive a terminal error response so the in-flight
// counter settles.
func (a *Adapter) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	a.wg.Wait()
	a.drainOnShutdown()
}

func (a *Adapter) loop() {
	defer a.wg.Done()
	a.logger.Info("adapter: driver started")

	intake := a.bridge.Intake()
	for a.running.Load() {
		intake.WaitForRequest(a.cfg.PollInterval)
		for {
			req, ok := intake.PopPendingRequest()
			if !ok {
				break
			}
			a.process(req)
		}
	}

	a.logger.Info("adapter: driver stopped")
}

// drainOnShutdown settles staged requests that will never be served.
func (a *Adapter) drainOnShutdown() {
	intake := a.bridge.Intake()
	for {
		req, ok := intake.PopPendingRequest()
		if !ok {
			return
		}
		a.sendTerminalError(req, "[error] server shutting down", 0, 0)
	}
}

// process runs one request through the engine and emits its responses.
func (a *Adapter) process(req *ChatCompletionRequest) {
	start := time.Now()
	if a.metrics != nil {
		defer func() {
			a.metrics.RequestDuration.Observe(time.Since(start).Seconds())
		}()
	}

	log := a.logger.With(zap.String("request_id", req.RequestID))
	log.Info("adapter: processing request",
		zap.Bool("stream", req.Stream),
		zap.Int("messages", len(req.Messages)),
	)

	// 1. template application
	msgs := make([]engine.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = engine.Message{Role: m.Role, Content: m.Content}
	}
	prompt, err := engine.ApplyTemplate(a.cfg.Template, msgs)
	if err != nil {
		log.Warn("adapter: invalid request", zap.Error(err))
		a.sendTerminalError(req, fmt.Sprintf("[error] %v", err), 0, 0)
		return
	}

	// 2. tokenization
	tokens, err := a.tok.Encode(prompt)
	if err == nil && len(tokens) == 0 {
		err = fmt.Errorf("tokenizer returned empty token vector")
	}
	if err != nil {
		log.Error("adapter: failed to tokenize prompt", zap.Error(err))
		a.sendTerminalError(req, fmt.Sprintf("[error] failed to tokenize prompt: %v", err), 0, 0)
		return
	}

	// 3. task construction; register before submit so results produced
	// before the first recv are not discarded
	task := engine.Task{
		ID:     a.queue.NewTaskID(),
		Prompt: prompt,
		Tokens: tokens,
		Params: a.taskParams(req),
	}

	a.queue.Register(task.ID)
	defer a.queue.Unregister(task.ID)

	if err := a.queue.Submit(task); err != nil {
		log.Error("adapter: submit failed", zap.Error(err))
		a.sendTerminalError(req, fmt.Sprintf("[error] %v", err), 0, 0)
		return
	}

	log.Debug("adapter: task posted",
		zap.Int("task_id", task.ID),
		zap.Int("tokens", len(tokens)),
	)

	// 4. result consumption
	a.consume(req, task.ID, log)
}

func (a *Adapter) taskParams(req *ChatCompletionRequest) engine.TaskParams {
	params := engine.TaskParams{
		NPredict: a.cfg.DefaultMaxTokens,
		Sampling: engine.SamplingParams{Temperature: a.cfg.DefaultTemperature},
	}
	if req.MaxTokens > 0 {
		params.NPredict = req.MaxTokens
	}
	if req.Temperature > 0 {
		params.Sampling.Temperature = req.Temperature
	}
	if req.TopP != nil && *req.TopP > 0 && *req.TopP < 1 {
		params.Sampling.TopP = *req.TopP
	}
	if req.N != nil && *req.N >= 1 {
		params.N = *req.N
	}
	if len(req.Stop) > 0 {
		params.Stop = append([]string{}, req.Stop...)
	}
	return params
}

// consume loops over the task's result stream until a final or error result
// or the request deadline.
func (a *Adapter) consume(req *ChatCompletionRequest, taskID int, log *logger.Logger) {
	var (
		accumulated      string
		promptTokens     int
		completionTokens int
	)

	model := a.responseModel(req)
	deadline := time.Now().Add(a.cfg.RequestTimeout)

	for {
		if time.Now().After(deadline) {
			log.Warn("adapter: request timed out",
				zap.Duration("timeout", a.cfg.RequestTimeout))
			a.sendTerminalError(req,
				fmt.Sprintf("[timeout] no final result within %s", a.cfg.RequestTimeout),
				promptTokens, completionTokens)
			return
		}

		res, ok := a.queue.Recv(taskID, a.cfg.RecvTimeout)
		if !ok {
			continue
		}

		promptTokens = res.PromptTokens
		completionTokens = res.CompletionTokens

		switch res.Kind {
		case engine.ResultPartial:
			if req.Stream {
				if res.Content != "" {
					a.bridge.SendResponse(&ChatCompletionResponse{
						RequestID:        req.RequestID,
						Model:            model,
						Content:          res.Content,
						IsFinal:          false,
						PromptTokens:     promptTokens,
						CompletionTokens: completionTokens,
					})
				}
			} else {
				accumulated += res.Content
			}

		case engine.ResultFinal:
			content := res.Content
			if !req.Stream {
				content = accumulated + res.Content
			}
			a.bridge.SendResponse(&ChatCompletionResponse{
				RequestID:        req.RequestID,
				Model:            model,
				Content:          content,
				IsFinal:          true,
				FinishReason:     finishReason(res.Stop),
				PromptTokens:     promptTokens,
				CompletionTokens: completionTokens,
			})
			log.Info("adapter: request completed",
				zap.Int("prompt_tokens", promptTokens),
				zap.Int("completion_tokens", completionTokens),
			)
			return

		case engine.ResultError:
			log.Error("adapter: task error", zap.String("err", res.Err))
			a.sendTerminalError(req, fmt.Sprintf("[error] %s", res.Err),
				promptTokens, completionTokens)
			return
		}
	}
}

func (a *Adapter) responseModel(req *ChatCompletionRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return a.cfg.ModelName
}

func (a *Adapter) sendTerminalError(req *ChatCompletionRequest, content string, promptTokens, completionTokens int) {
	a.bridge.SendResponse(&ChatCompletionResponse{
		RequestID:        req.RequestID,
		Model:            a.responseModel(req),
		Content:          content,
		IsFinal:          true,
		FinishReason:     FinishError,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
	})
}

// finishReason maps the engine's stop kind onto the wire finish_reason.
func finishReason(stop engine.StopKind) string {
	switch stop {
	case engine.StopLimit:
		return FinishLength
	default:
		return FinishStop
	}
}
