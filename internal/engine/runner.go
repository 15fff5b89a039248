package engine

import (
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/mzet97/llama.cpp-dds/internal/pkg/logger"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Generator produces the result stream for a single task. Implementations
// emit zero or more partial results followed by exactly one final or error
// result. emit must be called from the generating goroutine only.
type Generator interface {
	Generate(task Task, emit func(Result))
}

// Scheduler drains the task queue and runs generation on a bounded goroutine
// pool, so at most nParallel tasks generate concurrently.
type Scheduler struct {
	queue  *TaskQueue
	gen    Generator
	pool   *ants.Pool
	logger *logger.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewScheduler creates a scheduler with nParallel generation slots.
func NewScheduler(queue *TaskQueue, gen Generator, nParallel int, log *logger.Logger) (*Scheduler, error) {
	if nParallel < 1 {
		nParallel = 1
	}
	pool, err := ants.NewPool(nParallel)
	if err != nil {
		return nil, fmt.Errorf("engine: create worker pool: %w", err)
	}
	return &Scheduler{
		queue:  queue,
		gen:    gen,
		pool:   pool,
		logger: log,
	}, nil
}

// Start launches the dispatch loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.dispatch()
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()

	for {
		task, ok := s.queue.next()
		if !ok {
			return
		}
		t := task
		// Submit blocks while all slots are busy, which throttles
		// dispatch to nParallel concurrent generations.
		if err := s.pool.Submit(func() { s.run(t) }); err != nil {
			s.logger.Error("engine: pool submit failed",
				zap.Int("task_id", t.ID),
				zap.Error(err),
			)
			s.queue.Push(Result{
				TaskID: t.ID,
				Kind:   ResultError,
				Err:    err.Error(),
			})
		}
	}
}

func (s *Scheduler) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("engine: generator panic",
				zap.Int("task_id", task.ID),
				zap.Any("panic", r),
			)
			s.queue.Push(Result{
				TaskID: task.ID,
				Kind:   ResultError,
				Err:    fmt.Sprintf("generator panic: %v", r),
			})
		}
	}()

	s.gen.Generate(task, func(r Result) {
		r.TaskID = task.ID
		s.queue.Push(r)
	})
}

// Stop closes the queue, waits for the dispatch loop, and releases the pool.
// In-flight generations finish before Release returns the workers.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		s.queue.Close()
		s.wg.Wait()
		s.pool.Release()
	})
}

// lexicon feeds the deterministic reference generator.
var lexicon = []string{
	"the", "model", "completes", "your", "prompt", "with", "generated",
	"tokens", "and", "streams", "each", "delta", "in", "order", "until",
	"generation", "stops", "at", "a", "natural", "boundary", "or", "limit",
}

// TextGenerator is the deterministic reference engine: it synthesizes a
// token-chunked response derived from the prompt. Sampling parameters are
// accepted but ignored, so output is reproducible at any temperature.
type TextGenerator struct {
	ChunkTokens int           // tokens per emitted partial, default 4
	BaseTokens  int           // natural response length before EOS, default 48
	Delay       time.Duration // optional pacing between chunks
}

// NewTextGenerator returns a generator with default chunking.
func NewTextGenerator() *TextGenerator {
	return &TextGenerator{
		ChunkTokens: 4,
		BaseTokens:  48,
	}
}

// Generate emits partial deltas and one final result for the task.
func (g *TextGenerator) Generate(task Task, emit func(Result)) {
	chunkTokens := g.ChunkTokens
	if chunkTokens <= 0 {
		chunkTokens = 4
	}
	baseTokens := g.BaseTokens
	if baseTokens <= 0 {
		baseTokens = 48
	}

	promptTokens := len(task.Tokens)

	limit := task.Params.NPredict
	target := baseTokens
	stop := StopEOS
	if limit > 0 && limit < target {
		target = limit
		stop = StopLimit
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(task.Prompt))
	offset := int(h.Sum32())

	var (
		delta     strings.Builder
		generated int
		inChunk   int
	)

	for generated < target {
		word := lexicon[(offset+generated)%len(lexicon)]
		if generated > 0 {
			delta.WriteByte(' ')
		}
		delta.WriteString(word)
		generated++
		inChunk++

		if matched, ok := matchStop(delta.String(), task.Params.Stop); ok {
			emit(Result{
				Kind:             ResultFinal,
				Content:          matched,
				PromptTokens:     promptTokens,
				CompletionTokens: generated,
				Stop:             StopWord,
			})
			return
		}

		if inChunk >= chunkTokens && generated < target {
			emit(Result{
				Kind:             ResultPartial,
				Content:          delta.String(),
				PromptTokens:     promptTokens,
				CompletionTokens: generated,
			})
			delta.Reset()
			inChunk = 0
			if g.Delay > 0 {
				time.Sleep(g.Delay)
			}
		}
	}

	emit(Result{
		Kind:             ResultFinal,
		Content:          delta.String(),
		PromptTokens:     promptTokens,
		CompletionTokens: generated,
		Stop:             stop,
	})
}

// matchStop truncates text at the first occurrence of any stop sequence.
// Returns the truncated text and whether a sequence matched.
func matchStop(text string, stops []string) (string, bool) {
	for _, s := range stops {
		if s == "" {
			continue
		}
		if idx := strings.Index(text, s); idx >= 0 {
			return text[:idx], true
		}
	}
	return text, false
}
