package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mzet97/llama.cpp-dds/internal/bridge"
	"github.com/mzet97/llama.cpp-dds/internal/conf"
	"github.com/mzet97/llama.cpp-dds/internal/pkg/logger"
	"github.com/mzet97/llama.cpp-dds/internal/pkg/redis"
	"go.uber.org/zap"
)

var (
	configFile  = flag.String("config", "config.yaml", "config file path")
	prompt      = flag.String("prompt", "What is 2+2?", "user prompt to send")
	system      = flag.String("system", "", "optional system prompt")
	model       = flag.String("model", "", "model name, empty for the server's loaded model")
	stream      = flag.Bool("stream", false, "request a streamed response")
	maxTokens   = flag.Int("max-tokens", 256, "max_tokens for the request")
	temperature = flag.Float64("temperature", 0, "sampling temperature, 0 for engine default")
	timeout     = flag.Duration("timeout", 30*time.Second, "how long to wait for the terminal response")
	waitServer  = flag.Duration("wait-server", 0, "wait up to this long for a server heartbeat before sending")
)

func main() {
	flag.Parse()

	config, err := conf.LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	config.Log.Level = "warn"

	log, err := logger.New(&config.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	redisClient, err := redis.New(&config.Redis, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to redis: %v\n", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	transport := bridge.NewTransport(bridge.TransportConfig{
		Domain:        config.Bridge.Domain,
		StreamHistory: config.Bridge.StreamHistory,
	}, redisClient, log)

	requestID := uuid.NewString()
	done := make(chan *bridge.ChatCompletionResponse, 1)
	heartbeat := make(chan struct{}, 1)
	finished := false

	onResponse := func(resp *bridge.ChatCompletionResponse) {
		if resp.RequestID != requestID || finished {
			return // replayed history or another client's traffic
		}
		if *stream && !resp.IsFinal {
			fmt.Print(resp.Content)
		}
		if resp.IsFinal {
			finished = true
			select {
			case done <- resp:
			default:
			}
		}
	}
	onStatus := func(status *bridge.ServerStatus) {
		select {
		case heartbeat <- struct{}{}:
		default:
		}
		log.Debug("status heartbeat",
			zap.String("server_id", status.ServerID),
			zap.Int("slots_idle", status.SlotsIdle),
			zap.Int("slots_processing", status.SlotsProcessing),
			zap.Bool("ready", status.Ready),
		)
	}

	if err := transport.StartClient(onResponse, onStatus); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start client: %v\n", err)
		os.Exit(1)
	}
	defer transport.StopClient()

	if *waitServer > 0 {
		select {
		case <-heartbeat:
		case <-time.After(*waitServer):
			fmt.Fprintf(os.Stderr, "no server heartbeat within %s\n", *waitServer)
			os.Exit(1)
		}
	}

	var messages []bridge.ChatMessage
	if *system != "" {
		messages = append(messages, bridge.ChatMessage{Role: bridge.RoleSystem, Content: *system})
	}
	messages = append(messages, bridge.ChatMessage{Role: bridge.RoleUser, Content: *prompt})

	req := &bridge.ChatCompletionRequest{
		RequestID:   requestID,
		Model:       *model,
		Messages:    messages,
		Temperature: *temperature,
		MaxTokens:   *maxTokens,
		Stream:      *stream,
	}

	if err := transport.SendRequest(req); err != nil {
		fmt.Fprintf(os.Stderr, "failed to send request: %v\n", err)
		os.Exit(1)
	}

	select {
	case resp := <-done:
		if *stream {
			fmt.Println(resp.Content)
		} else {
			fmt.Println(strings.TrimSpace(resp.Content))
		}
		fmt.Fprintf(os.Stderr, "finish_reason=%s prompt_tokens=%d completion_tokens=%d\n",
			resp.FinishReason, resp.PromptTokens, resp.CompletionTokens)
		if resp.FinishReason == bridge.FinishError {
			os.Exit(1)
		}
	case <-time.After(*timeout):
		// abandon: the terminal response may still arrive and is ignored
		fmt.Fprintf(os.Stderr, "no terminal response within %s, giving up\n", *timeout)
		os.Exit(1)
	}
}
