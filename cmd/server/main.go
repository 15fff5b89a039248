package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mzet97/llama.cpp-dds/internal/bridge"
	"github.com/mzet97/llama.cpp-dds/internal/conf"
	"github.com/mzet97/llama.cpp-dds/internal/engine"
	"github.com/mzet97/llama.cpp-dds/internal/pkg/logger"
	"github.com/mzet97/llama.cpp-dds/internal/pkg/metrics"
	"github.com/mzet97/llama.cpp-dds/internal/pkg/redis"
	"go.uber.org/zap"
)

var (
	configFile = flag.String("config", "config.yaml", "config file path")
)

func main() {
	flag.Parse()

	config, err := conf.LoadConfig(*configFile)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log, err := logger.New(&config.Log)
	if err != nil {
		panic("failed to initialize logger: " + err.Error())
	}
	defer log.Sync()

	if !config.Bridge.Enabled {
		log.Info("bridge disabled by configuration, nothing to do")
		return
	}

	// Transport substrate
	redisClient, err := redis.New(&config.Redis, log)
	if err != nil {
		log.Fatal("failed to initialize redis client", zap.Error(err))
	}
	defer redisClient.Close()

	// Engine: task queue, tokenizer, scheduler over the reference generator
	taskQueue := engine.NewTaskQueue(config.Engine.QueueSize)
	tokenizer, err := engine.NewTiktokenTokenizer(config.Engine.Encoding)
	if err != nil {
		log.Fatal("failed to initialize tokenizer", zap.Error(err))
	}

	scheduler, err := engine.NewScheduler(taskQueue, engine.NewTextGenerator(), config.Bridge.NParallel, log)
	if err != nil {
		log.Fatal("failed to initialize engine scheduler", zap.Error(err))
	}
	scheduler.Start()

	// Bridge: transport, intake, status publisher, engine driver
	transport := bridge.NewTransport(bridge.TransportConfig{
		Domain:        config.Bridge.Domain,
		StreamHistory: config.Bridge.StreamHistory,
	}, redisClient, log)

	var m *metrics.Metrics
	if config.Metrics.Enabled {
		m = metrics.New()
		go func() {
			if err := m.Serve(config.Metrics.Addr); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
	}

	br := bridge.New(bridge.BridgeConfig{
		ServerID:       config.Server.ID,
		TotalSlots:     config.Bridge.NParallel,
		StatusInterval: config.Bridge.StatusInterval(),
	}, transport, log, m)

	if err := br.Start(); err != nil {
		log.Fatal("failed to start bridge", zap.Error(err))
	}
	br.SetModelInfo(config.Engine.Model, true, config.Bridge.NParallel)

	adapter := bridge.NewAdapter(br, taskQueue, tokenizer, bridge.AdapterConfig{
		ModelName:          config.Engine.Model,
		Template:           config.Engine.Template,
		DefaultMaxTokens:   config.Engine.DefaultMaxTokens,
		DefaultTemperature: config.Engine.DefaultTemperature,
		RequestTimeout:     config.Bridge.RequestTimeout(),
	}, log, m)
	adapter.Start()

	log.Info("server started",
		zap.String("server_id", config.Server.ID),
		zap.Int("domain", config.Bridge.Domain),
		zap.Int("n_parallel", config.Bridge.NParallel),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down...")

	// Reverse startup order: driver drains staged requests while the bridge
	// can still publish their terminal responses.
	adapter.Stop()
	br.Stop()
	scheduler.Stop()

	if m != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			log.Error("metrics server forced to shutdown", zap.Error(err))
		}
	}

	log.Info("server exited")
}
