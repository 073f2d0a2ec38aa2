package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/thisisjab/logcast/api"
	"github.com/thisisjab/logcast/bus"
	"github.com/thisisjab/logcast/engine"
	"github.com/thisisjab/logcast/live"
	"github.com/thisisjab/logcast/processor"
	"github.com/thisisjab/logcast/storage"
	"go.yaml.in/yaml/v3"
)

type Config struct {
	Logger     LoggerConfig                 `yaml:"logger"`
	API        api.Config                   `yaml:"api"`
	Storage    storage.PartitionStoreConfig `yaml:"storage"`
	Live       live.HubConfig               `yaml:"live"`
	Bus        BusConfig                    `yaml:"bus"`
	Processors []ProcessorConfig            `yaml:"processors"`
}

type LoggerConfig struct {
	Level string `yaml:"level"`
	Type  string `yaml:"type"`
	// Output is either stdout or stderr.
	Output string `yaml:"output"`
}

type BusConfig struct {
	Type     string `yaml:"type"`
	Exchange string `yaml:"exchange"`
	Config   any    `yaml:"config"`
}

type ProcessorConfig struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Config any    `yaml:"config"`
}

// Default returns a configuration that runs locally without any broker.
func Default() Config {
	return Config{
		Logger: LoggerConfig{
			Level:  "info",
			Type:   "colored-text",
			Output: "stdout",
		},
		API: api.Config{
			Addr:               "localhost:8001",
			SubscribeKeepAlive: 30 * time.Second,
		},
		Storage: storage.PartitionStoreConfig{
			Dir:        "./data",
			SyncWrites: true,
		},
		Live: live.HubConfig{
			BufferSize: 64,
		},
		Bus: BusConfig{
			Type:     "log",
			Exchange: engine.DefaultExchange,
		},
	}
}

// Load reads the YAML file at path on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()

	fileContent, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("cannot read config file content: %w", err)
	}

	if err := yaml.Unmarshal(fileContent, &cfg); err != nil {
		return cfg, fmt.Errorf("cannot parse config file: %w", err)
	}

	return cfg, nil
}

// FromEnv overlays the LOGCAST_* variables found by lookup (usually os.LookupEnv) on cfg.
func FromEnv(cfg Config, lookup func(string) (string, bool)) Config {
	if v, ok := lookup("LOGCAST_API_ADDR"); ok && v != "" {
		cfg.API.Addr = v
	}

	if v, ok := lookup("LOGCAST_STORAGE_DIR"); ok && v != "" {
		cfg.Storage.Dir = v
	}

	if v, ok := lookup("LOGCAST_LOG_LEVEL"); ok && v != "" {
		cfg.Logger.Level = v
	}

	if v, ok := lookup("LOGCAST_BUS_TYPE"); ok && v != "" {
		cfg.Bus.Type = v
	}

	if v, ok := lookup("LOGCAST_BUS_EXCHANGE"); ok && v != "" {
		cfg.Bus.Exchange = v
	}

	return cfg
}

// publisher is a bus publisher that holds resources.
type publisher interface {
	engine.Publisher
	io.Closer
}

// App holds every component built from a Config.
type App struct {
	Logger *slog.Logger
	API    api.Config
	Engine *engine.Engine
	Hub    *live.Hub
	Store  *storage.PartitionStore

	publisher publisher
}

// Close disconnects live subscribers and releases the bus publisher.
func (a *App) Close() error {
	a.Hub.Close()
	return a.publisher.Close()
}

// Parse builds the application. Connections to brokers are made with ctx.
func (cfg Config) Parse(ctx context.Context) (*App, error) {
	logger, err := parseLoggerConfig(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("cannot create logger: %w", err)
	}

	store, err := storage.NewPartitionStore(cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("cannot create storage: %w", err)
	}

	processors := make([]engine.MessageProcessor, len(cfg.Processors))
	for i, pc := range cfg.Processors {
		p, err := parseProcessorConfig(pc)
		if err != nil {
			return nil, fmt.Errorf("cannot create processor `%s`: %w", pc.Name, err)
		}
		processors[i] = p
	}

	pub, err := parseBusConfig(ctx, logger, cfg.Bus)
	if err != nil {
		return nil, fmt.Errorf("cannot create bus publisher: %w", err)
	}

	hub := live.NewHub(cfg.Live, logger)

	e, err := engine.New(engine.Config{
		Store:       store,
		Broadcaster: hub,
		Publisher:   pub,
		Exchange:    cfg.Bus.Exchange,
		Processors:  processors,
	}, logger)
	if err != nil {
		pub.Close()
		return nil, fmt.Errorf("cannot create engine: %w", err)
	}

	return &App{
		Logger:    logger,
		API:       cfg.API,
		Engine:    e,
		Hub:       hub,
		Store:     store,
		publisher: pub,
	}, nil
}

func parseLoggerConfig(cfg LoggerConfig) (*slog.Logger, error) {
	var w io.Writer
	switch cfg.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		return nil, fmt.Errorf("invalid log output: %s", cfg.Output)
	}

	return newLogger(cfg, w)
}

func newLogger(cfg LoggerConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var handler slog.Handler
	switch cfg.Type {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case "colored-text":
		handler = tint.NewHandler(w, &tint.Options{Level: level, AddSource: true, TimeFormat: time.Kitchen})
	default:
		return nil, fmt.Errorf("invalid log type: %s", cfg.Type)
	}

	return slog.New(handler), nil
}

func parseLevel(level string) (slog.Level, error) {
	switch level {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s", level)
	}
}

func parseBusConfig(ctx context.Context, logger *slog.Logger, cfg BusConfig) (publisher, error) {
	switch cfg.Type {
	case "amqp":
		var amqpConfig bus.AMQPPublisherConfig
		if err := remarshal(cfg.Config, &amqpConfig); err != nil {
			return nil, fmt.Errorf("cannot parse amqp bus config: %w", err)
		}

		p, err := bus.NewAMQPPublisher(amqpConfig, logger)
		if err != nil {
			return nil, fmt.Errorf("cannot create amqp publisher: %w", err)
		}

		if err := p.Connect(ctx); err != nil {
			return nil, fmt.Errorf("cannot connect amqp publisher: %w", err)
		}

		return p, nil

	case "sqs":
		var sqsConfig bus.SQSPublisherConfig
		if err := remarshal(cfg.Config, &sqsConfig); err != nil {
			return nil, fmt.Errorf("cannot parse sqs bus config: %w", err)
		}

		p, err := bus.NewSQSPublisher(ctx, sqsConfig)
		if err != nil {
			return nil, fmt.Errorf("cannot create sqs publisher: %w", err)
		}

		return p, nil

	case "clickhouse":
		exchange := cfg.Exchange
		if exchange == "" {
			exchange = engine.DefaultExchange
		}
		if err := bus.ValidateTableName(exchange); err != nil {
			return nil, err
		}

		var clickHouseConfig bus.ClickHousePublisherConfig
		if err := remarshal(cfg.Config, &clickHouseConfig); err != nil {
			return nil, fmt.Errorf("cannot parse clickhouse bus config: %w", err)
		}

		p, err := bus.NewClickHousePublisher(clickHouseConfig)
		if err != nil {
			return nil, fmt.Errorf("cannot create clickhouse publisher: %w", err)
		}

		if err := p.Connect(ctx); err != nil {
			return nil, fmt.Errorf("cannot connect clickhouse publisher: %w", err)
		}

		return p, nil

	case "log":
		return bus.NewLogPublisher(logger, slog.LevelInfo), nil

	case "":
		return nil, errors.New("bus type is required")

	default:
		return nil, fmt.Errorf("invalid bus type: %s", cfg.Type)
	}
}

func parseProcessorConfig(cfg ProcessorConfig) (engine.MessageProcessor, error) {
	switch cfg.Type {
	case "level":
		return processor.NewLevelProcessor(cfg.Name), nil

	case "lua":
		var luaConfig processor.LuaMessageProcessorConfig
		if err := remarshal(cfg.Config, &luaConfig); err != nil {
			return nil, fmt.Errorf("cannot parse lua processor config: %w", err)
		}

		luaConfig.Name = cfg.Name

		p, err := processor.NewLuaMessageProcessor(luaConfig)
		if err != nil {
			return nil, fmt.Errorf("cannot create lua processor: %w", err)
		}

		return p, nil

	default:
		return nil, fmt.Errorf("invalid message processor type: %s", cfg.Type)
	}
}

// remarshal takes an input value, marshals it to YAML, and then unmarshals it into a new value of the same type.
// This is useful for converting generic interfaces (like map[string]any) into concrete struct types.
// The output parameter must be a pointer to the target type.
func remarshal(input any, output any) error {
	yamlBytes, err := yaml.Marshal(input)
	if err != nil {
		return fmt.Errorf("failed to marshal to YAML: %w", err)
	}

	if err := yaml.Unmarshal(yamlBytes, output); err != nil {
		return fmt.Errorf("failed to unmarshal from YAML: %w", err)
	}

	return nil
}
