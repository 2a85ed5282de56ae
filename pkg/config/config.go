package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/infra-bed/fib-service/pkg/metrics"
)

const DefaultConfigPath = "/etc/config/config.yaml"

type Config struct {
	Server   ServerConfig  `mapstructure:"server" json:"server"`
	Features FeatureFlags  `mapstructure:"features" json:"features"`
	Logging  LoggingConfig `mapstructure:"logging" json:"logging"`
	Metrics  MetricsConfig `mapstructure:"metrics" json:"metrics"`
	Kafka    KafkaConfig   `mapstructure:"kafka" json:"kafka"`
	Bench    BenchConfig   `mapstructure:"bench" json:"bench"`
}

type ServerConfig struct {
	BindAddress     string        `mapstructure:"bindAddress" json:"bindAddress"`
	Port            int           `mapstructure:"port" json:"port"`
	ReadTimeout     time.Duration `mapstructure:"readTimeout" json:"readTimeout"`
	WriteTimeout    time.Duration `mapstructure:"writeTimeout" json:"writeTimeout"`
	IdleTimeout     time.Duration `mapstructure:"idleTimeout" json:"idleTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdownTimeout" json:"shutdownTimeout"`
	Workers         int           `mapstructure:"workers" json:"workers"`
	AllowedOrigin   string        `mapstructure:"allowedOrigin" json:"allowedOrigin"`
}

// Addr is the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

type FeatureFlags struct {
	EnableProfiling    bool            `mapstructure:"enableProfiling" json:"enableProfiling"`
	EnableTracing      bool            `mapstructure:"enableTracing" json:"enableTracing"`
	EnableMetrics      bool            `mapstructure:"enableMetrics" json:"enableMetrics"`
	EnableDebugLogging bool            `mapstructure:"enableDebugLogging" json:"enableDebugLogging"`
	EnablePublishing   bool            `mapstructure:"enablePublishing" json:"enablePublishing"`
	EnableBenchmark    bool            `mapstructure:"enableBenchmark" json:"enableBenchmark"`
	LogLevel           string          `mapstructure:"logLevel" json:"logLevel"`
	ExperimentalFlags  map[string]bool `mapstructure:"experimental" json:"experimental"`
}

type LoggingConfig struct {
	Pretty bool       `mapstructure:"pretty" json:"pretty"`
	Loki   LokiConfig `mapstructure:"loki" json:"loki"`
}

type LokiConfig struct {
	URL           string            `mapstructure:"url" json:"url"`
	Labels        map[string]string `mapstructure:"labels" json:"labels"`
	BatchSize     int               `mapstructure:"batchSize" json:"batchSize"`
	FlushInterval time.Duration     `mapstructure:"flushInterval" json:"flushInterval"`
}

type MetricsConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

type KafkaConfig struct {
	Brokers  []string            `mapstructure:"brokers" json:"brokers"`
	Topic    string              `mapstructure:"topic" json:"topic"`
	ClientID string              `mapstructure:"clientId" json:"clientId"`
	Producer KafkaProducerConfig `mapstructure:"producer" json:"producer"`
}

type KafkaProducerConfig struct {
	Acks            string `mapstructure:"acks" json:"acks"` // "all", "1", "0"
	CompressionType string `mapstructure:"compressionType" json:"compressionType"`
	LingerMs        int    `mapstructure:"lingerMs" json:"lingerMs"`
	MaxRetries      int    `mapstructure:"maxRetries" json:"maxRetries"`
}

// BenchConfig bounds benchmark runs started through the HTTP API. An empty
// Target means the service's own loopback address.
type BenchConfig struct {
	Target         string        `mapstructure:"target" json:"target"`
	MaxRequests    int           `mapstructure:"maxRequests" json:"maxRequests"`
	MaxConcurrency int           `mapstructure:"maxConcurrency" json:"maxConcurrency"`
	Timeout        time.Duration `mapstructure:"timeout" json:"timeout"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout" json:"requestTimeout"`
	History        int           `mapstructure:"history" json:"history"`
}

type ConfigManager struct {
	mu              sync.RWMutex
	config          *Config
	path            string
	changeCallbacks []func(*Config)
	watcher         *fsnotify.Watcher
}

// NewConfigManager loads configPath on top of the defaults. A missing file is
// not an error; the defaults are used.
func NewConfigManager(configPath string) (*ConfigManager, error) {
	cm := &ConfigManager{
		path:            configPath,
		changeCallbacks: make([]func(*Config), 0),
	}

	cfg, err := load(configPath)
	if err != nil {
		return nil, err
	}
	cm.config = cfg
	recordFeatureFlags(cfg.Features)

	return cm, nil
}

func load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Watch starts watching the config file's directory. Kubernetes mounts
// ConfigMaps through a ..data symlink that is swapped on update, so the file
// itself cannot be watched reliably.
func (cm *ConfigManager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}

	dir := filepath.Dir(cm.path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching config directory %s: %w", dir, err)
	}

	cm.mu.Lock()
	cm.watcher = watcher
	cm.mu.Unlock()

	log.Info().Str("path", cm.path).Str("dir", dir).Msg("Watching config file for changes")
	go cm.watchLoop(watcher)
	return nil
}

func (cm *ConfigManager) watchLoop(watcher *fsnotify.Watcher) {
	dir := filepath.Dir(cm.path)
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			log.Debug().
				Str("name", event.Name).
				Str("op", event.Op.String()).
				Msg("File watcher event")

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if event.Name != cm.path && event.Name != filepath.Join(dir, "..data") {
				continue
			}

			log.Info().Str("event", event.String()).Msg("Config file change detected")

			// Let the writer finish before re-reading.
			time.Sleep(100 * time.Millisecond)

			if err := cm.Reload(); err != nil {
				log.Error().Err(err).Msg("Failed to reload config")
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("File watcher error")
		}
	}
}

// Reload re-reads the config file and notifies OnChange callbacks. The old
// config is kept if the file is unreadable.
func (cm *ConfigManager) Reload() error {
	if _, err := os.Stat(cm.path); os.IsNotExist(err) {
		log.Debug().Msg("Config file temporarily missing, likely being updated")
		return nil
	}

	newConfig, err := load(cm.path)
	if err != nil {
		metrics.ConfigReloads.WithLabelValues("error").Inc()
		return fmt.Errorf("error reloading config: %w", err)
	}

	cm.mu.Lock()
	oldConfig := cm.config
	cm.config = newConfig
	callbacks := make([]func(*Config), len(cm.changeCallbacks))
	copy(callbacks, cm.changeCallbacks)
	cm.mu.Unlock()

	metrics.ConfigReloads.WithLabelValues("success").Inc()
	recordFeatureFlags(newConfig.Features)
	log.Info().Msg("Configuration reloaded successfully from file")

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Msg("Panic in config change callback")
				}
			}()
			cb(newConfig)
		}()
	}

	log.Debug().
		Interface("old", oldConfig).
		Interface("new", newConfig).
		Msg("Configuration updated")

	return nil
}

// Close stops the file watcher, if any.
func (cm *ConfigManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.watcher == nil {
		return nil
	}
	err := cm.watcher.Close()
	cm.watcher = nil
	return err
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bindAddress", "")
	v.SetDefault("server.port", 8083)
	v.SetDefault("server.readTimeout", "30s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.idleTimeout", "120s")
	v.SetDefault("server.shutdownTimeout", "10s")
	v.SetDefault("server.workers", 0)
	v.SetDefault("server.allowedOrigin", "*")

	v.SetDefault("features.enableProfiling", false)
	v.SetDefault("features.enableTracing", false)
	v.SetDefault("features.enableMetrics", true)
	v.SetDefault("features.enableDebugLogging", false)
	v.SetDefault("features.enablePublishing", false)
	v.SetDefault("features.enableBenchmark", false)
	v.SetDefault("features.logLevel", "info")
	v.SetDefault("features.experimental", map[string]bool{})

	v.SetDefault("logging.pretty", false)
	v.SetDefault("logging.loki.url", "")
	v.SetDefault("logging.loki.labels", map[string]string{"service": "fib-service"})
	v.SetDefault("logging.loki.batchSize", 100)
	v.SetDefault("logging.loki.flushInterval", "2s")

	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("kafka.brokers", []string{"kafka-cluster-kafka-bootstrap.kafka:9092"})
	v.SetDefault("kafka.topic", "fibonacci-computations")
	v.SetDefault("kafka.clientId", "fib-service")
	v.SetDefault("kafka.producer.acks", "all")
	v.SetDefault("kafka.producer.compressionType", "snappy")
	v.SetDefault("kafka.producer.lingerMs", 10)
	v.SetDefault("kafka.producer.maxRetries", 3)

	v.SetDefault("bench.target", "")
	v.SetDefault("bench.maxRequests", 5000)
	v.SetDefault("bench.maxConcurrency", 64)
	v.SetDefault("bench.timeout", "120s")
	v.SetDefault("bench.requestTimeout", "10s")
	v.SetDefault("bench.history", 20)
}

func recordFeatureFlags(f FeatureFlags) {
	set := func(name string, enabled bool) {
		v := 0.0
		if enabled {
			v = 1
		}
		metrics.ConfigFeatureFlags.WithLabelValues(name).Set(v)
	}
	set("profiling", f.EnableProfiling)
	set("tracing", f.EnableTracing)
	set("metrics", f.EnableMetrics)
	set("debug", f.EnableDebugLogging)
	set("publishing", f.EnablePublishing)
	set("benchmark", f.EnableBenchmark)
}

func (cm *ConfigManager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

func (cm *ConfigManager) OnChange(callback func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.changeCallbacks = append(cm.changeCallbacks, callback)
}

func (cm *ConfigManager) GetServer() ServerConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config.Server
}

func (cm *ConfigManager) GetFeatures() FeatureFlags {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config.Features
}

func (cm *ConfigManager) GetKafka() KafkaConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config.Kafka
}

func (cm *ConfigManager) GetBench() BenchConfig {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config.Bench
}

func (cm *ConfigManager) IsFeatureEnabled(feature string) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if val, ok := cm.config.Features.ExperimentalFlags[feature]; ok {
		return val
	}
	return false
}
