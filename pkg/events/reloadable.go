package events

import (
	"context"
	"reflect"
	"sync"

	"github.com/infra-bed/fib-service/pkg/config"
	"github.com/infra-bed/fib-service/pkg/logger"
)

// Reloadable is a Publisher whose backing publisher follows configuration
// changes. Publish holds a read lock for the duration of the enqueue, so a
// replaced publisher is only closed once no call can still reach it.
type Reloadable struct {
	applyMu sync.Mutex
	mu      sync.RWMutex
	current Publisher
	enabled bool
	kafka   config.KafkaConfig

	build func(bool, config.KafkaConfig) (Publisher, error)
}

// NewReloadable builds the initial publisher. If that fails, publishing starts
// disabled and the error is returned with a usable Reloadable.
func NewReloadable(enabled bool, cfg config.KafkaConfig) (*Reloadable, error) {
	return newReloadable(enabled, cfg, FromConfig)
}

func newReloadable(enabled bool, cfg config.KafkaConfig, build func(bool, config.KafkaConfig) (Publisher, error)) (*Reloadable, error) {
	r := &Reloadable{build: build, current: Noop{}}
	p, err := build(enabled, cfg)
	if err != nil {
		return r, err
	}
	r.current, r.enabled, r.kafka = p, enabled, cfg
	return r, nil
}

func (r *Reloadable) Publish(ctx context.Context, event ComputationEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	r.current.Publish(ctx, event)
}

// Apply swaps the backing publisher when the publishing flag or Kafka settings
// changed. On error the current publisher is kept.
func (r *Reloadable) Apply(enabled bool, cfg config.KafkaConfig) error {
	r.applyMu.Lock()
	defer r.applyMu.Unlock()

	r.mu.RLock()
	unchanged := r.enabled == enabled && (!enabled || reflect.DeepEqual(r.kafka, cfg))
	r.mu.RUnlock()
	if unchanged {
		return nil
	}

	next, err := r.build(enabled, cfg)
	if err != nil {
		return err
	}

	r.mu.Lock()
	prev := r.current
	r.current, r.enabled, r.kafka = next, enabled, cfg
	r.mu.Unlock()

	logger.Get().Info().
		Bool("enabled", enabled).
		Str("topic", cfg.Topic).
		Msg("Event publisher replaced")
	prev.Close()
	return nil
}

func (r *Reloadable) Close() {
	r.mu.Lock()
	prev := r.current
	r.current = Noop{}
	r.enabled = false
	r.mu.Unlock()
	prev.Close()
}
