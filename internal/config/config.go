package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/andresmejia3/vigil/internal/detect"
	"github.com/andresmejia3/vigil/internal/emitter"
	"github.com/andresmejia3/vigil/internal/session"
)

// EnvPrefix is prepended to every environment override, e.g. VIGIL_IDENTITY_THRESHOLD.
const EnvPrefix = "VIGIL"

// Config is the resolved runtime configuration.
type Config struct {
	Session session.Config
	Worker  Worker
	MQTT    emitter.Config
	DBURL   string
}

// Worker configures the model host subprocess.
type Worker struct {
	Script  string
	Timeout time.Duration
}

// SetDefaults registers a default for every tunable.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("identity.threshold", 0.75)
	v.SetDefault("identity.strikes", 30)
	v.SetDefault("identity.cooldown", "4s")
	v.SetDefault("detect.slow_interval", "500ms")
	v.SetDefault("detect.forbidden_classes", []string{"cell phone", "book"})
	v.SetDefault("talking.threshold_px", 5.0)
	v.SetDefault("talking.cooldown", "2s")
	v.SetDefault("gaze.min_ratio", 0.30)
	v.SetDefault("gaze.max_ratio", 0.70)
	v.SetDefault("gaze.cooldown", "2s")
	v.SetDefault("ledger.debounce", "2s")
	v.SetDefault("loop.tick_rate", 60)
	v.SetDefault("worker.script", "python/model_host.py")
	v.SetDefault("worker.timeout", "5s")
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.topic", "vigil/violations")
	v.SetDefault("mqtt.client_id", "vigil")
	v.SetDefault("mqtt.queue", emitter.DefaultQueueSize)
	v.SetDefault("db.url", "")
}

// Load reads the typed configuration and validates it.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Session: session.Config{
			Detect: detect.Config{
				IdentityThreshold: v.GetFloat64("identity.threshold"),
				IdentityStrikes:   v.GetInt("identity.strikes"),
				IdentityCooldown:  v.GetDuration("identity.cooldown"),
				ForbiddenClasses:  v.GetStringSlice("detect.forbidden_classes"),
				TalkingThreshold:  v.GetFloat64("talking.threshold_px"),
				TalkingCooldown:   v.GetDuration("talking.cooldown"),
				GazeMinRatio:      v.GetFloat64("gaze.min_ratio"),
				GazeMaxRatio:      v.GetFloat64("gaze.max_ratio"),
				GazeCooldown:      v.GetDuration("gaze.cooldown"),
			},
			SlowInterval: v.GetDuration("detect.slow_interval"),
			Debounce:     v.GetDuration("ledger.debounce"),
			TickRate:     v.GetInt("loop.tick_rate"),
		},
		Worker: Worker{
			Script:  v.GetString("worker.script"),
			Timeout: v.GetDuration("worker.timeout"),
		},
		MQTT: emitter.Config{
			Broker:   v.GetString("mqtt.broker"),
			Topic:    v.GetString("mqtt.topic"),
			ClientID: v.GetString("mqtt.client_id"),
			Queue:    v.GetInt("mqtt.queue"),
		},
		DBURL: v.GetString("db.url"),
	}
	return cfg, cfg.Validate()
}

// Validate rejects out-of-range values.
func (c Config) Validate() error {
	d := c.Session.Detect
	var errs []error
	if d.IdentityThreshold <= 0 || d.IdentityThreshold > 1 {
		errs = append(errs, fmt.Errorf("identity.threshold must be in (0, 1], got %v", d.IdentityThreshold))
	}
	if d.IdentityStrikes < 0 {
		errs = append(errs, fmt.Errorf("identity.strikes must not be negative, got %d", d.IdentityStrikes))
	}
	if d.GazeMinRatio >= d.GazeMaxRatio {
		errs = append(errs, fmt.Errorf("gaze.min_ratio (%v) must be below gaze.max_ratio (%v)", d.GazeMinRatio, d.GazeMaxRatio))
	}
	if d.TalkingThreshold <= 0 {
		errs = append(errs, fmt.Errorf("talking.threshold_px must be positive, got %v", d.TalkingThreshold))
	}

	durations := []struct {
		key string
		val time.Duration
	}{
		{"identity.cooldown", d.IdentityCooldown},
		{"talking.cooldown", d.TalkingCooldown},
		{"gaze.cooldown", d.GazeCooldown},
		{"detect.slow_interval", c.Session.SlowInterval},
		{"ledger.debounce", c.Session.Debounce},
		{"worker.timeout", c.Worker.Timeout},
	}
	for _, dur := range durations {
		if dur.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %v", dur.key, dur.val))
		}
	}
	if c.Session.TickRate <= 0 {
		errs = append(errs, fmt.Errorf("loop.tick_rate must be positive, got %d", c.Session.TickRate))
	}
	return errors.Join(errs...)
}
