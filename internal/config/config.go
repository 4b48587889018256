package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"garagectl/internal/domain"
	"garagectl/internal/hal"
	"garagectl/internal/motor"
)

// Duration is a time.Duration written as a Go duration string ("5s").
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return fmt.Errorf("line %d: duration must be a string like \"5s\"", n.Line)
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Config models garage.yml.
type Config struct {
	Garage struct {
		ID             string `yaml:"id"`
		Capacity       int    `yaml:"capacity"`
		RequirePayment bool   `yaml:"require_payment"`
		// Retention bounds how long retired tickets and journal rows are kept.
		Retention Duration `yaml:"retention"`
	} `yaml:"garage"`
	Bus struct {
		QueueSize      int      `yaml:"queue_size"`
		PublishTimeout Duration `yaml:"publish_timeout"`
	} `yaml:"bus"`
	Timeouts Timeouts `yaml:"timeouts"`
	Debounce struct {
		PollInterval Duration `yaml:"poll_interval"`
		Button       Duration `yaml:"button"`
		LightBarrier Duration `yaml:"light_barrier"`
	} `yaml:"debounce"`
	Motor   motor.Config `yaml:"motor"`
	Lanes   []Lane       `yaml:"lanes"`
	Storage struct {
		Driver string `yaml:"driver"`
	} `yaml:"storage"`
	Simulation struct {
		Travel Duration `yaml:"travel"`
	} `yaml:"simulation"`
	Log    Log `yaml:"log"`
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
}

type Timeouts struct {
	Open       Duration `yaml:"open"`
	Close      Duration `yaml:"close"`
	Idle       Duration `yaml:"idle"`
	CloseDelay Duration `yaml:"close_delay"`
}

type Log struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type Lane struct {
	ID   string          `yaml:"id"`
	Kind domain.LaneKind `yaml:"kind"`
	// Motor overrides the garage-wide motor settings for this lane.
	Motor *motor.Config `yaml:"motor,omitempty"`
	Pins  LanePins      `yaml:"pins"`
}

// LanePins assigns hardware pins; -1 marks an absent input.
type LanePins struct {
	Button       hal.Pin    `yaml:"button"`
	LightBarrier hal.Pin    `yaml:"light_barrier"`
	LimitOpen    hal.Pin    `yaml:"limit_open"`
	LimitClosed  hal.Pin    `yaml:"limit_closed"`
	Motor        motor.Pins `yaml:"motor"`
}

// MotorFor returns the effective motor settings of a lane.
func (c *Config) MotorFor(l Lane) motor.Config {
	if l.Motor != nil {
		return *l.Motor
	}
	return c.Motor
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	var errs []error
	if c.Garage.ID == "" {
		errs = append(errs, errors.New("config.garage.id is required"))
	}
	if c.Garage.Capacity <= 0 || c.Garage.Capacity > 1000 {
		errs = append(errs, fmt.Errorf("config.garage.capacity must be in 1..1000, got %d", c.Garage.Capacity))
	}
	if c.Bus.QueueSize <= 0 {
		errs = append(errs, errors.New("config.bus.queue_size must be positive"))
	}
	for _, t := range []struct {
		name string
		d    Duration
	}{{"open", c.Timeouts.Open}, {"close", c.Timeouts.Close}} {
		name, d := t.name, t.d
		if d.Std() < 100*time.Millisecond || d.Std() > time.Minute {
			errs = append(errs, fmt.Errorf("config.timeouts.%s must be between 100ms and 1m, got %s", name, d))
		}
	}
	if c.Timeouts.Idle <= 0 {
		errs = append(errs, errors.New("config.timeouts.idle must be positive"))
	}
	if c.Timeouts.CloseDelay < 0 {
		errs = append(errs, errors.New("config.timeouts.close_delay must not be negative"))
	}
	if c.Debounce.PollInterval <= 0 {
		errs = append(errs, errors.New("config.debounce.poll_interval must be positive"))
	}
	if b := c.Debounce.Button.Std(); b < 10*time.Millisecond || b > time.Second {
		errs = append(errs, fmt.Errorf("config.debounce.button must be between 10ms and 1s, got %s", c.Debounce.Button))
	}
	if err := c.Motor.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("config.motor: %w", err))
	}
	switch c.Storage.Driver {
	case "memory", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("config.storage.driver must be memory or sqlite, got %q", c.Storage.Driver))
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("config.log.format must be json or text, got %q", c.Log.Format))
	}
	if len(c.Lanes) == 0 {
		errs = append(errs, errors.New("config.lanes needs at least one lane"))
	}
	ids := map[string]bool{}
	pins := map[hal.Pin]string{}
	for i, l := range c.Lanes {
		where := fmt.Sprintf("config.lanes[%d]", i)
		if l.ID == "" {
			errs = append(errs, fmt.Errorf("%s.id is required", where))
		} else if ids[l.ID] {
			errs = append(errs, fmt.Errorf("%s.id %q is duplicated", where, l.ID))
		}
		ids[l.ID] = true
		if l.Kind != domain.LaneEntry && l.Kind != domain.LaneExit {
			errs = append(errs, fmt.Errorf("%s.kind must be entry or exit, got %q", where, l.Kind))
		}
		if l.Motor != nil {
			if err := l.Motor.Validate(); err != nil {
				errs = append(errs, fmt.Errorf("%s.motor: %w", where, err))
			}
		}
		if l.Kind == domain.LaneEntry && l.Pins.Button == hal.NoPin {
			errs = append(errs, fmt.Errorf("%s.pins.button is required for entry lanes", where))
		}
		for _, np := range []struct {
			name string
			pin  hal.Pin
		}{
			{"button", l.Pins.Button},
			{"light_barrier", l.Pins.LightBarrier},
			{"limit_open", l.Pins.LimitOpen},
			{"limit_closed", l.Pins.LimitClosed},
			{"motor.enable", l.Pins.Motor.Enable},
			{"motor.speed", l.Pins.Motor.Speed},
			{"motor.direction", l.Pins.Motor.Direction},
		} {
			name, p := np.name, np.pin
			if p == hal.NoPin {
				continue
			}
			if p < 0 {
				errs = append(errs, fmt.Errorf("%s.pins.%s must be -1 or a pin number", where, name))
				continue
			}
			key := where + ".pins." + name
			if other, ok := pins[p]; ok {
				errs = append(errs, fmt.Errorf("pin %d used by both %s and %s", p, other, key))
				continue
			}
			pins[p] = key
		}
	}
	return errors.Join(errs...)
}

// Lane returns the lane with id.
func (c *Config) Lane(id string) (Lane, bool) {
	for _, l := range c.Lanes {
		if l.ID == id {
			return l, true
		}
	}
	return Lane{}, false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "garage.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with garagectl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional falls back to the defaults when the workspace has no config.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if os.IsNotExist(err) {
		return Default("garage"), nil
	}
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(garageID string) string {
	return fmt.Sprintf(defaultTemplate, garageID)
}

// Default returns the default Config for a garage.
func Default(garageID string) *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(GenerateDefault(garageID)), &cfg); err != nil {
		panic(fmt.Sprintf("config: default template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing
// sections keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("garage")
	cfg.Lanes = nil
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `garage:
  id: %s
  capacity: 5
  require_payment: false
  retention: 720h

bus:
  queue_size: 32
  publish_timeout: 50ms

timeouts:
  open: 5s
  close: 5s
  idle: 30s
  close_delay: 2s

debounce:
  poll_interval: 5ms
  button: 50ms
  light_barrier: 20ms

motor:
  max_speed: 255
  ramp_step: 128
  start_speed: 128
  reverse_threshold: 0

storage:
  driver: sqlite

simulation:
  travel: 1s

log:
  level: info
  format: json
  file: ""
  max_size_mb: 10
  max_backups: 3

server:
  addr: 127.0.0.1:8640

lanes:
  - id: entry-1
    kind: entry
    pins:
      button: 25
      light_barrier: 15
      limit_open: 32
      limit_closed: 33
      motor:
        enable: 22
        speed: 23
        direction: 21
  - id: exit-1
    kind: exit
    pins:
      button: -1
      light_barrier: 26
      limit_open: 34
      limit_closed: 35
      motor:
        enable: 27
        speed: 14
        direction: 12
`
