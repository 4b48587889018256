package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"garagectl/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default("north")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Garage.ID != "north" || cfg.Garage.Capacity != 5 {
		t.Fatalf("unexpected garage section: %+v", cfg.Garage)
	}
	if cfg.Timeouts.CloseDelay.Std() != 2*time.Second {
		t.Fatalf("close delay = %s", cfg.Timeouts.CloseDelay)
	}
	if len(cfg.Lanes) != 2 || cfg.Lanes[1].Kind != domain.LaneExit {
		t.Fatalf("unexpected lanes: %+v", cfg.Lanes)
	}
}

func TestFromYAMLKeepsDefaultsForMissingSections(t *testing.T) {
	cfg, err := FromYAML([]byte(`
garage:
  id: south
  capacity: 12
timeouts:
  idle: 45s
lanes:
  - id: in
    kind: entry
    pins: {button: 1, light_barrier: 2, limit_open: 3, limit_closed: 4, motor: {enable: 5, speed: 6, direction: 7}}
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Garage.Capacity != 12 || cfg.Timeouts.Idle.Std() != 45*time.Second {
		t.Fatalf("overrides lost: %+v %+v", cfg.Garage, cfg.Timeouts)
	}
	if cfg.Timeouts.Open.Std() != 5*time.Second || cfg.Bus.QueueSize != 32 {
		t.Fatalf("defaults lost: %+v", cfg.Timeouts)
	}
	if len(cfg.Lanes) != 1 {
		t.Fatalf("default lanes leaked into explicit list: %+v", cfg.Lanes)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"capacity": `garage: {id: g, capacity: 0}`,
		"duration": `timeouts: {open: fast}`,
		"kind": `lanes:
  - id: a
    kind: sideways
    pins: {button: 1, light_barrier: 2, limit_open: 3, limit_closed: 4, motor: {enable: 5, speed: 6, direction: 7}}`,
		"pin": `lanes:
  - id: a
    kind: entry
    pins: {button: 1, light_barrier: 1, limit_open: 3, limit_closed: 4, motor: {enable: 5, speed: 6, direction: 7}}`,
		"duplicate": `lanes:
  - id: a
    kind: exit
    pins: {button: -1, light_barrier: 2, limit_open: 3, limit_closed: 4, motor: {enable: 5, speed: 6, direction: 7}}
  - id: a
    kind: exit
    pins: {button: -1, light_barrier: 12, limit_open: 13, limit_closed: 14, motor: {enable: 15, speed: 16, direction: 17}}`,
		"motor": `motor: {max_speed: 10, ramp_step: 20}`,
	}
	for name, doc := range cases {
		if _, err := FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestDuplicatePinMessageIsStable(t *testing.T) {
	doc := []byte(`lanes:
  - id: a
    kind: entry
    pins: {button: 1, light_barrier: 1, limit_open: 1, limit_closed: 4, motor: {enable: 5, speed: 6, direction: 7}}`)
	want := []string{
		"pin 1 used by both config.lanes[0].pins.button and config.lanes[0].pins.light_barrier",
		"pin 1 used by both config.lanes[0].pins.button and config.lanes[0].pins.limit_open",
	}
	for i := 0; i < 20; i++ {
		_, err := FromYAML(doc)
		if err == nil {
			t.Fatal("expected duplicate pin error")
		}
		if got := err.Error(); got != strings.Join(want, "\n") {
			t.Fatalf("run %d: unexpected message:\n%s", i, got)
		}
	}
}

func TestLoadAndGenerateDefault(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "config init") {
		t.Fatalf("expected hint about config init, got %v", err)
	}
	cfg, err := LoadOptional(dir)
	if err != nil || cfg.Garage.ID != "garage" {
		t.Fatalf("optional load: %v %+v", err, cfg)
	}
	if err := os.WriteFile(filepath.Join(dir, "garage.yml"), []byte(GenerateDefault("east")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(dir)
	if err != nil || cfg.Garage.ID != "east" {
		t.Fatalf("load: %v", err)
	}
	out, err := cfg.Marshal()
	if err != nil {
		t.Fatal(err)
	}
	again, err := FromYAML(out)
	if err != nil {
		t.Fatalf("marshalled config does not parse: %v\n%s", err, out)
	}
	if again.Timeouts != cfg.Timeouts {
		t.Fatalf("timeouts changed across marshal: %+v vs %+v", again.Timeouts, cfg.Timeouts)
	}
}
