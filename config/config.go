// config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/AsherValentini/MiLO-Middleware/errcode"
	"github.com/AsherValentini/MiLO-Middleware/protocol"
	"github.com/AsherValentini/MiLO-Middleware/types"
)

// File schema for <root>/config.json. The loader validates everything
// so the runtime receives a typed, trusted object.
type File struct {
	Protocol   string             `json:"protocol"`
	Devices    map[string]string  `json:"devices"` // device name -> tty path
	WithCRC    bool               `json:"with_crc,omitempty"`
	Steps      []StepSpec         `json:"steps,omitempty"`
	Abort      []StepSpec         `json:"abort,omitempty"`
	Parameters map[string]float64 `json:"parameters,omitempty"`
	LogDir     string             `json:"log_dir,omitempty"`
	QuotaBytes int64              `json:"quota_bytes,omitempty"`
}

// StepSpec is one step (or abort cleanup) as written in config.
type StepSpec struct {
	Name       string `json:"name"`
	Device     string `json:"device"`
	Opcode     string `json:"opcode"`
	Args       string `json:"args,omitempty"` // shell-style tokens; $<param> substitutes
	DeadlineMS int    `json:"deadline_ms"`
	RetryCount *int   `json:"retry_count,omitempty"` // nil means the engine default
}

// Config is the validated form handed to the coordinator.
type Config struct {
	ProtocolName string
	Paths        [types.DeviceCount]string
	WithCRC      bool
	Steps        []protocol.Step
	Abort        []protocol.Cleanup
	Defaults     map[types.Parameter]float64
	LogDir       string
	QuotaBytes   int64
}

func invalid(format string, args ...any) error {
	return &errcode.E{C: errcode.ConfigInvalid, Op: "config.load", Msg: fmt.Sprintf(format, args...)}
}

// Load reads and validates <path>.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &errcode.E{C: errcode.ConfigInvalid, Op: "config.load", Msg: path, Err: err}
	}
	var f File
	dec := json.NewDecoder(strings.NewReader(string(b)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, &errcode.E{C: errcode.ConfigInvalid, Op: "config.load", Msg: "parse", Err: err}
	}
	return Validate(&f)
}

// Validate converts the file schema into a typed Config.
func Validate(f *File) (*Config, error) {
	if f.Protocol == "" {
		return nil, invalid("protocol name missing")
	}

	cfg := &Config{
		ProtocolName: f.Protocol,
		WithCRC:      f.WithCRC,
		Defaults:     map[types.Parameter]float64{},
		LogDir:       f.LogDir,
		QuotaBytes:   f.QuotaBytes,
	}

	for _, dev := range types.Devices() {
		path, ok := f.Devices[dev.String()]
		if !ok || path == "" {
			return nil, invalid("device %s: path missing", dev)
		}
		cfg.Paths[dev] = path
	}

	for name, v := range f.Parameters {
		p, ok := types.ParseParameter(name)
		if !ok {
			return nil, invalid("unknown parameter %q", name)
		}
		b := types.Bounds(p)
		if v < b.Min || v > b.Max {
			return nil, invalid("parameter %s default %v outside [%v, %v]", p, v, b.Min, b.Max)
		}
		cfg.Defaults[p] = v
	}

	seen := map[string]bool{}
	for i, s := range f.Steps {
		step, err := parseStep(s, i)
		if err != nil {
			return nil, err
		}
		if seen[step.Name] {
			return nil, invalid("duplicate step name %q", step.Name)
		}
		seen[step.Name] = true
		cfg.Steps = append(cfg.Steps, step)
	}

	for i, s := range f.Abort {
		step, err := parseStep(s, i)
		if err != nil {
			return nil, err
		}
		cfg.Abort = append(cfg.Abort, protocol.Cleanup{
			Device:   step.Device,
			Opcode:   step.Opcode,
			Args:     step.Args,
			Deadline: step.Deadline,
		})
	}

	// Without inline steps the protocol must be a registered one.
	if len(cfg.Steps) == 0 && !protocol.Registered(f.Protocol) {
		return nil, invalid("protocol %q not registered and no steps given", f.Protocol)
	}
	return cfg, nil
}

func parseStep(s StepSpec, i int) (protocol.Step, error) {
	if s.Name == "" {
		return protocol.Step{}, invalid("step %d: name missing", i)
	}
	dev, ok := types.ParseDevice(s.Device)
	if !ok {
		return protocol.Step{}, invalid("step %s: unknown device %q", s.Name, s.Device)
	}
	if s.Opcode == "" {
		return protocol.Step{}, invalid("step %s: opcode missing", s.Name)
	}
	if s.DeadlineMS <= 0 {
		return protocol.Step{}, invalid("step %s: deadline_ms must be positive", s.Name)
	}
	args, err := shlex.Split(s.Args)
	if err != nil {
		return protocol.Step{}, invalid("step %s: args: %v", s.Name, err)
	}
	for _, a := range args {
		if strings.HasPrefix(a, "$") {
			if _, ok := types.ParseParameter(a[1:]); !ok {
				return protocol.Step{}, invalid("step %s: unknown parameter reference %q", s.Name, a)
			}
		}
	}
	retries := -1
	if s.RetryCount != nil {
		if *s.RetryCount < 0 {
			return protocol.Step{}, invalid("step %s: retry_count negative", s.Name)
		}
		retries = *s.RetryCount
	}
	return protocol.Step{
		Name:     s.Name,
		Device:   dev,
		Opcode:   s.Opcode,
		Args:     args,
		Deadline: time.Duration(s.DeadlineMS) * time.Millisecond,
		Retries:  retries,
	}, nil
}

// BuildProtocol resolves the configured protocol: inline steps win,
// otherwise the registry.
func (c *Config) BuildProtocol() (protocol.Protocol, error) {
	if len(c.Steps) > 0 {
		return protocol.Protocol{Name: c.ProtocolName, Steps: c.Steps, Abort: c.Abort}, nil
	}
	return protocol.Create(c.ProtocolName)
}
