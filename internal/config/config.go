// Package config loads the antradiod YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ant-wireless/Linux-ant-hal/internal/flow"
	"github.com/ant-wireless/Linux-ant-hal/internal/mux"
	"github.com/ant-wireless/Linux-ant-hal/internal/poll"
	"github.com/ant-wireless/Linux-ant-hal/internal/radio"
	"github.com/ant-wireless/Linux-ant-hal/internal/transport"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config is the top-level daemon configuration.
type Config struct {
	Transport TransportConfig `yaml:"transport"`
	Radio     RadioConfig     `yaml:"radio"`
	Store     StoreConfig     `yaml:"store"`
	Gateway   GatewayConfig   `yaml:"gateway"`
}

// TransportConfig selects and parameterises the transport adapter.
type TransportConfig struct {
	Kind        string        `yaml:"kind"`
	CommandPath string        `yaml:"command_path"`
	DataPath    string        `yaml:"data_path"`
	Opcode      bool          `yaml:"opcode"`
	Path        string        `yaml:"path"`
	HCIDevice   uint16        `yaml:"hci_device"`
	Baud        int           `yaml:"baud"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	Checksum    bool          `yaml:"checksum"`
	URL         string        `yaml:"url"`
	InitTimeout time.Duration `yaml:"init_timeout"`
}

// ChannelConfig tunes one logical channel.
type ChannelConfig struct {
	FlowControlled bool `yaml:"flow_controlled"`
	Resend         bool `yaml:"resend"`
	// Opcode prefixes outbound frames when the transport carries one.
	Opcode *byte `yaml:"opcode"`
}

// OpcodeTypesConfig classifies inbound frames when the transport carries an
// opcode.
type OpcodeTypesConfig struct {
	CommandComplete *byte `yaml:"command_complete"`
	FlowOn          *byte `yaml:"flow_on"`
	Event           *byte `yaml:"event"`
}

// RadioConfig tunes the lifecycle and the channels.
type RadioConfig struct {
	Command           ChannelConfig `yaml:"command"`
	Data              ChannelConfig `yaml:"data"`
	FlowTimeout       time.Duration `yaml:"flow_timeout"`
	PollTimeout       time.Duration `yaml:"poll_timeout"`
	ResetAttempts     int           `yaml:"reset_attempts"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	// OpcodeTypes is required with transport.opcode.
	OpcodeTypes *OpcodeTypesConfig `yaml:"opcode_types"`
}

// StoreConfig locates the lifecycle journal. An empty path disables it.
type StoreConfig struct {
	Path          string        `yaml:"path"`
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// GatewayConfig is the HTTP control surface.
type GatewayConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when no file is given: the
// char-device pair at its standard paths, data channel flow controlled.
func Default() *Config {
	rc := radio.DefaultConfig()
	return &Config{
		Transport: TransportConfig{
			Kind:        transport.KindCharDevPair,
			CommandPath: transport.DefaultCommandPath,
			DataPath:    transport.DefaultDataPath,
		},
		Radio: RadioConfig{
			Command:       ChannelConfig{FlowControlled: rc.Mux.Command.FlowControlled},
			Data:          ChannelConfig{FlowControlled: rc.Mux.Data.FlowControlled},
			FlowTimeout:   flow.DefaultTimeout,
			PollTimeout:   poll.DefaultTimeout,
			ResetAttempts: rc.ResetAttempts,
		},
		Store: StoreConfig{
			Path:          "/var/lib/antradiod/journal.db",
			StatsInterval: time.Minute,
		},
		Gateway: GatewayConfig{ListenAddr: "127.0.0.1:8765"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := Parse(raw, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes raw YAML into cfg, which already holds defaults, and
// validates the result. Unknown keys are rejected.
func Parse(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode: %w", err)
	}
	return cfg.Validate()
}

// Validate checks the combination of settings.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case transport.KindCharDevPair:
		if c.Transport.CommandPath == "" || c.Transport.DataPath == "" {
			return fmt.Errorf("%w: %s needs command_path and data_path", ErrInvalid, c.Transport.Kind)
		}
	case transport.KindSerial:
		if c.Transport.Path == "" {
			return fmt.Errorf("%w: %s needs path", ErrInvalid, c.Transport.Kind)
		}
	case transport.KindHCI:
	case transport.KindRPC:
		if c.Transport.URL == "" {
			return fmt.Errorf("%w: rpc needs url", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown transport kind %q", ErrInvalid, c.Transport.Kind)
	}
	if c.Radio.FlowTimeout <= 0 {
		return fmt.Errorf("%w: flow_timeout must be positive", ErrInvalid)
	}
	if c.Radio.PollTimeout <= 0 {
		return fmt.Errorf("%w: poll_timeout must be positive", ErrInvalid)
	}
	if c.Radio.ResetAttempts < 1 {
		return fmt.Errorf("%w: reset_attempts must be at least 1", ErrInvalid)
	}
	if c.Radio.KeepaliveInterval < 0 {
		return fmt.Errorf("%w: keepalive_interval must not be negative", ErrInvalid)
	}
	if err := c.validateOpcodes(); err != nil {
		return err
	}
	if c.Store.Path != "" && c.Store.StatsInterval < 0 {
		return fmt.Errorf("%w: stats_interval must not be negative", ErrInvalid)
	}
	if c.Gateway.ListenAddr == "" {
		return fmt.Errorf("%w: gateway listen_addr required", ErrInvalid)
	}
	return nil
}

func (c *Config) validateOpcodes() error {
	t := c.Radio.OpcodeTypes
	if !c.Transport.Opcode {
		if t != nil {
			return fmt.Errorf("%w: opcode_types need transport opcode", ErrInvalid)
		}
		return nil
	}
	if c.Transport.Kind != transport.KindCharDevPair {
		return fmt.Errorf("%w: opcode is only carried by %s", ErrInvalid, transport.KindCharDevPair)
	}
	if c.Radio.Command.Opcode == nil || c.Radio.Data.Opcode == nil {
		return fmt.Errorf("%w: opcode transport needs command and data opcodes", ErrInvalid)
	}
	if t == nil || t.CommandComplete == nil || t.FlowOn == nil || t.Event == nil {
		return fmt.Errorf("%w: opcode transport needs command_complete, flow_on and event opcode types", ErrInvalid)
	}
	if *t.CommandComplete == *t.FlowOn || *t.CommandComplete == *t.Event || *t.FlowOn == *t.Event {
		return fmt.Errorf("%w: opcode types must be distinct", ErrInvalid)
	}
	return nil
}

// TransportOptions converts the transport section for transport.New.
func (c *Config) TransportOptions() transport.Options {
	t := c.Transport
	return transport.Options{
		Kind:        t.Kind,
		CommandPath: t.CommandPath,
		DataPath:    t.DataPath,
		Opcode:      t.Opcode,
		Path:        t.Path,
		HCIDevice:   t.HCIDevice,
		Baud:        t.Baud,
		ReadTimeout: t.ReadTimeout,
		Checksum:    t.Checksum,
		URL:         t.URL,
		InitTimeout: t.InitTimeout,
	}
}

// RadioOptions converts the radio section for radio.New.
func (c *Config) RadioOptions() radio.Config {
	r := c.Radio
	return radio.Config{
		Mux: mux.Config{
			Command:     r.Command.channel(),
			Data:        r.Data.channel(),
			FlowTimeout: r.FlowTimeout,
			Keepalive:   mux.KeepaliveResponse,
			Opcodes:     r.OpcodeTypes.types(),
		},
		PollTimeout:       r.PollTimeout,
		ResetAttempts:     r.ResetAttempts,
		KeepaliveInterval: r.KeepaliveInterval,
	}
}

func (c ChannelConfig) channel() mux.ChannelConfig {
	out := mux.ChannelConfig{FlowControlled: c.FlowControlled, Resend: c.Resend}
	if c.Opcode != nil {
		out.Opcode = []byte{*c.Opcode}
	}
	return out
}

func (t *OpcodeTypesConfig) types() *mux.OpcodeTypes {
	if t == nil || t.CommandComplete == nil || t.FlowOn == nil || t.Event == nil {
		return nil
	}
	return &mux.OpcodeTypes{
		CommandComplete: []byte{*t.CommandComplete},
		FlowOn:          []byte{*t.FlowOn},
		Event:           []byte{*t.Event},
	}
}
