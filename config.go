package tpu_sender

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PacketDataSize is the largest payload a TPU accepts in one packet.
const PacketDataSize = 1232

// Protocol selects the TPU transport.
type Protocol string

const (
	ProtocolUDP  Protocol = "udp"
	ProtocolQUIC Protocol = "quic"
	ProtocolAuto Protocol = "auto"
)

func ParseProtocol(s string) (Protocol, error) {
	switch p := Protocol(strings.ToLower(strings.TrimSpace(s))); p {
	case ProtocolUDP, ProtocolQUIC, ProtocolAuto:
		return p, nil
	case "":
		return ProtocolUDP, nil
	}
	return "", fmt.Errorf("unknown protocol %q", s)
}

type Config struct {
	LookaheadLeaders int           `yaml:"lookahead_leaders"`
	SlotsPerLeader   int           `yaml:"slots_per_leader"`
	ScheduleSlots    int           `yaml:"schedule_slots"`
	ScheduleTTL      time.Duration `yaml:"schedule_ttl"`
	AddressTTL       time.Duration `yaml:"address_ttl"`
	ConnectionTTL    time.Duration `yaml:"connection_ttl"`
	SendTimeout      time.Duration `yaml:"send_timeout"`
	SubmitTimeout    time.Duration `yaml:"submit_timeout"`
	RPCTimeout       time.Duration `yaml:"rpc_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBaseDelay   time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay    time.Duration `yaml:"retry_max_delay"`
	Protocol         Protocol      `yaml:"protocol"`
	MaxInflight      int           `yaml:"max_inflight"`
	SlotStaleAfter   time.Duration `yaml:"slot_stale_after"`
}

func DefaultConfig() Config {
	return Config{
		LookaheadLeaders: 2,
		SlotsPerLeader:   4,
		ScheduleSlots:    128,
		ScheduleTTL:      30 * time.Second,
		AddressTTL:       60 * time.Second,
		ConnectionTTL:    60 * time.Second,
		SendTimeout:      500 * time.Millisecond,
		SubmitTimeout:    2 * time.Second,
		RPCTimeout:       5 * time.Second,
		MaxRetries:       3,
		RetryBaseDelay:   100 * time.Millisecond,
		RetryMaxDelay:    time.Second,
		Protocol:         ProtocolUDP,
		MaxInflight:      16,
		SlotStaleAfter:   2 * time.Second,
	}
}

// LoadConfig overlays the YAML file at path on DefaultConfig. An empty path
// returns the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Protocol, err = ParseProtocol(string(cfg.Protocol)); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.LookaheadLeaders < 0 {
		errs = append(errs, errors.New("lookahead_leaders must be >= 0"))
	}
	if c.SlotsPerLeader <= 0 {
		errs = append(errs, errors.New("slots_per_leader must be > 0"))
	}
	if c.ScheduleSlots < (c.LookaheadLeaders+1)*c.SlotsPerLeader {
		errs = append(errs, errors.New("schedule_slots must cover the look-ahead window"))
	}
	if c.AddressTTL <= 0 || c.ConnectionTTL <= 0 || c.ScheduleTTL <= 0 {
		errs = append(errs, errors.New("ttl values must be > 0"))
	}
	if c.SendTimeout <= 0 || c.SubmitTimeout <= 0 || c.RPCTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be > 0"))
	}
	if c.SendTimeout >= c.SubmitTimeout {
		errs = append(errs, errors.New("send_timeout must be shorter than submit_timeout"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max_retries must be >= 0"))
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("retry delays must be > 0 and max >= base"))
	}
	if c.MaxInflight <= 0 {
		errs = append(errs, errors.New("max_inflight must be > 0"))
	}
	if _, err := ParseProtocol(string(c.Protocol)); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// windowSlots is how many slots the look-ahead window spans.
func (c Config) windowSlots() uint64 {
	return uint64((c.LookaheadLeaders + 1) * c.SlotsPerLeader)
}
