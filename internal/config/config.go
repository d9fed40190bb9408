// Package config holds the caller configuration and loads it from defaults,
// a YAML file, SIP_* environment variables and command-line overrides, in
// that order of precedence.
package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/sebas/sipcaller/internal/logger"
)

// ErrConfiguration marks invalid or missing settings.
var ErrConfiguration = errors.New("configuration error")

// Config is the root configuration.
type Config struct {
	SIP  SIPConfig  `yaml:"sip"`
	Call CallConfig `yaml:"call"`
	NAT  NATConfig  `yaml:"nat"`
	Log  LogConfig  `yaml:"log"`
}

// SIPConfig is the PBX connection.
type SIPConfig struct {
	Server          string `yaml:"server"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	Transport       string `yaml:"transport"` // udp, tcp or tls
	SRTP            string `yaml:"srtp"`      // disabled, optional or mandatory
	TLSVerifyServer bool   `yaml:"tls_verify_server"`
	LocalPort       int    `yaml:"local_port"` // 0 picks a free port
}

// CallConfig is the per-call timing. Delays are seconds.
type CallConfig struct {
	Timeout        int     `yaml:"timeout"`
	PreDelay       float64 `yaml:"pre_delay"`
	PostDelay      float64 `yaml:"post_delay"`
	InterDelay     float64 `yaml:"inter_delay"`
	Repeat         int     `yaml:"repeat"`
	WaitForSilence float64 `yaml:"wait_for_silence"`
}

// NATConfig is the NAT traversal policy. Everything is off by default.
type NATConfig struct {
	STUNServers       []string `yaml:"stun_servers"`
	STUNIgnoreFailure bool     `yaml:"stun_ignore_failure"`
	ICEEnabled        bool     `yaml:"ice_enabled"`
	TURNEnabled       bool     `yaml:"turn_enabled"`
	TURNServer        string   `yaml:"turn_server"`
	TURNUsername      string   `yaml:"turn_username"`
	TURNPassword      string   `yaml:"turn_password"`
	TURNTransport     string   `yaml:"turn_transport"`
	KeepaliveSec      int      `yaml:"keepalive_sec"`
	// PublicAddress is advertised in Contact and SDP while sockets stay
	// bound to the local interface.
	PublicAddress string `yaml:"public_address"`
}

// LogConfig controls host and engine verbosity.
type LogConfig struct {
	Level       string `yaml:"level"`
	EngineLevel int    `yaml:"engine_level"` // 0 (off) .. 6 (wire)
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		SIP: SIPConfig{
			Port:      5060,
			Transport: "udp",
			SRTP:      "disabled",
		},
		Call: CallConfig{
			Timeout: 60,
			Repeat:  1,
		},
		NAT: NATConfig{
			STUNIgnoreFailure: true,
			TURNTransport:     "udp",
		},
		Log: LogConfig{
			Level:       "info",
			EngineLevel: 3,
		},
	}
}

// Seconds converts a fractional seconds setting.
func Seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// TimeoutDuration is Timeout as a time.Duration.
func (c CallConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// KeepaliveInterval is KeepaliveSec as a time.Duration.
func (n NATConfig) KeepaliveInterval() time.Duration {
	return time.Duration(n.KeepaliveSec) * time.Second
}

// DefaultPort is the well-known port of the configured transport.
func (s SIPConfig) DefaultPort() int {
	if strings.EqualFold(s.Transport, "tls") {
		return 5061
	}
	return 5060
}

// Scheme is sips for TLS and sip otherwise.
func (s SIPConfig) Scheme() string {
	if strings.EqualFold(s.Transport, "tls") {
		return "sips"
	}
	return "sip"
}

// ConfigurationError lists every problem found in a configuration.
type ConfigurationError struct {
	Problems []error
}

// Error returns the error message.
func (e *ConfigurationError) Error() string {
	msgs := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		msgs[i] = p.Error()
	}
	return fmt.Sprintf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// Unwrap returns the individual problems.
func (e *ConfigurationError) Unwrap() []error {
	return e.Problems
}

// Is matches ErrConfiguration.
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func oneOf(v string, allowed ...string) bool {
	return slices.Contains(allowed, v)
}

// Validate checks cfg and returns a *ConfigurationError listing all
// violations, or nil.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.SIP.Server == "" {
		add("sip.server is required")
	}
	if c.SIP.User == "" {
		add("sip.user is required")
	}
	if c.SIP.Port < 1 || c.SIP.Port > 65535 {
		add("sip.port %d is out of range [1, 65535]", c.SIP.Port)
	}
	if c.SIP.LocalPort < 0 || c.SIP.LocalPort > 65535 {
		add("sip.local_port %d is out of range [0, 65535]", c.SIP.LocalPort)
	}
	if !oneOf(c.SIP.Transport, "udp", "tcp", "tls") {
		add("sip.transport %q is invalid; valid values: udp, tcp, tls", c.SIP.Transport)
	}
	if !oneOf(c.SIP.SRTP, "disabled", "optional", "mandatory") {
		add("sip.srtp %q is invalid; valid values: disabled, optional, mandatory", c.SIP.SRTP)
	}

	if c.Call.Timeout < 1 || c.Call.Timeout > 600 {
		add("call.timeout %d is out of range [1, 600]", c.Call.Timeout)
	}
	if c.Call.Repeat < 1 || c.Call.Repeat > 100 {
		add("call.repeat %d is out of range [1, 100]", c.Call.Repeat)
	}
	for _, d := range []struct {
		name string
		v    float64
	}{
		{"call.pre_delay", c.Call.PreDelay},
		{"call.post_delay", c.Call.PostDelay},
		{"call.inter_delay", c.Call.InterDelay},
		{"call.wait_for_silence", c.Call.WaitForSilence},
	} {
		if d.v < 0 || d.v > 30 {
			add("%s %.2f is out of range [0, 30]", d.name, d.v)
		}
	}

	if c.NAT.TURNEnabled && c.NAT.TURNServer == "" {
		add("nat.turn_enabled requires nat.turn_server to be set")
	}
	if !oneOf(c.NAT.TURNTransport, "udp", "tcp", "tls") {
		add("nat.turn_transport %q is invalid; valid values: udp, tcp, tls", c.NAT.TURNTransport)
	}
	if c.NAT.KeepaliveSec < 0 || c.NAT.KeepaliveSec > 600 {
		add("nat.keepalive_sec %d is out of range [0, 600]", c.NAT.KeepaliveSec)
	}

	if !logger.ValidLevel(c.Log.Level) {
		add("log.level %q is invalid; valid values: trace, debug, info, warn, error", c.Log.Level)
	}
	if c.Log.EngineLevel < 0 || c.Log.EngineLevel > 6 {
		add("log.engine_level %d is out of range [0, 6]", c.Log.EngineLevel)
	}

	if len(errs) == 0 {
		return nil
	}
	return &ConfigurationError{Problems: errs}
}
