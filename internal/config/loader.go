package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// setting binds one flat key (as used by the flat YAML form and command-line
// overrides) to its section, its environment variable and a string parser.
type setting struct {
	key     string
	section string
	env     []string
	set     func(c *Config, v string) error
}

func str(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = strings.TrimSpace(v)
		return nil
	}
}

func lower(dst func(c *Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = strings.ToLower(strings.TrimSpace(v))
		return nil
	}
}

func integer(dst func(c *Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*dst(c) = n
		return nil
	}
}

func float(dst func(c *Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", v)
		}
		*dst(c) = f
		return nil
	}
}

func boolean(dst func(c *Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			*dst(c) = true
		case "0", "false", "no", "off", "":
			*dst(c) = false
		default:
			return fmt.Errorf("not a boolean: %q", v)
		}
		return nil
	}
}

// ParseList splits a comma-separated list, dropping empty entries.
func ParseList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

var settings = []setting{
	{"server", "sip", []string{"SIP_SERVER"}, str(func(c *Config) *string { return &c.SIP.Server })},
	{"port", "sip", []string{"SIP_PORT"}, integer(func(c *Config) *int { return &c.SIP.Port })},
	{"user", "sip", []string{"SIP_USER"}, str(func(c *Config) *string { return &c.SIP.User })},
	{"password", "sip", []string{"SIP_PASSWORD"}, func(c *Config, v string) error { c.SIP.Password = v; return nil }},
	{"transport", "sip", []string{"SIP_TRANSPORT"}, lower(func(c *Config) *string { return &c.SIP.Transport })},
	{"srtp", "sip", []string{"SIP_SRTP"}, lower(func(c *Config) *string { return &c.SIP.SRTP })},
	{"tls_verify_server", "sip", []string{"SIP_TLS_VERIFY_SERVER"}, boolean(func(c *Config) *bool { return &c.SIP.TLSVerifyServer })},
	{"local_port", "sip", []string{"SIP_LOCAL_PORT"}, integer(func(c *Config) *int { return &c.SIP.LocalPort })},

	{"timeout", "call", []string{"SIP_TIMEOUT"}, integer(func(c *Config) *int { return &c.Call.Timeout })},
	{"pre_delay", "call", []string{"SIP_PRE_DELAY"}, float(func(c *Config) *float64 { return &c.Call.PreDelay })},
	{"post_delay", "call", []string{"SIP_POST_DELAY"}, float(func(c *Config) *float64 { return &c.Call.PostDelay })},
	{"inter_delay", "call", []string{"SIP_INTER_DELAY"}, float(func(c *Config) *float64 { return &c.Call.InterDelay })},
	{"repeat", "call", []string{"SIP_REPEAT"}, integer(func(c *Config) *int { return &c.Call.Repeat })},
	{"wait_for_silence", "call", []string{"SIP_WAIT_FOR_SILENCE"}, float(func(c *Config) *float64 { return &c.Call.WaitForSilence })},

	{"stun_servers", "nat", []string{"SIP_STUN_SERVERS"}, func(c *Config, v string) error { c.NAT.STUNServers = ParseList(v); return nil }},
	{"stun_ignore_failure", "nat", []string{"SIP_STUN_IGNORE_FAILURE"}, boolean(func(c *Config) *bool { return &c.NAT.STUNIgnoreFailure })},
	{"ice_enabled", "nat", []string{"SIP_ICE_ENABLED"}, boolean(func(c *Config) *bool { return &c.NAT.ICEEnabled })},
	{"turn_enabled", "nat", []string{"SIP_TURN_ENABLED"}, boolean(func(c *Config) *bool { return &c.NAT.TURNEnabled })},
	{"turn_server", "nat", []string{"SIP_TURN_SERVER"}, str(func(c *Config) *string { return &c.NAT.TURNServer })},
	{"turn_username", "nat", []string{"SIP_TURN_USERNAME"}, str(func(c *Config) *string { return &c.NAT.TURNUsername })},
	{"turn_password", "nat", []string{"SIP_TURN_PASSWORD"}, func(c *Config, v string) error { c.NAT.TURNPassword = v; return nil }},
	{"turn_transport", "nat", []string{"SIP_TURN_TRANSPORT"}, lower(func(c *Config) *string { return &c.NAT.TURNTransport })},
	{"keepalive_sec", "nat", []string{"SIP_KEEPALIVE_SEC"}, integer(func(c *Config) *int { return &c.NAT.KeepaliveSec })},
	{"public_address", "nat", []string{"SIP_PUBLIC_ADDRESS"}, str(func(c *Config) *string { return &c.NAT.PublicAddress })},

	{"log_level", "log", []string{"SIP_LOG_LEVEL"}, lower(func(c *Config) *string { return &c.Log.Level })},
	{"engine_level", "log", []string{"SIP_ENGINE_LOG_LEVEL", "PJSIP_LOG_LEVEL"}, integer(func(c *Config) *int { return &c.Log.EngineLevel })},
}

func lookupSetting(key string) (setting, bool) {
	for _, s := range settings {
		if s.key == key {
			return s, true
		}
	}
	return setting{}, false
}

// Load builds a Config from defaults, the YAML file at path (skipped when
// empty), the process environment and overrides, then validates it.
func Load(path string, overrides map[string]string) (*Config, error) {
	return LoadWith(path, os.LookupEnv, overrides)
}

// LoadWith is Load with an explicit environment lookup.
func LoadWith(path string, lookupEnv func(string) (string, bool), overrides map[string]string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, &ConfigurationError{Problems: []error{fmt.Errorf("open %q: %w", path, err)}}
		}
		defer f.Close()
		if err := decodeInto(cfg, f); err != nil {
			return nil, &ConfigurationError{Problems: []error{fmt.Errorf("parse %q: %w", path, err)}}
		}
	}

	var problems []error
	if lookupEnv != nil {
		problems = append(problems, applyEnv(cfg, lookupEnv)...)
	}
	problems = append(problems, ApplyOverrides(cfg, overrides)...)
	if len(problems) > 0 {
		return nil, &ConfigurationError{Problems: problems}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r on top of the defaults and validates.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeInto(cfg, r); err != nil {
		return nil, &ConfigurationError{Problems: []error{err}}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookupEnv func(string) (string, bool)) []error {
	var errs []error
	for _, s := range settings {
		for _, name := range s.env {
			v, ok := lookupEnv(name)
			if !ok || v == "" {
				continue
			}
			if err := s.set(cfg, v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			break
		}
	}
	return errs
}

// ApplyOverrides sets flat keys (server, port, timeout, turn_server ...) on
// cfg. A non-empty turn_server also enables TURN.
func ApplyOverrides(cfg *Config, overrides map[string]string) []error {
	var errs []error
	for key, v := range overrides {
		s, ok := lookupSetting(key)
		if !ok {
			errs = append(errs, fmt.Errorf("unknown setting %q", key))
			continue
		}
		if err := s.set(cfg, v); err != nil {
			errs = append(errs, fmt.Errorf("--%s: %w", strings.ReplaceAll(key, "_", "-"), err))
		}
	}
	if v, ok := overrides["turn_server"]; ok && strings.TrimSpace(v) != "" {
		if _, explicit := overrides["turn_enabled"]; !explicit {
			cfg.NAT.TURNEnabled = true
		}
	}
	return errs
}

// decodeInto reads YAML into cfg. Unknown keys are rejected. A document
// without a sip section is treated as the flat form and regrouped first.
func decodeInto(cfg *Config, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("decode yaml: %w", err)
	}
	if len(root.Content) == 0 {
		return nil
	}
	doc := root.Content[0]
	if doc.Kind != yaml.MappingNode {
		return fmt.Errorf("decode yaml: top level must be a mapping")
	}
	if !hasKey(doc, "sip") {
		doc = nestFlat(doc)
		if data, err = yaml.Marshal(doc); err != nil {
			return fmt.Errorf("regroup flat yaml: %w", err)
		}
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

func hasKey(m *yaml.Node, key string) bool {
	for i := 0; i+1 < len(m.Content); i += 2 {
		if m.Content[i].Value == key {
			return true
		}
	}
	return false
}

func isSection(name string) bool {
	return oneOf(name, "sip", "call", "nat", "log")
}

// nestFlat moves flat keys into their sections. Keys that are neither a
// flat setting nor a section name stay at the top level so the strict
// decoder reports them.
func nestFlat(m *yaml.Node) *yaml.Node {
	out := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	sections := map[string]*yaml.Node{}
	var order []string

	for i := 0; i+1 < len(m.Content); i += 2 {
		k, v := m.Content[i], m.Content[i+1]
		s, ok := lookupSetting(k.Value)
		if !ok {
			if isSection(k.Value) && v.Kind == yaml.MappingNode {
				if sec, exists := sections[k.Value]; exists {
					sec.Content = append(sec.Content, v.Content...)
				} else {
					sections[k.Value] = v
					order = append(order, k.Value)
				}
				continue
			}
			out.Content = append(out.Content, k, v)
			continue
		}
		sec, exists := sections[s.section]
		if !exists {
			sec = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			sections[s.section] = sec
			order = append(order, s.section)
		}
		field := k.Value
		if s.section == "log" && field == "log_level" {
			field = "level"
		}
		sec.Content = append(sec.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: field}, v)
	}

	for _, name := range order {
		out.Content = append(out.Content, &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: name}, sections[name])
	}
	return out
}
