// Package config loads the driver's configuration from a YAML document via
// sigs.k8s.io/yaml, the teacher's own config-marshaling library, rather
// than the XML configuration format this module's spec explicitly excludes
// (see SPEC_FULL.md §1).
package config

import (
	"fmt"
	"os"
	"time"

	"sigs.k8s.io/yaml"
)

// Config is the top-level document a cachewire client loads at startup.
type Config struct {
	// ClientName and ClientVersion are sent to the cluster during the
	// control handshake.
	ClientName    string `json:"clientName"`
	ClientVersion string `json:"clientVersion"`

	// Addresses lists the cluster endpoints to dial, in preference order.
	Addresses []string `json:"addresses"`

	// CompressFrames requests LZ4 frame compression; the accepting side
	// grants whatever the client requests.
	CompressFrames bool `json:"compressFrames"`

	// SharedSecret, if set, is presented as the OpenConnection credential.
	// Stored and transmitted in cleartext in this config file; it is the
	// accepting side's stored bcrypt hash (see connection.HashCredential)
	// that actually gates admission, never a plaintext comparison.
	SharedSecret string `json:"sharedSecret"`

	Timeouts  TimeoutConfig  `json:"timeouts"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`

	// ProtocolSupportedVersion and ProtocolCurrentVersion bound the
	// version range this client will negotiate for its primary
	// application protocol (distinct from the always-fixed control
	// protocol handshake version).
	ProtocolSupportedVersion int32 `json:"protocolSupportedVersion"`
	ProtocolCurrentVersion   int32 `json:"protocolCurrentVersion"`
}

// TimeoutConfig holds the connection-level default request timeout and how
// often the deadline-ordered request index is scanned.
type TimeoutConfig struct {
	DefaultRequest Duration `json:"defaultRequest"`
	ScanInterval   Duration `json:"scanInterval"`
}

// HeartbeatConfig holds the heartbeat interval/timeout pair; a zero
// Interval disables heartbeating.
type HeartbeatConfig struct {
	Interval Duration `json:"interval"`
	Timeout  Duration `json:"timeout"`
}

// Duration is a time.Duration that unmarshals from YAML's natural string
// form ("30s", "5m") rather than a raw integer count of nanoseconds.
type Duration time.Duration

func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := yaml.Unmarshal(b, &s); err == nil && s != "" {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := yaml.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("config: duration must be a string or integer nanosecond count: %w", err)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return yaml.Marshal(time.Duration(d).String())
}

// Default returns a Config with the same defaults peer.DefaultConfig uses,
// and no addresses: callers must still supply at least one.
func Default() Config {
	return Config{
		ClientName:               "cachewire-client",
		ClientVersion:            "0.1.0",
		CompressFrames:           true,
		ProtocolSupportedVersion: 1,
		ProtocolCurrentVersion:   1,
		Timeouts: TimeoutConfig{
			DefaultRequest: Duration(30 * time.Second),
			ScanInterval:   Duration(time.Second),
		},
		Heartbeat: HeartbeatConfig{
			Interval: Duration(15 * time.Second),
			Timeout:  Duration(10 * time.Second),
		},
	}
}

// Load reads and parses the YAML document at path, starting from Default()
// so a document may specify only the fields it wants to override.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if len(cfg.Addresses) == 0 {
		return Config{}, fmt.Errorf("config: %s: at least one address is required", path)
	}
	return cfg, nil
}
