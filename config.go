package dualstream

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/invopop/jsonschema"
	"github.com/joeshaw/envdecode"

	"github.com/ggoodman/dualstream/internal/handover"
)

const (
	DefaultResponseBufferSizeInMB = 50
	DefaultReconnectAttemptLimit  = 3

	// bytesPerMB and bytesPerChar convert the buffer size into the
	// character count reported by responseLength notifications.
	bytesPerMB   = 1024 * 1024
	bytesPerChar = 2
)

// ReconnectTrigger selects which conditions make the receiver replace its
// primary connection.
type ReconnectTrigger struct {
	// Failure reconnects after an error disconnect or a failed dial.
	// ENV: DUALSTREAM_RECONNECT_ON_FAILURE
	Failure bool `json:"failure" env:"DUALSTREAM_RECONNECT_ON_FAILURE,default=true" jsonschema:"default=true,description=Reconnect after an error disconnect or a failed connect"`
	// Timeout retries dials that failed with a request timeout.
	// ENV: DUALSTREAM_RECONNECT_ON_TIMEOUT
	Timeout bool `json:"timeout" env:"DUALSTREAM_RECONNECT_ON_TIMEOUT,default=true" jsonschema:"default=true,description=Retry connects that timed out"`
	// DisconnectByServer reconnects after the server closed the stream
	// cleanly. ENV: DUALSTREAM_RECONNECT_ON_SERVER_DISCONNECT
	DisconnectByServer bool `json:"disconnectByServer" env:"DUALSTREAM_RECONNECT_ON_SERVER_DISCONNECT,default=true" jsonschema:"default=true,description=Reconnect after a clean server disconnect"`
	// ResponseBufferSizeInMB is the response size after which the primary
	// is replaced proactively. ENV: DUALSTREAM_RESPONSE_BUFFER_SIZE_MB
	ResponseBufferSizeInMB float64 `json:"responseBufferSizeInMB" env:"DUALSTREAM_RESPONSE_BUFFER_SIZE_MB,default=50" jsonschema:"default=50,exclusiveMinimum=0,description=Response size in megabytes that triggers a handover"`

	// ResponseLength is ResponseBufferSizeInMB in characters. Set by
	// Normalize.
	ResponseLength int64 `json:"-"`
}

// Config is the receiver configuration. The zero value is not useful; start
// from DefaultConfig, ParseConfig or ConfigFromEnv.
type Config struct {
	ReconnectTrigger ReconnectTrigger `json:"reconnectTrigger"`
	// ReconnectAttemptLimit bounds consecutive connect attempts.
	// ENV: DUALSTREAM_RECONNECT_ATTEMPT_LIMIT
	ReconnectAttemptLimit int `json:"reconnectAttemptLimit" env:"DUALSTREAM_RECONNECT_ATTEMPT_LIMIT,default=3" jsonschema:"default=3,minimum=1,description=Maximum consecutive connect attempts"`
	// ReconnectWithHandover makes overflow and manual reconnects wait for a
	// data boundary on the old connection. ENV: DUALSTREAM_RECONNECT_WITH_HANDOVER
	ReconnectWithHandover bool `json:"reconnectWithHandover" env:"DUALSTREAM_RECONNECT_WITH_HANDOVER,default=true" jsonschema:"default=true,description=Align overflow and manual reconnects on a data boundary"`
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("dualstream: invalid config")

// DefaultConfig returns the normalized default configuration.
func DefaultConfig() Config {
	cfg := Config{
		ReconnectTrigger: ReconnectTrigger{
			Failure:                true,
			Timeout:                true,
			DisconnectByServer:     true,
			ResponseBufferSizeInMB: DefaultResponseBufferSizeInMB,
		},
		ReconnectAttemptLimit: DefaultReconnectAttemptLimit,
		ReconnectWithHandover: true,
	}
	cfg.Normalize()
	return cfg
}

// Normalize replaces non-positive numbers with their defaults and derives
// ReconnectTrigger.ResponseLength.
func (c *Config) Normalize() {
	if c.ReconnectTrigger.ResponseBufferSizeInMB <= 0 {
		c.ReconnectTrigger.ResponseBufferSizeInMB = DefaultResponseBufferSizeInMB
	}
	if c.ReconnectAttemptLimit <= 0 {
		c.ReconnectAttemptLimit = DefaultReconnectAttemptLimit
	}
	c.ReconnectTrigger.ResponseLength = int64(c.ReconnectTrigger.ResponseBufferSizeInMB * bytesPerMB / bytesPerChar)
}

// Validate reports configuration that Normalize cannot repair. It can also
// be called on a Config that was never normalized, in which case missing or
// non-positive numbers are reported instead of defaulted.
func (c Config) Validate() error {
	mb := c.ReconnectTrigger.ResponseBufferSizeInMB
	if math.IsNaN(mb) || math.IsInf(mb, 0) {
		return fmt.Errorf("%w: responseBufferSizeInMB must be finite", ErrInvalidConfig)
	}
	if mb <= 0 {
		return fmt.Errorf("%w: responseBufferSizeInMB must be positive", ErrInvalidConfig)
	}
	if c.ReconnectAttemptLimit < 1 {
		return fmt.Errorf("%w: reconnectAttemptLimit must be at least 1", ErrInvalidConfig)
	}
	if c.ReconnectTrigger.ResponseLength < 1 {
		return fmt.Errorf("%w: responseBufferSizeInMB is below one character", ErrInvalidConfig)
	}
	return nil
}

// ParseConfig decodes JSON on top of DefaultConfig, so absent fields keep
// their defaults, and normalizes the result.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFromEnv builds a Config from DUALSTREAM_* environment variables.
// Unset variables take their defaults.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode config from env: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigSchema returns the JSON schema accepted by ParseConfig.
func ConfigSchema() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(new(Config))
}

func (c Config) policy() handover.Policy {
	return handover.Policy{
		Triggers: handover.Triggers{
			Failure:            c.ReconnectTrigger.Failure,
			Timeout:            c.ReconnectTrigger.Timeout,
			DisconnectByServer: c.ReconnectTrigger.DisconnectByServer,
			ResponseLength:     c.ReconnectTrigger.ResponseLength,
		},
		AttemptLimit: c.ReconnectAttemptLimit,
		WithHandover: c.ReconnectWithHandover,
	}
}
