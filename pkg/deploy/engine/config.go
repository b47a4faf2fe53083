package engine

import (
	"time"

	"github.com/pkg/errors"

	"github.com/mensylisir/fleetctl/pkg/deploy/state"
)

// ModuleConfig is the effective configuration for all deployments of one
// module: global defaults overlaid by engine defaults, overlaid by the
// module block.
type ModuleConfig map[string]state.Value

// Well-known module configuration keys.
const (
	ConfigAssumeRole   = "AssumeRole"
	ConfigRetry        = "Retry"
	ConfigMaxAttempts  = "MaxAttempts"
	ConfigRetryDelay   = "DelayBeforeRetrying"
	ConfigEndpointURLs = "EndpointUrls"
)

// AssumeRole returns the role ARN the module's subprocesses should run
// under, if one is configured.
func (c ModuleConfig) AssumeRole() (string, bool) {
	v, ok := c[ConfigAssumeRole]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok && s != ""
}

// RetryParams returns the module's retry policy: the maximum number of
// attempts (default 1) and the delay between attempts (default 0).
func (c ModuleConfig) RetryParams() (int, time.Duration) {
	maxAttempts, delay := 1, time.Duration(0)
	retry, ok := c[ConfigRetry].(map[string]state.Value)
	if !ok {
		return maxAttempts, delay
	}
	if n, ok := asInt(retry[ConfigMaxAttempts]); ok {
		maxAttempts = n
	}
	if n, ok := asInt(retry[ConfigRetryDelay]); ok {
		delay = time.Duration(n) * time.Second
	}
	return maxAttempts, delay
}

// EndpointURLs returns per-service endpoint overrides, if configured.
func (c ModuleConfig) EndpointURLs() map[string]string {
	raw, ok := c[ConfigEndpointURLs].(map[string]state.Value)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for service, v := range raw {
		if s, ok := v.(string); ok {
			out[service] = s
		}
	}
	return out
}

// asInt accepts the numeric shapes YAML and JSON decoding produce.
func asInt(v state.Value) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// ValidateBaseConfig checks the configuration keys shared by every engine.
// Engine implementations call it from ValidateModuleConfig before checking
// their own keys.
func ValidateBaseConfig(cfg ModuleConfig) error {
	if v, ok := cfg[ConfigAssumeRole]; ok && v != nil {
		if _, isString := v.(string); !isString {
			return errors.New("AssumeRole must be null or a string")
		}
	}
	if v, ok := cfg[ConfigRetry]; ok {
		retry, isMap := v.(map[string]state.Value)
		if !isMap {
			return errors.New("Retry must be a mapping")
		}
		if raw, ok := retry[ConfigMaxAttempts]; ok {
			n, isInt := asInt(raw)
			if !isInt {
				return errors.New("MaxAttempts must be an integer")
			}
			if n <= 0 {
				return errors.New("MaxAttempts must be larger than 0")
			}
		}
		if raw, ok := retry[ConfigRetryDelay]; ok {
			n, isInt := asInt(raw)
			if !isInt {
				return errors.New("DelayBeforeRetrying must be an integer")
			}
			if n < 0 {
				return errors.New("DelayBeforeRetrying must be larger than or equal to 0")
			}
		}
	}
	if v, ok := cfg[ConfigEndpointURLs]; ok {
		if _, isMap := v.(map[string]state.Value); !isMap {
			return errors.New("EndpointUrls must be a mapping")
		}
	}
	return nil
}
