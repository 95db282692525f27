package core

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel causes for generation configuration failures. They are wrapped
// inside a *ConfigError so callers can match either the cause or the type.
var (
	ErrInvalidDuration     = errors.New("duration is not in the allowed set for this level")
	ErrMissingPrerequisite = errors.New("level configured without its predecessor")
	ErrNonIncreasing       = errors.New("duration must be strictly greater than the previous level's")
)

// ConfigError reports an invalid or inconsistent generation-duration
// configuration. It is fatal only at startup: the driver refuses to enter
// Running with a bad configuration.
type ConfigError struct {
	Level    GenerationLevel
	Duration time.Duration
	Err      error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("generation config error at %s (duration %s): %s", e.Level, e.Duration, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var configError *ConfigError
	return errors.As(err, &configError)
}
