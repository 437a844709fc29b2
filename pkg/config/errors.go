package config

import (
	"errors"
	"fmt"
)

var (
	// ErrConfigNotFound means no config file exists and no environment
	// profile was injected.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrMissingProfile means the requested (or default) profile has no
	// section in the config file.
	ErrMissingProfile = errors.New("profile not found")

	// ErrMissingConfigValue means a profile section exists but lacks a
	// required key.
	ErrMissingConfigValue = errors.New("missing config value")
)

// InvalidAPIConfigError reports a profile that cannot be used to reach
// the platform.
type InvalidAPIConfigError struct {
	Profile string
	Reason  string
}

func (e *InvalidAPIConfigError) Error() string {
	return fmt.Sprintf("invalid API config for profile %q: %s", e.Profile, e.Reason)
}
