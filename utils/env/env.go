// Package env reads typed configuration overrides from the process
// environment. Malformed values are fatal: a relay started with a broken
// override should refuse to come up rather than run on a silent default.
package env

import (
	"log"
	"os"
	"strconv"
)

var fatalf = log.Fatalf

// String returns the named variable, or fallback when it is unset.
func String(name, fallback string) string {
	if value, ok := os.LookupEnv(name); ok {
		return value
	}
	return fallback
}

// MustString returns the named variable and aborts when it is unset.
func MustString(name string) string {
	value, ok := os.LookupEnv(name)
	if !ok {
		fatalf("required environment variable %s is not set", name)
	}
	return value
}

// Int returns the named variable parsed as an int, or fallback when it is
// unset. A value that does not parse aborts.
func Int(name string, fallback int) int {
	value, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		fatalf("environment variable %s is not a valid int: %q", name, value)
	}
	return parsed
}

// Bool returns the named variable parsed as a bool, or fallback when it is
// unset. A value that does not parse aborts.
func Bool(name string, fallback bool) bool {
	value, ok := os.LookupEnv(name)
	if !ok {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		fatalf("environment variable %s is not a valid bool: %q", name, value)
	}
	return parsed
}

// IsSet reports whether the named variable is present, empty or not.
func IsSet(name string) bool {
	_, ok := os.LookupEnv(name)
	return ok
}
