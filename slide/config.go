package slide

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Config is a map of keyword to arbitrary data to specify configurations via keyword.
// Keys are case-insensitive.
type Config map[string]interface{}

// NewConfig returns an empty configuration.
func NewConfig() Config {
	return make(Config)
}

// Set stores a value under a case-insensitive key.
func (c Config) Set(key string, value interface{}) {
	c[strings.ToLower(key)] = value
}

// Get returns the raw value for the key.
func (c Config) Get(key string) (value interface{}, found bool) {
	value, found = c[strings.ToLower(key)]
	return
}

// GetString returns a string value.  An error is returned if the value is not a string.
func (c Config) GetString(key string) (s string, found bool, err error) {
	var v interface{}
	if v, found = c.Get(key); !found {
		return
	}
	var ok bool
	if s, ok = v.(string); !ok {
		err = fmt.Errorf("setting for %q was not a string: %v", key, v)
	}
	return
}

// GetBool returns a boolean value.  Strings like "true" or "1" are accepted.
func (c Config) GetBool(key string) (b bool, found bool, err error) {
	var v interface{}
	if v, found = c.Get(key); !found {
		return
	}
	switch t := v.(type) {
	case bool:
		b = t
	case string:
		if b, err = strconv.ParseBool(t); err != nil {
			err = fmt.Errorf("setting for %q was not a bool: %v", key, v)
		}
	default:
		err = fmt.Errorf("setting for %q was not a bool: %v", key, v)
	}
	return
}

// GetInt returns an integer value.  TOML integers decode as int64 and JSON
// numbers as float64, so both are accepted.
func (c Config) GetInt(key string) (i int, found bool, err error) {
	var v interface{}
	if v, found = c.Get(key); !found {
		return
	}
	switch t := v.(type) {
	case int:
		i = t
	case int64:
		i = int(t)
	case uint64:
		i = int(t)
	case float64:
		i = int(t)
	case string:
		if i, err = strconv.Atoi(t); err != nil {
			err = fmt.Errorf("setting for %q was not an int: %v", key, v)
		}
	default:
		err = fmt.Errorf("setting for %q was not an int: %v", key, v)
	}
	return
}

// GetDuration returns a duration given either as a Go duration string or as
// integer milliseconds.
func (c Config) GetDuration(key string) (d time.Duration, found bool, err error) {
	var v interface{}
	if v, found = c.Get(key); !found {
		return
	}
	if s, ok := v.(string); ok {
		d, err = time.ParseDuration(s)
		return
	}
	var ms int
	if ms, _, err = c.GetInt(key); err == nil {
		d = time.Duration(ms) * time.Millisecond
	}
	return
}

// StoreConfig is a store-specific configuration where each engine
// defines the types of parameters it accepts.
type StoreConfig struct {
	Config

	// Engine is a simple name describing the engine, e.g., "filestore"
	Engine string
}
