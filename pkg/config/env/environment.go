package env

import (
	"os"
	"strconv"
	"strings"
)

// Environment implements config.Environment over the process environment.
// Keys are looked up with the prefix prepended, so GetInt("OPEN_MAX") on
// an Environment with prefix "KESTREL_" reads KESTREL_OPEN_MAX.
type Environment struct {
	prefix string
	lookup func(string) (string, bool)
}

// New creates an environment accessor without a prefix
func New() *Environment {
	return WithPrefix("")
}

// WithPrefix creates an environment accessor whose keys carry prefix
func WithPrefix(prefix string) *Environment {
	return &Environment{prefix: prefix, lookup: os.LookupEnv}
}

// FromMap creates an environment accessor over a fixed set of variables
func FromMap(prefix string, vars map[string]string) *Environment {
	return &Environment{
		prefix: prefix,
		lookup: func(key string) (string, bool) {
			v, ok := vars[key]
			return v, ok
		},
	}
}

func (e *Environment) get(key string) string {
	v, _ := e.lookup(e.prefix + key)
	return strings.TrimSpace(v)
}

// GetString returns an environment variable as a string
func (e *Environment) GetString(key string) string {
	return e.get(key)
}

// GetInt returns an environment variable as an integer
func (e *Environment) GetInt(key string) int {
	return e.GetIntWithDefault(key, 0)
}

// GetBool returns an environment variable as a boolean
func (e *Environment) GetBool(key string) bool {
	return e.GetBoolWithDefault(key, false)
}

// GetStringWithDefault returns an environment variable as a string with a default value
func (e *Environment) GetStringWithDefault(key string, defaultValue string) string {
	if val := e.get(key); val != "" {
		return val
	}
	return defaultValue
}

// GetIntWithDefault returns an environment variable as an integer with a default value
func (e *Environment) GetIntWithDefault(key string, defaultValue int) int {
	str := e.get(key)
	if str == "" {
		return defaultValue
	}

	val, err := strconv.Atoi(str)
	if err != nil {
		return defaultValue
	}
	return val
}

// GetBoolWithDefault returns an environment variable as a boolean with a default value
func (e *Environment) GetBoolWithDefault(key string, defaultValue bool) bool {
	str := e.get(key)
	if str == "" {
		return defaultValue
	}

	val, err := strconv.ParseBool(str)
	if err != nil {
		return defaultValue
	}
	return val
}

// Has returns true if an environment variable is set
func (e *Environment) Has(key string) bool {
	_, exists := e.lookup(e.prefix + key)
	return exists
}
