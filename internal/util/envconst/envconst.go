// Package envconst reads tuning constants from the environment, falling
// back to a default. It exists so that operators can override internal
// knobs (batch sizes, floors, chunk sizes) without a config file change.
package envconst

import (
	"os"
	"strconv"
	"time"
)

func Int(varname string, def int) int {
	v, ok := os.LookupEnv(varname)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func Uint64(varname string, def uint64) uint64 {
	v, ok := os.LookupEnv(varname)
	if !ok {
		return def
	}
	i, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func Float64(varname string, def float64) float64 {
	v, ok := os.LookupEnv(varname)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func Duration(varname string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(varname)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func Bool(varname string, def bool) bool {
	v, ok := os.LookupEnv(varname)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
