package env

import (
	"os"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// Key names an environment variable that overrides one configuration field.
type Key string

func (k Key) String() string {
	return string(k)
}

// Lookup returns the raw value of the variable and whether it is present.
func (k Key) Lookup() (string, bool) {
	return os.LookupEnv(string(k))
}

// IsSet reports whether the variable is present.
func (k Key) IsSet() bool {
	_, ok := k.Lookup()
	return ok
}

// override replaces *dst with the parsed value of k. An unset variable leaves *dst alone; so does an unparsable
// one, which is logged. It reports whether *dst was replaced.
func override[T any](k Key, dst **T, parse func(string) (T, error), logger logr.Logger) bool {
	raw, ok := k.Lookup()
	if !ok {
		return false
	}
	v, err := parse(raw)
	if err != nil {
		logger.Info("Ignoring unparsable environment override", "key", k, "rawValue", raw, "error", err)
		return false
	}
	if *dst != nil {
		logger.Info("Environment overrides configured value", "key", k, "configured", **dst, "value", v)
	} else {
		logger.Info("Environment sets value", "key", k, "value", v)
	}
	*dst = &v
	return true
}

// Int overrides an optional integer field from k.
func Int(k Key, dst **int, logger logr.Logger) bool {
	return override(k, dst, strconv.Atoi, logger)
}

// Duration overrides an optional duration field from k. Values use time.ParseDuration syntax.
func Duration(k Key, dst **metav1.Duration, logger logr.Logger) bool {
	return override(k, dst, func(s string) (metav1.Duration, error) {
		d, err := time.ParseDuration(s)
		return metav1.Duration{Duration: d}, err
	}, logger)
}
