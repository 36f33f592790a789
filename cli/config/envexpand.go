// Package config handles kiln.yaml loading for kiln compile.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
)

// envRef matches ${NAME}, ${NAME:-fallback} and ${NAME:?message}.
// A bare $NAME is left alone so shell snippets in repair.command survive.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?:(:[-?])([^}]*))?\}`)

// ExpandEnv substitutes environment references in a config document.
//
// ${NAME} becomes the value of NAME, or "" when unset. ${NAME:-fallback}
// uses fallback when NAME is unset or empty. ${NAME:?message} fails the
// load with message when NAME is unset or empty; use it for secrets such
// as webhook tokens.
func ExpandEnv(input string) (string, error) {
	var errs []error
	out := envRef.ReplaceAllStringFunc(input, func(ref string) string {
		m := envRef.FindStringSubmatch(ref)
		name, op, arg := m[1], m[2], m[3]
		if v := os.Getenv(name); v != "" {
			return v
		}
		switch op {
		case ":-":
			return arg
		case ":?":
			if arg == "" {
				arg = "required but not set"
			}
			errs = append(errs, fmt.Errorf("${%s}: %s", name, arg))
		}
		return ""
	})
	return out, errors.Join(errs...)
}
