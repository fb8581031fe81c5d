// Package template renders panel-defined placeholders inside startup
// commands, install scripts, and unit config files.
//
// Two token families exist: %normalized_variable_name% for variables and
// %cargo:['target/path']% for shipped cargo. Anything that does not match
// a known token is left untouched.
package template

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/argon-foss/krypton/internal/store"
)

var cargoToken = regexp.MustCompile(`%cargo:\['([^']*)'\]%`)

// RuleViolationError reports a variable whose effective value failed its
// validation rules.
type RuleViolationError struct {
	Name  string
	Rules string
}

func (e *RuleViolationError) Error() string {
	return fmt.Sprintf("variable %q violates rules %q", e.Name, e.Rules)
}

// UnknownCargoError reports a cargo token that names no shipped cargo entry.
type UnknownCargoError struct {
	Path string
}

func (e *UnknownCargoError) Error() string {
	return fmt.Sprintf("unknown cargo reference %q", e.Path)
}

// Normalize converts a variable display name to its placeholder form:
// lowercased with spaces replaced by underscores.
func Normalize(name string) string {
	return strings.ToLower(strings.ReplaceAll(name, " ", "_"))
}

// EnvKey converts a variable display name to its environment variable
// form, the uppercased placeholder name.
func EnvKey(name string) string {
	return strings.ToUpper(Normalize(name))
}

// Validate checks a value against a pipe-separated rule string. Evaluation
// is a conjunction of known rejections: unknown tokens never reject, and an
// empty value is only special when a nullable token short-circuits it.
func Validate(value, rules string) bool {
	tokens := strings.Split(rules, "|")
	if value == "" {
		for _, tok := range tokens {
			if strings.TrimSpace(tok) == "nullable" {
				return true
			}
		}
	}
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if !strings.HasPrefix(tok, "max:") {
			continue
		}
		n, err := strconv.Atoi(tok[len("max:"):])
		if err != nil {
			continue
		}
		if len(value) > n {
			return false
		}
	}
	return true
}

// RenderVariables validates every variable and substitutes each
// %normalized_name% occurrence with the variable's effective value.
// Validation covers the whole set, referenced or not, so a bad variable
// fails the render before anything downstream runs.
func RenderVariables(input string, vars []store.Variable) (string, error) {
	for _, v := range vars {
		if !Validate(v.Value(), v.Rules) {
			return "", &RuleViolationError{Name: v.Name, Rules: v.Rules}
		}
	}
	out := input
	for _, v := range vars {
		out = strings.ReplaceAll(out, "%"+Normalize(v.Name)+"%", v.Value())
	}
	return out, nil
}

// RenderCargo substitutes each %cargo:['path']% token with the matching
// cargo entry's target path. A token naming no entry fails the render.
func RenderCargo(input string, cargo []store.CargoFile) (string, error) {
	known := make(map[string]struct{}, len(cargo))
	for _, c := range cargo {
		known[c.TargetPath] = struct{}{}
	}
	var missing *UnknownCargoError
	out := cargoToken.ReplaceAllStringFunc(input, func(tok string) string {
		path := cargoToken.FindStringSubmatch(tok)[1]
		if _, ok := known[path]; !ok {
			if missing == nil {
				missing = &UnknownCargoError{Path: path}
			}
			return tok
		}
		return path
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// Render applies the variable pass then the cargo pass.
func Render(input string, vars []store.Variable, cargo []store.CargoFile) (string, error) {
	out, err := RenderVariables(input, vars)
	if err != nil {
		return "", err
	}
	return RenderCargo(out, cargo)
}
