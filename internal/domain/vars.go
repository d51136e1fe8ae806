package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// variablePattern matches ${NAME} references in strings. Only the
// braced form is recognized; bare $NAME is left for shell
// interpretation.
var variablePattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandVars replaces ${NAME} references in input with values from the
// vars map. Returns an error listing all referenced variables that
// have no value, so workflow files fail fast on typos rather than
// producing broken commands.
func ExpandVars(input string, vars map[string]string) (string, error) {
	var unresolved []string

	result := variablePattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-1]
		if value, exists := vars[name]; exists {
			return value
		}
		unresolved = append(unresolved, name)
		return match
	})

	if len(unresolved) > 0 {
		return "", fmt.Errorf("unresolved variables: %s", strings.Join(unresolved, ", "))
	}

	return result, nil
}

// ExpandStep returns a copy of step with Run, With values, and Env
// values expanded. Step env values are expanded first against the
// instance variables only, then merged on top of them for the
// remaining fields, so a run command can reference its own env
// entries with ${NAME}. Neither the step nor the vars map is
// modified.
func ExpandStep(step Step, vars map[string]string) (Step, error) {
	var expandedEnv map[string]string
	if len(step.Env) > 0 {
		expandedEnv = make(map[string]string, len(step.Env))
		for name, value := range step.Env {
			expanded, err := ExpandVars(value, vars)
			if err != nil {
				return Step{}, fmt.Errorf("step %q env[%s]: %w", step.Name, name, err)
			}
			expandedEnv[name] = expanded
		}
	}

	merged := MergeEnv(vars, expandedEnv)

	var err error
	if step.Run, err = ExpandVars(step.Run, merged); err != nil {
		return Step{}, fmt.Errorf("step %q run: %w", step.Name, err)
	}

	if len(step.With) > 0 {
		expandedWith := make(map[string]string, len(step.With))
		for name, value := range step.With {
			expanded, withErr := ExpandVars(value, merged)
			if withErr != nil {
				return Step{}, fmt.Errorf("step %q with[%s]: %w", step.Name, name, withErr)
			}
			expandedWith[name] = expanded
		}
		step.With = expandedWith
	}

	step.Env = expandedEnv
	return step, nil
}

// MatrixVars derives the axis variables of an instance: each axis
// contributes MATRIX_<NAME> with the name uppercased and dashes
// mapped to underscores.
func MatrixVars(in Instance) map[string]string {
	out := make(map[string]string, len(in.Combo))
	for _, sel := range in.Combo {
		out["MATRIX_"+EnvVarName(sel.Axis)] = sel.Value
	}
	return out
}

// EnvVarName converts an identifier to environment variable form:
// uppercase, with every byte outside [A-Z0-9_] replaced by an
// underscore.
func EnvVarName(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToUpper(s) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// MergeEnv overlays maps left to right, later maps winning. Returns
// nil when every input is empty.
func MergeEnv(maps ...map[string]string) map[string]string {
	size := 0
	for _, m := range maps {
		size += len(m)
	}
	if size == 0 {
		return nil
	}
	out := make(map[string]string, size)
	for _, m := range maps {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}
