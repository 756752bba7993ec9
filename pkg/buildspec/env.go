package buildspec

import (
	"fmt"
	"sort"
	"strings"
)

// References returns the variable names referenced by s, in order of first
// appearance.
func References(s string) ([]string, error) {
	var names []string
	seen := map[string]bool{}
	_, err := expand(s, func(name string) (string, bool) {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
		return "", true
	})
	return names, err
}

// Expand substitutes $NAME and ${NAME} from env. $$ yields a literal dollar.
// Every referenced name must be present in env.
func Expand(s string, env map[string]string) (string, error) {
	var missing []string
	out, err := expand(s, func(name string) (string, bool) {
		v, ok := env[name]
		if !ok {
			missing = append(missing, name)
		}
		return v, ok
	})
	if err != nil {
		return "", err
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("unresolved environment reference %q", missing[0])
	}
	return out, nil
}

func expand(s string, lookup func(string) (string, bool)) (string, error) {
	if !strings.Contains(s, "$") {
		return s, nil
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '$' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		next := s[i+1]
		switch {
		case next == '$':
			b.WriteByte('$')
			i++
		case next == '{':
			end := strings.IndexByte(s[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("unterminated ${ in %q", s)
			}
			name := s[i+2 : i+2+end]
			if !validName(name) {
				return "", fmt.Errorf("invalid variable name %q", name)
			}
			v, _ := lookup(name)
			b.WriteString(v)
			i += 2 + end
		case isNameStart(next):
			j := i + 1
			for j < len(s) && isNameChar(s[j]) {
				j++
			}
			v, _ := lookup(s[i+1 : j])
			b.WriteString(v)
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// resolveClosure expands a mapping whose values may reference each other.
// A variable referencing itself reads the inherited value from base, the way
// PATH=$PATH:/extra does in a shell.
func resolveClosure(vars, base map[string]string) (map[string]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(vars))
	resolved := make(map[string]string, len(vars))

	var visit func(name string, path []string) error
	visit = func(name string, path []string) error {
		switch state[name] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("cyclic environment reference: %s", strings.Join(append(path, name), " -> "))
		}
		state[name] = visiting
		path = append(path, name)

		refs, err := References(vars[name])
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		scope := make(map[string]string, len(refs))
		for _, ref := range refs {
			if _, own := vars[ref]; own && ref != name {
				if err := visit(ref, path); err != nil {
					return err
				}
				scope[ref] = resolved[ref]
				continue
			}
			if v, ok := base[ref]; ok {
				scope[ref] = v
				continue
			}
			return fmt.Errorf("unresolved environment reference %q in %s", ref, name)
		}
		value, err := Expand(vars[name], scope)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		resolved[name] = value
		state[name] = done
		return nil
	}

	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if !validName(name) {
			return nil, fmt.Errorf("invalid variable name %q", name)
		}
		if err := visit(name, nil); err != nil {
			return nil, err
		}
	}
	return resolved, nil
}

func validName(name string) bool {
	if name == "" || !isNameStart(name[0]) {
		return false
	}
	for i := 1; i < len(name); i++ {
		if !isNameChar(name[i]) {
			return false
		}
	}
	return true
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}

func copyEnv(env map[string]string) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}
