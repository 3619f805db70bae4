package supervisor

import (
	"os"
	"sort"
	"strings"
)

// childEnv builds the complete environment for the application child. The
// parent's environment is read once and never mutated; the virtualenv and
// display settings are layered on top, then the configured env map.
func (s *Supervisor) childEnv(appDir string) []string {
	env := os.Environ()

	venv := s.cfg.VenvPath(appDir)
	venvBin := venv + "/bin"

	env = setEnv(env, "VIRTUAL_ENV", venv)
	env = setEnv(env, "PATH", venvBin+":"+lookupEnv(env, "PATH"))
	// PYTHONHOME would override the virtualenv's interpreter paths.
	env = unsetEnv(env, "PYTHONHOME")

	env = setEnv(env, "DISPLAY", s.cfg.Display.Name)
	if xauth := s.cfg.XauthorityPath(); xauth != "" {
		env = setEnv(env, "XAUTHORITY", xauth)
	}

	// Configured entries win over everything inherited. Sorted for
	// deterministic ordering.
	keys := make([]string, 0, len(s.cfg.Env))
	for k := range s.cfg.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = setEnv(env, k, s.cfg.Env[k])
	}

	return env
}

// setEnv returns env with key set to value, replacing an existing entry.
func setEnv(env []string, key, value string) []string {
	prefix := key + "="
	for i, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}

// unsetEnv returns env without any entry for key.
func unsetEnv(env []string, key string) []string {
	prefix := key + "="
	out := env[:0]
	for _, kv := range env {
		if !strings.HasPrefix(kv, prefix) {
			out = append(out, kv)
		}
	}
	return out
}

// lookupEnv returns the value of key in env, or empty.
func lookupEnv(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):]
		}
	}
	return ""
}
