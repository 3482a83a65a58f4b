package config

import (
	"os"
	"path/filepath"
	"regexp"

	"github.com/joho/godotenv"
)

// Only the braced form is expanded: awk and sed scripts use bare $ freely
// and the write placeholder $value$ must survive untouched.
var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references with values from the environment.
// Unset variables are left as written.
func ExpandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(ref []byte) []byte {
		name := envRef.FindSubmatch(ref)[1]
		if val, ok := os.LookupEnv(string(name)); ok {
			return []byte(val)
		}
		return ref
	})
}

// LoadEnv loads .env files into the process environment without overriding
// variables that are already set. Explicit paths are loaded first and must
// exist, then a .env next to the config file, then one in the working
// directory. Returns the files that were loaded.
func LoadEnv(configPath string, explicit ...string) ([]string, error) {
	for _, path := range explicit {
		if _, err := os.Stat(path); err != nil {
			return nil, err
		}
	}
	candidates := append([]string{}, explicit...)
	if configPath != "" {
		candidates = append(candidates, filepath.Join(filepath.Dir(configPath), ".env"))
	}
	candidates = append(candidates, ".env")

	var loaded []string
	seen := make(map[string]bool)
	for _, path := range candidates {
		abs, err := filepath.Abs(path)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return loaded, err
		}
		loaded = append(loaded, path)
	}
	return loaded, nil
}
