package wavetable

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// Config maps assets to WAV file paths. Assets without an entry play silence.
type Config map[Asset]string

// LoadConfig reads a wave file configuration. Each non-blank line that does
// not start with '#' has the form KEY=path; whitespace around '=' is ignored.
func LoadConfig(filename string) (Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open wave file config: %w", err)
	}
	defer f.Close()

	return ParseConfig(f)
}

// ParseConfig parses wave file configuration lines from r.
func ParseConfig(r io.Reader) (Config, error) {
	cfg := make(Config)
	scanner := bufio.NewScanner(r)
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, path, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("line %d: expected KEY=path, got %q", lineNo, line)
		}

		asset, err := ParseAsset(key)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}

		path = strings.TrimSpace(path)
		if path == "" {
			return nil, fmt.Errorf("line %d: empty path for %s", lineNo, asset)
		}
		cfg[asset] = path
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read wave file config: %w", err)
	}
	return cfg, nil
}
