package bundle

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
)

// Load reads a stack bundle from a .json or .json.gz file, validates it, and
// records a content checksum of the decompressed payload.
func Load(path string) (*Stack, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("bundle: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("bundle: %s: %w", path, err)
		}
		defer gz.Close()
		r = gz
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("bundle: %s: %w", path, err)
	}

	var s Stack
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("bundle: %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	s.Checksum = xxhash.Sum64(raw)
	return &s, nil
}

// Save writes the stack to a .json or .json.gz file.
func Save(s *Stack, path string) error {
	if err := s.Validate(); err != nil {
		return err
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("bundle: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("bundle: %w", err)
	}
	defer f.Close()

	var w io.Writer = f
	var gz *gzip.Writer
	if strings.HasSuffix(path, ".gz") {
		gz = gzip.NewWriter(f)
		w = gz
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("bundle: %s: %w", path, err)
	}
	if gz != nil {
		if err := gz.Close(); err != nil {
			return fmt.Errorf("bundle: %s: %w", path, err)
		}
	}
	return f.Close()
}
