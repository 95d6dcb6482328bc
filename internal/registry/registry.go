package registry

import (
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/clover-project/clover-datasets/internal/failures"
)

//go:embed datasets.yaml
var defaultTable []byte

var keyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// File is the YAML document holding a dataset table
type File struct {
	Datasets []Descriptor `yaml:"datasets"`
}

// Registry is an immutable table of dataset descriptors keyed by dataset key.
// It is built once at startup and shared by reference; it is safe for concurrent use.
type Registry struct {
	byKey map[string]Descriptor
	keys  []string
}

// New validates the descriptors and freezes them into a Registry
func New(descriptors ...Descriptor) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Descriptor, len(descriptors))}
	for i := range descriptors {
		d := descriptors[i]
		if err := Validate(&d); err != nil {
			return nil, fmt.Errorf("dataset[%d] (%s): %w", i, d.Key, err)
		}
		d.SHA256 = strings.ToLower(d.SHA256)
		if _, dup := r.byKey[d.Key]; dup {
			return nil, fmt.Errorf("dataset[%d]: duplicate dataset key '%s'", i, d.Key)
		}
		r.byKey[d.Key] = d.clone()
		r.keys = append(r.keys, d.Key)
	}
	sort.Strings(r.keys)
	return r, nil
}

// Default returns the registry of built-in datasets
func Default() (*Registry, error) {
	descs, err := Parse(defaultTable)
	if err != nil {
		return nil, fmt.Errorf("failed to parse built-in dataset table: %w", err)
	}
	return New(descs...)
}

// Load returns the built-in registry extended with the datasets of extraPath.
// Entries in extraPath replace built-in entries with the same key. An empty
// extraPath yields the built-in registry.
func Load(extraPath string) (*Registry, error) {
	descs, err := Parse(defaultTable)
	if err != nil {
		return nil, fmt.Errorf("failed to parse built-in dataset table: %w", err)
	}
	if extraPath == "" {
		return New(descs...)
	}

	//nolint:gosec // path comes from user configuration
	data, err := os.ReadFile(filepath.Clean(extraPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset table %s: %w", extraPath, err)
	}
	extra, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse dataset table %s: %w", extraPath, err)
	}
	return New(merge(descs, extra)...)
}

// Parse decodes a YAML dataset table
func Parse(data []byte) ([]Descriptor, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}
	return f.Datasets, nil
}

// merge overlays extra onto base by key, keeping base order and appending new keys
func merge(base, extra []Descriptor) []Descriptor {
	out := slices.Clone(base)
	index := make(map[string]int, len(out))
	for i, d := range out {
		index[d.Key] = i
	}
	for _, d := range extra {
		if i, ok := index[d.Key]; ok {
			out[i] = d
			continue
		}
		index[d.Key] = len(out)
		out = append(out, d)
	}
	return out
}

// Lookup returns a copy of the descriptor registered under key
func (r *Registry) Lookup(key string) (Descriptor, error) {
	d, ok := r.byKey[key]
	if !ok {
		return Descriptor{}, failures.New(failures.ErrUnknownDataset, failures.StageRegistry, key, nil)
	}
	return d.clone(), nil
}

// Keys returns all dataset keys in sorted order
func (r *Registry) Keys() []string {
	return slices.Clone(r.keys)
}

// Len returns the number of datasets
func (r *Registry) Len() int {
	return len(r.keys)
}

// Resolve returns the descriptors for keys, or for every dataset when all is set.
// Every unknown key is reported in the returned error.
func (r *Registry) Resolve(keys []string, all bool) ([]Descriptor, error) {
	if all {
		keys = r.keys
	}
	out := make([]Descriptor, 0, len(keys))
	var unknown []error
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if seen[k] {
			continue
		}
		seen[k] = true
		d, err := r.Lookup(k)
		if err != nil {
			unknown = append(unknown, err)
			continue
		}
		out = append(out, d)
	}
	if len(unknown) > 0 {
		return out, errors.Join(unknown...)
	}
	return out, nil
}

// Validate checks a single descriptor
func Validate(d *Descriptor) error {
	if d.Key == "" {
		return fmt.Errorf("key is required")
	}
	if !keyPattern.MatchString(d.Key) {
		return fmt.Errorf("key must match %s", keyPattern)
	}
	if len(d.URLs) == 0 {
		return fmt.Errorf("at least one url is required")
	}
	for _, raw := range d.URLs {
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", raw, err)
		}
		switch u.Scheme {
		case "http", "https", "s3", "file":
		default:
			return fmt.Errorf("unsupported url scheme %q in %s", u.Scheme, raw)
		}
	}

	switch d.ArchiveKind() {
	case ArchiveNone, ArchiveZip, ArchiveTar, ArchiveGzip:
	default:
		return fmt.Errorf("unsupported archive kind %q", d.Archive)
	}

	switch d.Format {
	case FormatCSV, FormatTSV, FormatWhitespace, FormatCustom:
	case FormatFixedWidth:
		if len(d.Widths) == 0 && len(d.Offsets) == 0 {
			return fmt.Errorf("fixed-width format requires widths or offsets")
		}
		if len(d.Widths) > 0 && len(d.Offsets) > 0 {
			return fmt.Errorf("widths and offsets are mutually exclusive")
		}
		if err := validateSpans(d); err != nil {
			return err
		}
	case "":
		return fmt.Errorf("format is required")
	default:
		return fmt.Errorf("unsupported format %q", d.Format)
	}

	if d.Delimiter != "" && d.Delimiter != `\t` && len([]rune(d.Delimiter)) != 1 {
		return fmt.Errorf("delimiter must be a single character, got %q", d.Delimiter)
	}

	switch d.CategoricalEncoding() {
	case EncodingOrdinal, EncodingOneHot:
	default:
		return fmt.Errorf("unsupported categorical encoding %q", d.Encoding)
	}

	if d.Target == "" {
		return fmt.Errorf("target column is required")
	}

	if d.SHA256 != "" {
		b, err := hex.DecodeString(d.SHA256)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("sha256 must be 64 hex characters")
		}
	}
	if d.Size < 0 {
		return fmt.Errorf("size must not be negative")
	}
	if r := d.MaxSkipRatio; r != nil && (*r < 0 || *r > 1) {
		return fmt.Errorf("maxSkipRatio must be within [0, 1]")
	}
	return nil
}

func validateSpans(d *Descriptor) error {
	for i, w := range d.Widths {
		if w <= 0 {
			return fmt.Errorf("widths[%d] must be positive", i)
		}
	}
	for i, off := range d.Offsets {
		if off < 0 || (i > 0 && off <= d.Offsets[i-1]) {
			return fmt.Errorf("offsets must be non-negative and strictly increasing")
		}
	}
	n := len(d.Widths) + len(d.Offsets)
	if len(d.Columns) > 0 && len(d.Columns) != n {
		return fmt.Errorf("fixed-width layout declares %d fields but %d column names", n, len(d.Columns))
	}
	return nil
}
