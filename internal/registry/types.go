package registry

import (
	"fmt"
	"path"
	"slices"
	"strings"
)

// ArchiveKind is the container wrapping the raw files of a dataset
type ArchiveKind string

const (
	// ArchiveNone means the fetched file is the raw data itself
	ArchiveNone ArchiveKind = "none"
	// ArchiveZip is a zip archive
	ArchiveZip ArchiveKind = "zip"
	// ArchiveTar is a tar archive, optionally gzip compressed (.tar.gz, .tgz)
	ArchiveTar ArchiveKind = "tar"
	// ArchiveGzip is a single gzip compressed file
	ArchiveGzip ArchiveKind = "gzip"
)

// Format is the raw record layout of a dataset file
type Format string

const (
	// FormatCSV is delimited text, comma separated unless a delimiter is declared
	FormatCSV Format = "csv"
	// FormatTSV is tab separated text
	FormatTSV Format = "tsv"
	// FormatWhitespace is text whose fields are separated by runs of blanks
	FormatWhitespace Format = "whitespace"
	// FormatFixedWidth is text whose fields sit at declared byte offsets
	FormatFixedWidth Format = "fixed-width"
	// FormatCustom is decoded by a handler registered for the dataset key
	FormatCustom Format = "custom"
)

// Encoding is the scheme used for categorical columns
type Encoding string

const (
	// EncodingOrdinal maps each category to its index in sorted order
	EncodingOrdinal Encoding = "ordinal"
	// EncodingOneHot expands a column into one indicator column per sorted category
	EncodingOneHot Encoding = "onehot"
)

// Descriptor describes where a dataset lives and how its raw files are laid out.
// Descriptors are immutable once a Registry has been built from them.
type Descriptor struct {
	// Key is the unique dataset identifier
	Key string `yaml:"key"`

	// Description is a short human readable summary
	Description string `yaml:"description,omitempty"`

	// URLs are mirrors tried in order (http, https, s3 or file schemes)
	URLs []string `yaml:"urls"`

	// Archive is the container kind of the fetched file
	Archive ArchiveKind `yaml:"archive,omitempty"`

	// Format is the layout of the data files
	Format Format `yaml:"format"`

	// SHA256 is the expected hex digest of the fetched file, if known
	SHA256 string `yaml:"sha256,omitempty"`

	// Size is the expected size in bytes of the fetched file, if known
	Size int64 `yaml:"size,omitempty"`

	// Header tells whether the first row holds column names. Defaults to true.
	Header *bool `yaml:"header,omitempty"`

	// Delimiter is the field separator for csv files. Defaults to ",".
	Delimiter string `yaml:"delimiter,omitempty"`

	// Columns names the fields of headerless files. When empty, positional
	// names x0, x1, ... are used.
	Columns []string `yaml:"columns,omitempty"`

	// Widths are the byte widths of fixed-width fields
	Widths []int `yaml:"widths,omitempty"`

	// Offsets are the starting byte offsets of fixed-width fields; the last field
	// runs to the end of the line. Mutually exclusive with Widths.
	Offsets []int `yaml:"offsets,omitempty"`

	// Members is a glob selecting the data files inside an archive
	Members string `yaml:"members,omitempty"`

	// Target is the column holding the regression target
	Target string `yaml:"target"`

	// Drop lists columns excluded from the features
	Drop []string `yaml:"drop,omitempty"`

	// Categorical lists columns encoded as categories instead of parsed as numbers
	Categorical []string `yaml:"categorical,omitempty"`

	// Encoding is the categorical scheme. Defaults to ordinal.
	Encoding Encoding `yaml:"encoding,omitempty"`

	// MissingTokens are extra values treated as absent
	MissingTokens []string `yaml:"missingTokens,omitempty"`

	// MaxSkipRatio overrides the configured malformed row threshold
	MaxSkipRatio *float64 `yaml:"maxSkipRatio,omitempty"`
}

// HasHeader reports whether the first row of each data file is a header
func (d *Descriptor) HasHeader() bool {
	return d.Header == nil || *d.Header
}

// Comma returns the field separator for delimited formats
func (d *Descriptor) Comma() rune {
	if d.Format == FormatTSV {
		return '\t'
	}
	if d.Delimiter == "" {
		return ','
	}
	if d.Delimiter == `\t` {
		return '\t'
	}
	return []rune(d.Delimiter)[0]
}

// ArchiveKind returns the archive kind, treating an empty value as none
func (d *Descriptor) ArchiveKind() ArchiveKind {
	if d.Archive == "" {
		return ArchiveNone
	}
	return d.Archive
}

// CategoricalEncoding returns the categorical scheme, treating an empty value as ordinal
func (d *Descriptor) CategoricalEncoding() Encoding {
	if d.Encoding == "" {
		return EncodingOrdinal
	}
	return d.Encoding
}

// SkipRatio returns the descriptor override when present, fallback otherwise
func (d *Descriptor) SkipRatio(fallback float64) float64 {
	if d.MaxSkipRatio != nil {
		return *d.MaxSkipRatio
	}
	return fallback
}

// FieldSpans returns [start, end) byte ranges of fixed-width fields. An end of -1
// means the field runs to the end of the line.
func (d *Descriptor) FieldSpans() [][2]int {
	switch {
	case len(d.Widths) > 0:
		spans := make([][2]int, len(d.Widths))
		start := 0
		for i, w := range d.Widths {
			spans[i] = [2]int{start, start + w}
			start += w
		}
		return spans
	case len(d.Offsets) > 0:
		spans := make([][2]int, len(d.Offsets))
		for i, off := range d.Offsets {
			end := -1
			if i+1 < len(d.Offsets) {
				end = d.Offsets[i+1]
			}
			spans[i] = [2]int{off, end}
		}
		return spans
	default:
		return nil
	}
}

// FileName returns the cache file name derived from the first mirror URL
func (d *Descriptor) FileName() string {
	if len(d.URLs) == 0 {
		return d.Key
	}
	u := d.URLs[0]
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	name := path.Base(u)
	if name == "." || name == "/" || name == "" {
		return d.Key
	}
	return name
}

// clone returns a deep copy so callers cannot mutate registry state
func (d Descriptor) clone() Descriptor {
	c := d
	c.URLs = slices.Clone(d.URLs)
	c.Columns = slices.Clone(d.Columns)
	c.Widths = slices.Clone(d.Widths)
	c.Offsets = slices.Clone(d.Offsets)
	c.Drop = slices.Clone(d.Drop)
	c.Categorical = slices.Clone(d.Categorical)
	c.MissingTokens = slices.Clone(d.MissingTokens)
	if d.Header != nil {
		h := *d.Header
		c.Header = &h
	}
	if d.MaxSkipRatio != nil {
		r := *d.MaxSkipRatio
		c.MaxSkipRatio = &r
	}
	return c
}

func (d *Descriptor) String() string {
	return fmt.Sprintf("%s (%s, archive=%s)", d.Key, d.Format, d.ArchiveKind())
}
