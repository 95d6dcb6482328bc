package decode

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/clover-project/clover-datasets/internal/registry"
)

// ctxCheckInterval is how many rows are read between cancellation checks
const ctxCheckInterval = 1024

// maxLineSize bounds a single line of line oriented formats
const maxLineSize = 16 * 1024 * 1024

// builder accumulates rows of one file into a Table
type builder struct {
	declared []string
	header   bool
	table    *Table
	rows     int
}

func newBuilder(desc *registry.Descriptor) *builder {
	return &builder{
		declared: desc.Columns,
		header:   desc.HasHeader(),
		table:    &Table{},
	}
}

// add consumes one record. The first record is the header when the file has
// one; declared column names take precedence over it.
func (b *builder) add(ctx context.Context, fields []string) error {
	b.rows++
	if b.rows%ctxCheckInterval == 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
	}

	if b.table.Columns == nil {
		if b.header {
			b.header = false
			if len(b.declared) > 0 {
				b.table.Columns = b.declared
				return nil
			}
			return b.setColumns(fields)
		}
		if len(b.declared) > 0 {
			b.table.Columns = b.declared
		} else {
			b.table.Columns = positional(len(fields))
		}
	}

	b.table.Total++
	if len(fields) != len(b.table.Columns) {
		b.table.Skipped++
		return nil
	}
	b.table.Rows = append(b.table.Rows, fields)
	return nil
}

func (b *builder) setColumns(fields []string) error {
	cols := make([]string, len(fields))
	seen := make(map[string]bool, len(fields))
	for i, f := range fields {
		name := strings.Trim(f, `"' `)
		if name == "" {
			name = "x" + strconv.Itoa(i)
		}
		if seen[name] {
			return fmt.Errorf("duplicate column name %q in header", name)
		}
		seen[name] = true
		cols[i] = name
	}
	b.table.Columns = cols
	return nil
}

func (b *builder) result() (*Table, error) {
	if b.table.Columns == nil {
		return nil, errors.New("file holds no records")
	}
	return b.table, nil
}

// positional returns the column names x0..x(n-1)
func positional(n int) []string {
	cols := make([]string, n)
	for i := range cols {
		cols[i] = "x" + strconv.Itoa(i)
	}
	return cols
}

func trimAll(fields []string) []string {
	for i, f := range fields {
		fields[i] = strings.TrimSpace(f)
	}
	return fields
}

// readDelimited decodes csv and tsv data
func readDelimited(ctx context.Context, r io.Reader, desc *registry.Descriptor) (*Table, error) {
	cr := csv.NewReader(r)
	cr.Comma = desc.Comma()
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true
	cr.ReuseRecord = false

	b := newBuilder(desc)
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var parseErr *csv.ParseError
			if errors.As(err, &parseErr) && b.table.Columns != nil {
				b.table.Total++
				b.table.Skipped++
				continue
			}
			return nil, err
		}
		if isBlank(record) {
			continue
		}
		if err := b.add(ctx, trimAll(record)); err != nil {
			return nil, err
		}
	}
	return b.result()
}

// readLines decodes line oriented data, splitting each non-blank line with split
func readLines(
	ctx context.Context, r io.Reader, desc *registry.Descriptor, split func(line string) []string,
) (*Table, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	b := newBuilder(desc)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		if err := b.add(ctx, split(line)); err != nil {
			return nil, err
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return b.result()
}

// splitFixed slices a line at the given byte spans. A line ending before the
// start of the last field yields fewer fields, so the row counts as malformed.
func splitFixed(spans [][2]int) func(string) []string {
	return func(line string) []string {
		fields := make([]string, 0, len(spans))
		for _, sp := range spans {
			start, end := sp[0], sp[1]
			if start >= len(line) {
				break
			}
			if end < 0 || end > len(line) {
				end = len(line)
			}
			fields = append(fields, strings.TrimSpace(line[start:end]))
		}
		return fields
	}
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}
