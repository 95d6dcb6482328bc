package decode

import (
	"context"
	"io"
	"strings"

	"github.com/clover-project/clover-datasets/internal/registry"
)

// customDecoder decodes a file whose layout none of the generic formats describe
type customDecoder func(ctx context.Context, r io.Reader, desc *registry.Descriptor) (*Table, error)

// customDecoders holds the handlers of datasets declared with the custom format,
// keyed by dataset key
var customDecoders = map[string]customDecoder{
	"autompg": decodeAutoMPG,
}

// decodeAutoMPG reads blank separated numbers followed by a double quoted car
// name that itself contains blanks
func decodeAutoMPG(ctx context.Context, r io.Reader, desc *registry.Descriptor) (*Table, error) {
	return readLines(ctx, r, desc, func(line string) []string {
		numeric, name, quoted := strings.Cut(line, `"`)
		fields := strings.Fields(numeric)
		if quoted {
			fields = append(fields, strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(name), `"`)))
		}
		return fields
	})
}
