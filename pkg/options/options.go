// Package options defines the generic options interface shared by all
// configurable components.
package options

import (
	"strings"

	"github.com/spf13/pflag"
)

// Join concatenates prefixes with "." and appends a trailing "." when
// non-empty, producing flag names like "milvus.address" or
// "store.milvus.address".
func Join(prefixes ...string) string {
	joined := strings.Join(prefixes, ".")
	if joined != "" {
		joined += "."
	}
	return joined
}

// IOptions is implemented by every options struct.
type IOptions interface {
	// Validate validates the options and may complete defaults.
	Validate() []error

	// AddFlags registers the options' flags on the flagset.
	AddFlags(fs *pflag.FlagSet, prefixes ...string)
}
