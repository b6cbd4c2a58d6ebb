package protocol

import (
	"fmt"
	"strings"

	"github.com/xtxerr/streamd/internal/errors"
)

// Capabilities is the feature set a peer declares when a stream opens.
// The effective set of a link is the intersection of both sides.
type Capabilities uint32

const (
	CapV1 Capabilities = 1 << iota
	CapV2
	CapSlots
	CapIEEE754
	CapReplication
	CapMLModels
	CapLZ4
	CapZSTD
)

var capNames = []struct {
	cap  Capabilities
	name string
}{
	{CapV1, "v1"},
	{CapV2, "v2"},
	{CapSlots, "slots"},
	{CapIEEE754, "ieee754"},
	{CapReplication, "replication"},
	{CapMLModels, "ml_models"},
	{CapLZ4, "lz4"},
	{CapZSTD, "zstd"},
}

// ParseCapabilities parses capability names such as "v2" or "ieee754".
func ParseCapabilities(names []string) (Capabilities, error) {
	var c Capabilities
	for _, n := range names {
		found := false
		for _, cn := range capNames {
			if strings.EqualFold(n, cn.name) {
				c |= cn.cap
				found = true
				break
			}
		}
		if !found {
			return 0, fmt.Errorf("%w: unknown capability %q", errors.ErrInvalidConfig, n)
		}
	}
	return c, nil
}

// Has reports whether every bit of o is set.
func (c Capabilities) Has(o Capabilities) bool {
	return c&o == o
}

// Intersect returns the capabilities both sides share.
func (c Capabilities) Intersect(o Capabilities) Capabilities {
	return c & o
}

// Names returns the capability names in a fixed order.
func (c Capabilities) Names() []string {
	var out []string
	for _, cn := range capNames {
		if c.Has(cn.cap) {
			out = append(out, cn.name)
		}
	}
	return out
}

func (c Capabilities) String() string {
	return strings.Join(c.Names(), " ")
}

// IntegerEncoding is the integer encoding to use toward a peer with c.
func (c Capabilities) IntegerEncoding() Encoding {
	switch {
	case c.Has(CapIEEE754):
		return EncodingBase64
	case c.Has(CapV2):
		return EncodingHex
	default:
		return EncodingDecimal
	}
}

// DoubleEncoding is the double encoding to use toward a peer with c.
func (c Capabilities) DoubleEncoding() Encoding {
	if c.Has(CapIEEE754) {
		return EncodingBase64
	}
	return EncodingDecimal
}

// CanCopy reports whether number tokens received from a peer with c can
// be forwarded verbatim to a peer with upstream.
func (c Capabilities) CanCopy(upstream Capabilities) bool {
	return c&CapIEEE754 == upstream&CapIEEE754
}
