package protocol

import "github.com/xtxerr/streamd/internal/storage/types"

// ParseFlags decodes the flags word of SET2 and RSET. Unknown letters are
// ignored so newer peers can add flags.
func ParseFlags(s string) types.Flags {
	var f types.Flags
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'E':
			f |= types.FlagEmpty
		case 'A':
			f |= types.FlagAnomalous
		case 'R':
			f |= types.FlagReset
		}
	}
	return f
}

// AppendFlags appends the quoted flags word. No flags renders as ''.
func AppendFlags(dst []byte, f types.Flags) []byte {
	dst = append(dst, '\'')
	dst = append(dst, f.String()...)
	return append(dst, '\'')
}
