package protocol

// Split breaks a line into whitespace separated words, appending them to
// dst. A word that starts with a single or double quote runs until the
// matching quote and may contain spaces; the quotes are dropped. An
// unterminated quote runs to the end of the line. '' and "" produce an
// empty word.
func Split(line string, dst []string) []string {
	i, n := 0, len(line)
	for {
		for i < n && isSpace(line[i]) {
			i++
		}
		if i >= n {
			return dst
		}

		if q := line[i]; q == '\'' || q == '"' {
			i++
			start := i
			for i < n && line[i] != q {
				i++
			}
			dst = append(dst, line[start:i])
			if i < n {
				i++
			}
			continue
		}

		start := i
		for i < n && !isSpace(line[i]) {
			i++
		}
		dst = append(dst, line[start:i])
	}
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
