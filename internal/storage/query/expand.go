package query

import "strings"

const archivePlaceholder = "{archive}"

// expandArchive replaces {archive} with a read_parquet call on pattern.
func expandArchive(query, pattern string) string {
	if !strings.Contains(query, archivePlaceholder) {
		return query
	}
	quoted := "'" + strings.ReplaceAll(pattern, "'", "''") + "'"
	return strings.ReplaceAll(query, archivePlaceholder, "read_parquet("+quoted+")")
}
