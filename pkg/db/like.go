package db

import "strings"

// LikeEscape is the ESCAPE clause matching patterns built by ContainsPattern.
const LikeEscape = `ESCAPE '\'`

var likeReplacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// ContainsPattern builds a LIKE pattern that matches s literally anywhere in a column.
// Use it together with LikeEscape.
func ContainsPattern(s string) string {
	return "%" + likeReplacer.Replace(s) + "%"
}
