package pgbackend

import (
	"fmt"
	"strings"

	"github.com/ent0n29/lobbykit/internal/backend"
)

// searchSQL translates q into a query returning matching session ids in
// creation order. Comparators with an exact SQL equivalent are pushed down;
// ordered and distance params are left to backend.Match, in which case exact
// is false and the caller must filter and limit the rows itself.
func searchSQL(q backend.Query, maxResults int) (sql string, args []any, exact bool) {
	var b strings.Builder
	b.WriteString(`SELECT s.id FROM lobby_sessions s WHERE TRUE`)
	exact = true

	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	attr := func(negate bool, cond string) {
		if negate {
			b.WriteString(` AND NOT EXISTS`)
		} else {
			b.WriteString(` AND EXISTS`)
		}
		b.WriteString(` (SELECT 1 FROM lobby_session_attributes a WHERE a.session_id = s.id AND `)
		b.WriteString(cond)
		b.WriteString(`)`)
	}

	if !q.IncludePrivate {
		b.WriteString(` AND s.public`)
	}
	if q.BucketID != "" {
		b.WriteString(` AND s.bucket_id = ` + arg(q.BucketID))
	}
	for _, p := range q.Params {
		switch p.Comparator {
		case backend.CompareEqual, "":
			attr(false, `a.key = `+arg(p.Key)+` AND a.value = `+arg(p.Value))
		case backend.CompareNotEqual:
			attr(true, `a.key = `+arg(p.Key)+` AND a.value = `+arg(p.Value))
		case backend.CompareContains:
			attr(false, `a.key = `+arg(p.Key)+` AND strpos(a.value, `+arg(p.Value)+`) > 0`)
		case backend.CompareAnyOf:
			attr(false, `a.key = `+arg(p.Key)+` AND a.value = ANY(`+arg(backend.SplitList(p.Value))+`)`)
		case backend.CompareNotAnyOf:
			attr(true, `a.key = `+arg(p.Key)+` AND a.value = ANY(`+arg(backend.SplitList(p.Value))+`)`)
		default:
			exact = false
		}
	}
	b.WriteString(` ORDER BY s.seq`)
	if exact && maxResults > 0 {
		b.WriteString(` LIMIT ` + arg(maxResults))
	}
	return b.String(), args, exact
}
