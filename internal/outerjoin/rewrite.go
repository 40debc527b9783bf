// Package outerjoin rewrites Oracle-style "(+)" outer-join markers in a
// WHERE clause into ANSI outer joins attached to the FROM specs. The rewrite
// is deterministic: the same input always produces byte-identical output, so
// a statement replayed after a server-side plan invalidation re-prepares
// with exactly the tree it executed before.
package outerjoin

import (
	"errors"
	"strings"
)

// Rejections the resolver enforces on "(+)" usage.
var (
	ErrMixedJoin     = errors.New("cannot mix (+) with ANSI join syntax")
	ErrSubquery      = errors.New("subquery is not allowed in a (+) predicate")
	ErrPathExpr      = errors.New("path expression is not allowed in a (+) predicate")
	ErrMultiOuter    = errors.New("a class may be outer-joined to at most one other class")
	ErrBothSides     = errors.New("(+) may not appear on both sides of a predicate")
	ErrNestedMarker  = errors.New("(+) is not supported inside a nested query")
	ErrMarkerContext = errors.New("(+) must follow a column reference")
)

type tokKind int

const (
	tkIdent tokKind = iota
	tkNumber
	tkString
	tkOp
	tkLParen
	tkRParen
	tkComma
	tkMarker // the "(+)" marker
)

type token struct {
	kind tokKind
	text string
}

func isIdentStart(b byte) bool {
	return b == '_' || b == '"' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func isIdentPart(b byte) bool {
	return b == '_' || b == '.' || b == '$' || (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9')
}

func tokenize(sql string) []token {
	var toks []token
	i := 0
	for i < len(sql) {
		b := sql[i]
		switch {
		case b == ' ' || b == '\t' || b == '\n' || b == '\r':
			i++
		case b == '(':
			// recognize "( + )" with optional interior whitespace as one marker
			j := i + 1
			for j < len(sql) && (sql[j] == ' ' || sql[j] == '\t') {
				j++
			}
			if j < len(sql) && sql[j] == '+' {
				k := j + 1
				for k < len(sql) && (sql[k] == ' ' || sql[k] == '\t') {
					k++
				}
				if k < len(sql) && sql[k] == ')' {
					toks = append(toks, token{tkMarker, "(+)"})
					i = k + 1
					continue
				}
			}
			toks = append(toks, token{tkLParen, "("})
			i++
		case b == ')':
			toks = append(toks, token{tkRParen, ")"})
			i++
		case b == ',':
			toks = append(toks, token{tkComma, ","})
			i++
		case b == '\'':
			j := i + 1
			for j < len(sql) {
				if sql[j] == '\'' {
					if j+1 < len(sql) && sql[j+1] == '\'' {
						j += 2
						continue
					}
					break
				}
				j++
			}
			if j < len(sql) {
				j++
			}
			toks = append(toks, token{tkString, sql[i:j]})
			i = j
		case b >= '0' && b <= '9':
			j := i
			for j < len(sql) && (sql[j] == '.' || (sql[j] >= '0' && sql[j] <= '9')) {
				j++
			}
			toks = append(toks, token{tkNumber, sql[i:j]})
			i = j
		case isIdentStart(b):
			if b == '"' {
				j := i + 1
				for j < len(sql) && sql[j] != '"' {
					j++
				}
				if j < len(sql) {
					j++
				}
				toks = append(toks, token{tkIdent, sql[i:j]})
				i = j
				continue
			}
			j := i
			for j < len(sql) && isIdentPart(sql[j]) {
				j++
			}
			toks = append(toks, token{tkIdent, sql[i:j]})
			i = j
		default:
			j := i
			for j < len(sql) && strings.IndexByte("=<>!|+-*/%", sql[j]) >= 0 {
				j++
			}
			if j == i {
				j = i + 1
			}
			toks = append(toks, token{tkOp, sql[i:j]})
			i = j
		}
	}
	return toks
}

func keywordIs(t token, kw string) bool {
	return t.kind == tkIdent && strings.EqualFold(t.text, kw)
}

// tableOf returns the spec an ident chain references ("a.col" gives "a") and
// whether the chain is a path expression ("a.b.c").
func tableOf(ident string) (string, bool) {
	parts := strings.Split(ident, ".")
	if len(parts) > 2 {
		return strings.ToLower(parts[0]), true
	}
	if len(parts) == 2 {
		return strings.ToLower(parts[0]), false
	}
	return "", false
}

type spec struct {
	text  string // full spec text, e.g. "tbl t"
	alias string // lowercase alias or table name
}

type edge struct {
	preserved string   // spec alias of the preserved (unmarked) side
	supplied  string   // spec alias of the NULL-supplying (marked) side
	conds     []string // ON conditions, markers stripped
}

// Rewrite converts (+) markers into ANSI outer joins. Input without markers
// is returned unchanged. Only a top-level SELECT is rewritten; markers in
// nested queries are rejected.
func Rewrite(sql string) (string, error) {
	if !strings.Contains(sql, "(+)") && !strings.Contains(sql, "( + )") {
		return sql, nil
	}
	toks := tokenize(sql)

	// Locate top-level FROM, WHERE and the clause that follows WHERE.
	depth := 0
	fromIdx, whereIdx, afterWhereIdx := -1, -1, len(toks)
	for i, t := range toks {
		switch t.kind {
		case tkLParen:
			depth++
		case tkRParen:
			depth--
		case tkMarker:
			if depth > 0 {
				return "", ErrNestedMarker
			}
		case tkIdent:
			if depth != 0 {
				continue
			}
			switch {
			case strings.EqualFold(t.text, "from") && fromIdx < 0:
				fromIdx = i
			case strings.EqualFold(t.text, "where") && whereIdx < 0:
				whereIdx = i
			case whereIdx >= 0 && afterWhereIdx == len(toks) &&
				(strings.EqualFold(t.text, "group") || strings.EqualFold(t.text, "order") || strings.EqualFold(t.text, "having")):
				afterWhereIdx = i
			}
		}
	}
	if fromIdx < 0 || whereIdx < 0 {
		return "", ErrMarkerContext
	}

	fromToks := toks[fromIdx+1 : whereIdx]
	for _, t := range fromToks {
		if keywordIs(t, "join") {
			return "", ErrMixedJoin
		}
	}

	specs, err := parseSpecs(fromToks)
	if err != nil {
		return "", err
	}
	known := make(map[string]int, len(specs))
	for i, s := range specs {
		known[s.alias] = i
	}

	conjuncts := splitConjuncts(toks[whereIdx+1 : afterWhereIdx])

	var edges []edge
	var residual []string
	// sargs on a supplied side seen before (or without) the join predicate
	pendingSargs := map[string][]string{}

	for _, cj := range conjuncts {
		marked, others, cond, err := analyzeConjunct(cj, known)
		if err != nil {
			return "", err
		}
		if marked == "" {
			residual = append(residual, cond)
			continue
		}
		switch len(others) {
		case 0:
			pendingSargs[marked] = append(pendingSargs[marked], cond)
		case 1:
			merged := false
			for i := range edges {
				if edges[i].supplied == marked {
					if edges[i].preserved != others[0] {
						return "", ErrMultiOuter
					}
					edges[i].conds = append(edges[i].conds, cond)
					merged = true
					break
				}
			}
			if !merged {
				edges = append(edges, edge{preserved: others[0], supplied: marked, conds: []string{cond}})
			}
		default:
			return "", ErrMultiOuter
		}
	}

	for i := range edges {
		if sargs, ok := pendingSargs[edges[i].supplied]; ok {
			edges[i].conds = append(edges[i].conds, sargs...)
			delete(pendingSargs, edges[i].supplied)
		}
	}
	// sargs on a marked column with no join predicate stay in WHERE with the
	// marker stripped; the marker is meaningless without a join partner.
	for _, s := range specs {
		if sargs, ok := pendingSargs[s.alias]; ok {
			residual = append(residual, sargs...)
		}
	}

	from, err := buildFrom(specs, edges)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	b.WriteString(strings.TrimRight(renderTokens(toks[:fromIdx]), " "))
	b.WriteString(" FROM ")
	b.WriteString(from)
	if len(residual) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(residual, " AND "))
	}
	if afterWhereIdx < len(toks) {
		b.WriteString(" ")
		b.WriteString(renderTokens(toks[afterWhereIdx:]))
	}
	return b.String(), nil
}

// parseSpecs splits a comma-separated FROM list into specs with aliases.
func parseSpecs(toks []token) ([]spec, error) {
	var specs []spec
	var cur []token
	depth := 0
	flush := func() error {
		if len(cur) == 0 {
			return ErrMarkerContext
		}
		var names []string
		for _, t := range cur {
			if t.kind == tkIdent {
				names = append(names, t.text)
			}
		}
		if len(names) == 0 {
			return ErrMarkerContext
		}
		alias := strings.ToLower(names[len(names)-1])
		specs = append(specs, spec{text: renderTokens(cur), alias: alias})
		cur = nil
		return nil
	}
	for _, t := range toks {
		switch t.kind {
		case tkLParen:
			depth++
		case tkRParen:
			depth--
		case tkComma:
			if depth == 0 {
				if err := flush(); err != nil {
					return nil, err
				}
				continue
			}
		}
		cur = append(cur, t)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return specs, nil
}

// splitConjuncts splits a WHERE token run on top-level ANDs.
func splitConjuncts(toks []token) [][]token {
	var out [][]token
	var cur []token
	depth := 0
	for _, t := range toks {
		switch t.kind {
		case tkLParen:
			depth++
		case tkRParen:
			depth--
		}
		if depth == 0 && keywordIs(t, "and") {
			if len(cur) > 0 {
				out = append(out, cur)
				cur = nil
			}
			continue
		}
		cur = append(cur, t)
	}
	if len(cur) > 0 {
		out = append(out, cur)
	}
	return out
}

// analyzeConjunct finds the marked spec (if any), the other specs
// referenced, and the condition text with markers stripped.
func analyzeConjunct(toks []token, known map[string]int) (marked string, others []string, cond string, err error) {
	seen := map[string]bool{}
	markedSet := map[string]bool{}
	var kept []token
	for i, t := range toks {
		if t.kind == tkMarker {
			if i == 0 || toks[i-1].kind != tkIdent {
				return "", nil, "", ErrMarkerContext
			}
			tbl, isPath := tableOf(toks[i-1].text)
			if isPath {
				return "", nil, "", ErrPathExpr
			}
			if _, ok := known[tbl]; !ok {
				return "", nil, "", ErrMarkerContext
			}
			markedSet[tbl] = true
			continue
		}
		if t.kind == tkIdent && strings.EqualFold(t.text, "select") {
			if len(markedSet) > 0 || hasMarker(toks[i:]) {
				return "", nil, "", ErrSubquery
			}
		}
		if t.kind == tkIdent {
			if tbl, isPath := tableOf(t.text); tbl != "" {
				if _, ok := known[tbl]; ok {
					if isPath && (len(markedSet) > 0 || hasMarker(toks[i:])) {
						return "", nil, "", ErrPathExpr
					}
					seen[tbl] = true
				}
			}
		}
		kept = append(kept, t)
	}
	if len(markedSet) > 1 {
		return "", nil, "", ErrBothSides
	}
	for tbl := range markedSet {
		marked = tbl
	}
	for tbl := range seen {
		if tbl != marked {
			others = append(others, tbl)
		}
	}
	sortStrings(others)
	return marked, others, renderTokens(kept), nil
}

func hasMarker(toks []token) bool {
	for _, t := range toks {
		if t.kind == tkMarker {
			return true
		}
	}
	return false
}

// buildFrom reorders the spec siblings so every preserved spec precedes its
// supplied spec and emits a left-deep join tree. Right-outer cases are
// normalized to LEFT OUTER JOIN by this ordering.
func buildFrom(specs []spec, edges []edge) (string, error) {
	suppliedBy := map[string]*edge{}
	for i := range edges {
		e := &edges[i]
		if _, dup := suppliedBy[e.supplied]; dup {
			return "", ErrMultiOuter
		}
		suppliedBy[e.supplied] = e
	}

	var parts []string
	emitted := map[string]bool{}

	// emit walks preserved-first, appending each supplied spec as a join.
	var emit func(s spec)
	emit = func(s spec) {
		if emitted[s.alias] {
			return
		}
		if e, ok := suppliedBy[s.alias]; ok && !emitted[e.preserved] {
			// the preserved partner must be placed first
			for _, p := range specs {
				if p.alias == e.preserved {
					emit(p)
					break
				}
			}
		}
		if emitted[s.alias] {
			return
		}
		emitted[s.alias] = true
		if e, ok := suppliedBy[s.alias]; ok {
			parts = append(parts, "LEFT OUTER JOIN "+s.text+" ON "+strings.Join(e.conds, " AND "))
		} else if len(parts) == 0 {
			parts = append(parts, s.text)
		} else {
			parts = append(parts, ", "+s.text)
		}
		// chained joins: specs supplied by this one come right after
		for _, n := range specs {
			if e, ok := suppliedBy[n.alias]; ok && e.preserved == s.alias {
				emit(n)
			}
		}
	}
	for _, s := range specs {
		emit(s)
	}

	var b strings.Builder
	for i, p := range parts {
		if i > 0 && !strings.HasPrefix(p, ", ") {
			b.WriteString(" ")
		}
		b.WriteString(p)
	}
	return b.String(), nil
}

func renderTokens(toks []token) string {
	var b strings.Builder
	for i, t := range toks {
		if i > 0 && needSpace(toks[i-1], t) {
			b.WriteByte(' ')
		}
		b.WriteString(t.text)
	}
	return b.String()
}

func needSpace(prev, cur token) bool {
	if prev.kind == tkLParen {
		return false
	}
	if cur.kind == tkRParen || cur.kind == tkComma {
		return false
	}
	// function calls keep "f(" tight
	if cur.kind == tkLParen && prev.kind == tkIdent {
		return false
	}
	return true
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}
