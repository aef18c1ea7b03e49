package parsetree

import "strings"

// ScanTopLevel splits text on top-level semicolons (ignoring ones inside
// single/double-quoted strings) and parses each statement independently.
// Per spec.md §9's Open Question, every top-level statement is scanned for
// writes — not just the first — and the returned slice is a fresh copy the
// caller may range over freely; nothing here mutates it afterwards.
func ScanTopLevel(text string, parser Parser) ([]Node, error) {
	if parser == nil {
		parser = KeywordParser{}
	}
	stmts := splitStatements(text)
	nodes := make([]Node, 0, len(stmts))
	for _, stmt := range stmts {
		n, err := parser.Parse(stmt)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// StatementCount returns the number of top-level statements in text. The
// router sends multi-statement simple queries to the primary only, since
// classification covers one statement at a time (spec.md §4.6 step 3).
func StatementCount(text string) int {
	return len(splitStatements(text))
}

// splitStatements returns the non-empty, trimmed statement texts in text,
// splitting on semicolons that are not inside a quoted string.
func splitStatements(text string) []string {
	var stmts []string
	var cur strings.Builder
	var inSingle, inDouble bool

	flush := func() {
		s := strings.TrimSpace(cur.String())
		if s != "" {
			stmts = append(stmts, s)
		}
		cur.Reset()
	}

	for i := 0; i < len(text); i++ {
		ch := text[i]
		switch {
		case ch == '\'' && !inDouble:
			inSingle = !inSingle
			cur.WriteByte(ch)
		case ch == '"' && !inSingle:
			inDouble = !inDouble
			cur.WriteByte(ch)
		case ch == ';' && !inSingle && !inDouble:
			flush()
		default:
			cur.WriteByte(ch)
		}
	}
	flush()
	return stmts
}
