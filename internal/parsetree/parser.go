package parsetree

import "strings"

// Parser turns one SQL statement's text into a Node. Producing this tree
// from real SQL grammar is outside this module's scope (spec.md §1); the
// caller supplies a Parser, and KeywordParser below is the pragmatic
// default shipped for tests and for exercising the router end-to-end.
type Parser interface {
	Parse(sql string) (Node, error)
}

// KeywordParser recognizes a statement's leading keyword and returns a
// minimally-populated Node — enough to drive send_destination, but with
// every semantic flag (volatile function calls, catalog access, locking
// clauses, CTEs) defaulted to false/empty since none of that is derivable
// from a keyword alone. Callers needing those flags set accurately should
// supply their own Parser backed by a real SQL grammar.
type KeywordParser struct{}

func (KeywordParser) Parse(sql string) (Node, error) {
	trimmed := strings.TrimSpace(sql)
	upper := strings.ToUpper(trimmed)

	switch {
	case hasPrefixWord(upper, "SELECT"):
		return SelectStmt{}, nil
	case hasPrefixWord(upper, "INSERT"):
		return InsertStmt{Table: firstTableAfter(trimmed, "INTO")}, nil
	case hasPrefixWord(upper, "UPDATE"):
		return UpdateStmt{Table: firstTableAfter(trimmed, "UPDATE")}, nil
	case hasPrefixWord(upper, "DELETE"):
		return DeleteStmt{Table: firstTableAfter(trimmed, "FROM")}, nil
	case hasPrefixWord(upper, "TRUNCATE"):
		return TruncateStmt{Tables: []RangeVar{firstTableAfter(trimmed, "TRUNCATE")}}, nil
	case hasPrefixWord(upper, "COPY"):
		return parseCopy(trimmed), nil
	case hasPrefixWord(upper, "LOCK"):
		return LockStmt{Table: firstTableAfter(trimmed, "LOCK"), Mode: lockModeFromText(upper)}, nil
	case hasPrefixWord(upper, "BEGIN") || hasPrefixWord(upper, "START"):
		return TransactionStmt{Kind: TxnBegin, ReadWrite: strings.Contains(upper, "READ WRITE"), Serializable: strings.Contains(upper, "SERIALIZABLE")}, nil
	case hasPrefixWord(upper, "SAVEPOINT"):
		return TransactionStmt{Kind: TxnSavepoint}, nil
	case hasPrefixWord(upper, "RELEASE"):
		return TransactionStmt{Kind: TxnRelease}, nil
	case strings.HasPrefix(upper, "ROLLBACK TO"):
		return TransactionStmt{Kind: TxnRollbackTo}, nil
	case hasPrefixWord(upper, "COMMIT") && strings.Contains(upper, "PREPARED"):
		return TransactionStmt{Kind: TxnCommitPrepared}, nil
	case hasPrefixWord(upper, "ROLLBACK") && strings.Contains(upper, "PREPARED"):
		return TransactionStmt{Kind: TxnRollbackPrepared}, nil
	case strings.HasPrefix(upper, "PREPARE TRANSACTION"):
		return TransactionStmt{Kind: TxnPrepareTransaction}, nil
	case hasPrefixWord(upper, "COMMIT"):
		return TransactionStmt{Kind: TxnCommit}, nil
	case hasPrefixWord(upper, "ROLLBACK"):
		return TransactionStmt{Kind: TxnRollback}, nil
	case hasPrefixWord(upper, "SET"):
		return parseSet(upper), nil
	case hasPrefixWord(upper, "DISCARD"):
		return DiscardStmt{All: strings.Contains(upper, "ALL")}, nil
	case hasPrefixWord(upper, "SHOW"):
		return ShowStmt{Name: lastWord(trimmed)}, nil
	case hasPrefixWord(upper, "PREPARE"):
		return parsePrepare(trimmed)
	case hasPrefixWord(upper, "EXECUTE"):
		return ExecuteStmt{Name: wordAt(trimmed, 1)}, nil
	case hasPrefixWord(upper, "DEALLOCATE"):
		return parseDeallocate(trimmed, upper), nil
	case hasPrefixWord(upper, "DROP") && strings.Contains(upper, "TABLE"):
		return DropTableStmt{Tables: []RangeVar{firstTableAfter(trimmed, "TABLE")}}, nil
	case hasPrefixWord(upper, "ALTER") && strings.Contains(upper, "TABLE"):
		return AlterTableStmt{Table: firstTableAfter(trimmed, "TABLE")}, nil
	default:
		return GenericStmt{Keyword: wordAt(trimmed, 0)}, nil
	}
}

func parseCopy(trimmed string) Node {
	upper := strings.ToUpper(trimmed)
	if idx := strings.Index(upper, "("); idx >= 0 && strings.Contains(upper[:idx], "COPY") {
		return CopyStmt{Direction: CopyTo, Query: &SelectStmt{}}
	}
	dir := CopyTo
	if strings.Contains(upper, " FROM ") {
		dir = CopyFrom
	}
	return CopyStmt{Direction: dir, Table: firstTableAfter(trimmed, "COPY")}
}

func parseSet(upper string) Node {
	readWrite := strings.Contains(upper, "READ WRITE") ||
		(strings.Contains(upper, "TRANSACTION_READ_ONLY") && strings.Contains(upper, "OFF"))
	serializable := strings.Contains(upper, "ISOLATION LEVEL SERIALIZABLE")
	return VariableSetStmt{ReadWrite: readWrite, Serializable: serializable}
}

func parsePrepare(trimmed string) (Node, error) {
	name := wordAt(trimmed, 1)
	innerIdx := strings.Index(strings.ToUpper(trimmed), " AS ")
	var inner Node = GenericStmt{}
	if innerIdx >= 0 {
		parsed, err := (KeywordParser{}).Parse(trimmed[innerIdx+4:])
		if err != nil {
			return nil, err
		}
		inner = parsed
	}
	return PrepareStmt{Name: name, Inner: inner}, nil
}

func parseDeallocate(trimmed, upper string) Node {
	if strings.Contains(upper, "ALL") {
		return DeallocateStmt{All: true}
	}
	name := wordAt(trimmed, 1)
	if strings.EqualFold(name, "PREPARE") {
		name = wordAt(trimmed, 2)
	}
	return DeallocateStmt{Name: name}
}

func lockModeFromText(upper string) LockMode {
	for _, weak := range []string{"ACCESS SHARE", "ROW SHARE", "ROW EXCLUSIVE"} {
		if strings.Contains(upper, weak) && weak != "ROW EXCLUSIVE" {
			return LockWeak
		}
	}
	return LockRowExclusiveOrStronger
}

func hasPrefixWord(upper, word string) bool {
	if !strings.HasPrefix(upper, word) {
		return false
	}
	rest := upper[len(word):]
	return rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n' || rest[0] == ';'
}

func wordAt(s string, idx int) string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '(' || r == ';'
	})
	if idx >= len(fields) {
		return ""
	}
	return fields[idx]
}

func lastWord(s string) string {
	fields := strings.Fields(strings.TrimRight(strings.TrimSpace(s), ";"))
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}

func firstTableAfter(s, keyword string) RangeVar {
	upper := strings.ToUpper(s)
	idx := strings.Index(upper, strings.ToUpper(keyword))
	if idx < 0 {
		return RangeVar{}
	}
	rest := strings.TrimSpace(s[idx+len(keyword):])
	fields := strings.FieldsFunc(rest, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '(' || r == ';' || r == ','
	})
	if len(fields) == 0 {
		return RangeVar{}
	}
	name := fields[0]
	if dot := strings.IndexByte(name, '.'); dot >= 0 {
		return RangeVar{Schema: name[:dot], Name: name[dot+1:]}
	}
	return RangeVar{Name: name}
}
