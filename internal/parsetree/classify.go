package parsetree

import (
	"fmt"

	"github.com/poolrouter/poolrouter/internal/poolerr"
)

// SentDestinationLookup resolves the destination a previously-sent named
// Parse (PREPARE) was routed to, so EXECUTE and DEALLOCATE can inherit it
// instead of being classified independently (spec.md §4.3).
type SentDestinationLookup interface {
	Lookup(name string) (Destination, bool)
}

// SendDestination implements the decision table in spec.md §4.3, exhaustive
// over every Node variant. lookup may be nil when classifying a node that
// is known not to be EXECUTE/DEALLOCATE (e.g. in tests). A DEALLOCATE whose
// name does not resolve (or with a nil lookup) routes BOTH, fail-safe
// towards over-replication; an EXECUTE whose name does not resolve returns
// BOTH together with a ProtocolViolation error.
//
// DEALLOCATE ALL classifies as BOTH here; the router does not consult this
// function for it and sets every where_to_send bit directly (spec.md §4.6
// step 7).
func SendDestination(n Node, lookup SentDestinationLookup) (Destination, error) {
	switch v := n.(type) {
	case SelectStmt:
		if v.IntoTable || v.HasLockingClause || v.HasDataModifyingCTE() {
			return Primary, nil
		}
		return Either, nil

	case InsertStmt, UpdateStmt, DeleteStmt, TruncateStmt, DropTableStmt, AlterTableStmt:
		return Primary, nil

	case CopyStmt:
		if v.Direction == CopyFrom {
			return Primary, nil
		}
		return Either, nil

	case LockStmt:
		if v.Mode == LockRowExclusiveOrStronger {
			return Primary, nil
		}
		return Both, nil

	case TransactionStmt:
		switch v.Kind {
		case TxnPrepareTransaction, TxnCommitPrepared, TxnRollbackPrepared:
			return Primary, nil
		default:
			return Both, nil
		}

	case VariableSetStmt:
		if v.ReadWrite || v.Serializable {
			return Primary, nil
		}
		return Both, nil

	case DiscardStmt:
		return Both, nil

	case ShowStmt:
		return Either, nil

	case PrepareStmt:
		return SendDestination(v.Inner, lookup)

	case ExecuteStmt:
		if lookup != nil {
			if d, ok := lookup.Lookup(v.Name); ok {
				return d, nil
			}
		}
		return Both, poolerr.New(poolerr.KindProtocolViolation,
			fmt.Sprintf("EXECUTE references unknown prepared statement %q", v.Name))

	case DeallocateStmt:
		if v.All {
			return Both, nil
		}
		if lookup != nil {
			if d, ok := lookup.Lookup(v.Name); ok {
				return d, nil
			}
		}
		return Both, nil

	case GenericStmt:
		return Primary, nil

	default:
		return Primary, nil
	}
}

// IsCacheable reports whether a SELECT is safe to serve from the cache, per
// spec.md §3's "cache-safe" conditions. Every non-SELECT node is never
// cacheable.
func IsCacheable(n Node, unsafeTables []RangeVar) bool {
	s, ok := n.(SelectStmt)
	if !ok {
		return false
	}
	if s.IntoTable || s.HasLockingClause || s.HasDataModifyingCTE() ||
		s.HasTableSample || s.HasVolatileFunctionCall ||
		s.ReferencesCatalog || s.ReferencesTempTable || s.ReferencesUnloggedTable {
		return false
	}
	for _, t := range s.Tables {
		for _, u := range unsafeTables {
			if t == u {
				return false
			}
		}
	}
	return true
}

// OidResolver resolves a schema-qualified table name to its OID (backed by
// a relcache in production; a map in tests).
type OidResolver func(schema, name string) (Oid, bool)

// WriteTargets returns the tables this statement writes to, per spec.md
// §4.3: INSERT/UPDATE/DELETE/TRUNCATE/DROP TABLE/ALTER TABLE/COPY FROM, and
// data-modifying CTEs nested in a SELECT. Nil for read-only statements.
func WriteTargets(n Node) []RangeVar {
	switch v := n.(type) {
	case InsertStmt:
		return []RangeVar{v.Table}
	case UpdateStmt:
		return []RangeVar{v.Table}
	case DeleteStmt:
		return []RangeVar{v.Table}
	case TruncateStmt:
		return v.Tables
	case DropTableStmt:
		return v.Tables
	case AlterTableStmt:
		return []RangeVar{v.Table}
	case CopyStmt:
		if v.Direction == CopyFrom {
			return []RangeVar{v.Table}
		}
		return nil
	case SelectStmt:
		return v.DataModifyingCTETargets
	default:
		return nil
	}
}

// ExtractTableOIDs resolves WriteTargets to table OIDs.
func ExtractTableOIDs(n Node, resolve OidResolver) []Oid {
	rvs := WriteTargets(n)
	if len(rvs) == 0 {
		return nil
	}

	oids := make([]Oid, 0, len(rvs))
	for _, rv := range rvs {
		if oid, ok := resolve(rv.Schema, rv.Name); ok {
			oids = append(oids, oid)
		}
	}
	return oids
}
