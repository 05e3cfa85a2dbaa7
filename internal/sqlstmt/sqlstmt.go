// Package sqlstmt classifies raw SQL text into a coarse statement kind.
// Classification looks only at the leading keyword(s) of a statement and is
// pure: no parsing beyond what is needed to pick a kind, no execution.
package sqlstmt

import "strings"

// Kind is the coarse category of a SQL statement.
type Kind string

const (
	KindSelect        Kind = "select"
	KindDescribe      Kind = "describe"
	KindInsert        Kind = "insert"
	KindUpdate        Kind = "update"
	KindDelete        Kind = "delete"
	KindMerge         Kind = "merge"
	KindTruncateTable Kind = "truncate_table"
	KindCreate        Kind = "create"
	KindAlter         Kind = "alter"
	KindDrop          Kind = "drop"
	KindTransaction   Kind = "transaction"
	KindCommit        Kind = "commit"
	KindRollback      Kind = "rollback"
	KindUse           Kind = "use"
	KindCommand       Kind = "command"
	KindComment       Kind = "comment"
	KindUnknown       Kind = "unknown"
)

// Kinds lists every kind, in a stable order. Useful for exhaustive
// configuration validation.
var Kinds = []Kind{
	KindSelect, KindDescribe, KindInsert, KindUpdate, KindDelete,
	KindMerge, KindTruncateTable, KindCreate, KindAlter, KindDrop,
	KindTransaction, KindCommit, KindRollback, KindUse, KindCommand,
	KindComment, KindUnknown,
}

// Parse maps a configuration key to a Kind. The second return is false for
// unrecognized names.
func Parse(name string) (Kind, bool) {
	k := Kind(strings.ToLower(strings.TrimSpace(name)))
	for _, known := range Kinds {
		if k == known {
			return known, true
		}
	}
	return KindUnknown, false
}

func (k Kind) String() string { return string(k) }

// IsMutation reports whether statements of this kind can change warehouse
// state.
func (k Kind) IsMutation() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete, KindMerge, KindTruncateTable,
		KindCreate, KindAlter, KindDrop, KindComment:
		return true
	}
	return false
}

// Classify maps raw statement text to its Kind. Leading whitespace and
// comments are skipped and keywords are matched case-insensitively.
// Anything that does not start with a recognized keyword is KindUnknown.
func Classify(raw string) Kind {
	s := stripLeading(raw)
	first, rest := nextWord(s)
	if first == "" {
		return KindUnknown
	}

	switch first {
	case "SELECT", "WITH":
		return KindSelect
	case "SHOW", "DESC", "DESCRIBE", "EXPLAIN", "LIST":
		return KindDescribe
	case "INSERT":
		return KindInsert
	case "UPDATE":
		return KindUpdate
	case "DELETE":
		return KindDelete
	case "MERGE":
		return KindMerge
	case "TRUNCATE":
		// TRUNCATE and TRUNCATE TABLE are the same operation; both get a
		// kind distinct from DROP so they can be gated separately.
		return KindTruncateTable
	case "CREATE":
		// Covers CREATE OR REPLACE as well; the leading keyword decides.
		return KindCreate
	case "ALTER":
		return KindAlter
	case "DROP", "UNDROP":
		return KindDrop
	case "BEGIN":
		return KindTransaction
	case "START":
		second, _ := nextWord(rest)
		if second == "TRANSACTION" {
			return KindTransaction
		}
		return KindUnknown
	case "COMMIT":
		return KindCommit
	case "ROLLBACK":
		return KindRollback
	case "USE":
		return KindUse
	case "CALL", "EXECUTE", "GRANT", "REVOKE", "SET", "UNSET", "COPY",
		"PUT", "GET", "REMOVE":
		return KindCommand
	case "COMMENT":
		return KindComment
	}
	return KindUnknown
}

// stripLeading removes whitespace and SQL comments (both -- line comments
// and /* */ block comments) from the front of s.
func stripLeading(s string) string {
	for {
		s = strings.TrimLeft(s, " \t\r\n")
		switch {
		case strings.HasPrefix(s, "--"):
			if i := strings.IndexByte(s, '\n'); i >= 0 {
				s = s[i+1:]
				continue
			}
			return ""
		case strings.HasPrefix(s, "/*"):
			if i := strings.Index(s, "*/"); i >= 0 {
				s = s[i+2:]
				continue
			}
			return ""
		}
		return s
	}
}

// nextWord returns the first keyword-shaped token of s, uppercased, and the
// remainder after it.
func nextWord(s string) (string, string) {
	i := 0
	for i < len(s) {
		c := s[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '_' {
			i++
			continue
		}
		break
	}
	return strings.ToUpper(s[:i]), s[i:]
}
