package bridge

import (
	"fmt"
	"regexp"
	"strings"
)

// Object-management requests are translated into statement text and routed
// through the same classification and policy gate as hand-written SQL, so a
// create_object call is gated exactly like a typed CREATE statement.

var (
	objectIdent  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)
	patternChars = regexp.MustCompile(`^[A-Za-z0-9_%.$]*$`)
	defaultExpr  = regexp.MustCompile(`^[A-Za-z0-9_'".() +\-*/,:]*$`)
)

func checkIdent(what, name string) error {
	if name == "" {
		return validationf("%s is required", what)
	}
	if !objectIdent.MatchString(name) {
		return validationf("%s %q is not a valid identifier", what, name)
	}
	return nil
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// ColumnDef declares one column of an object being created.
type ColumnDef struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	NotNull bool   `json:"not_null,omitempty"`
	Default string `json:"default,omitempty"`
	Comment string `json:"comment,omitempty"`
}

// CreateObjectInput is a structured create_object request.
type CreateObjectInput struct {
	Database  string      `json:"database_name"`
	Schema    string      `json:"schema_name"`
	Name      string      `json:"name"`
	Columns   []ColumnDef `json:"columns"`
	Comment   string      `json:"comment,omitempty"`
	OrReplace bool        `json:"or_replace,omitempty"`
}

func buildCreateObject(in CreateObjectInput) (string, error) {
	if err := checkIdent("database_name", in.Database); err != nil {
		return "", err
	}
	if err := checkIdent("schema_name", in.Schema); err != nil {
		return "", err
	}
	if err := checkIdent("name", in.Name); err != nil {
		return "", err
	}
	if len(in.Columns) == 0 {
		return "", validationf("at least one column is required")
	}

	var defs []string
	for i, col := range in.Columns {
		if err := checkIdent(fmt.Sprintf("column %d name", i), col.Name); err != nil {
			return "", err
		}
		if col.Type == "" {
			return "", validationf("column %q is missing a type", col.Name)
		}
		if !defaultExpr.MatchString(col.Type) {
			return "", validationf("column %q has an invalid type %q", col.Name, col.Type)
		}
		def := col.Name + " " + col.Type
		if col.NotNull {
			def += " NOT NULL"
		}
		if col.Default != "" {
			if !defaultExpr.MatchString(col.Default) {
				return "", validationf("column %q has an invalid default expression", col.Name)
			}
			def += " DEFAULT " + col.Default
		}
		if col.Comment != "" {
			def += " COMMENT " + quoteLiteral(col.Comment)
		}
		defs = append(defs, "    "+def)
	}

	verb := "CREATE TABLE"
	if in.OrReplace {
		verb = "CREATE OR REPLACE TABLE"
	}
	stmt := fmt.Sprintf("%s %s.%s.%s (\n%s\n)", verb, in.Database, in.Schema, in.Name, strings.Join(defs, ",\n"))
	if in.Comment != "" {
		stmt += " COMMENT = " + quoteLiteral(in.Comment)
	}
	return stmt, nil
}

// DropObjectInput is a structured drop_object request.
type DropObjectInput struct {
	Database string `json:"database_name"`
	Schema   string `json:"schema_name"`
	Name     string `json:"name"`
	IfExists bool   `json:"if_exists,omitempty"`
}

func buildDropObject(in DropObjectInput) (string, error) {
	if err := checkIdent("database_name", in.Database); err != nil {
		return "", err
	}
	if err := checkIdent("schema_name", in.Schema); err != nil {
		return "", err
	}
	if err := checkIdent("name", in.Name); err != nil {
		return "", err
	}
	clause := ""
	if in.IfExists {
		clause = "IF EXISTS "
	}
	return fmt.Sprintf("DROP TABLE %s%s.%s.%s", clause, in.Database, in.Schema, in.Name), nil
}

// DescribeObjectInput is a structured describe_object request.
type DescribeObjectInput struct {
	Database string `json:"database_name"`
	Schema   string `json:"schema_name"`
	Name     string `json:"name"`
}

func buildDescribeObject(in DescribeObjectInput) (string, error) {
	if err := checkIdent("database_name", in.Database); err != nil {
		return "", err
	}
	if err := checkIdent("schema_name", in.Schema); err != nil {
		return "", err
	}
	if err := checkIdent("name", in.Name); err != nil {
		return "", err
	}
	return fmt.Sprintf("DESCRIBE TABLE %s.%s.%s", in.Database, in.Schema, in.Name), nil
}

// ListObjectsInput is a structured list_objects request. Pattern is an SQL
// LIKE pattern; IncludeViews widens the listing from tables to all objects.
type ListObjectsInput struct {
	Database     string `json:"database_name"`
	Schema       string `json:"schema_name"`
	Pattern      string `json:"pattern,omitempty"`
	IncludeViews bool   `json:"include_views,omitempty"`
}

func buildListObjects(in ListObjectsInput) (string, error) {
	if err := checkIdent("database_name", in.Database); err != nil {
		return "", err
	}
	if err := checkIdent("schema_name", in.Schema); err != nil {
		return "", err
	}
	what := "TABLES"
	if in.IncludeViews {
		what = "OBJECTS"
	}
	stmt := fmt.Sprintf("SHOW %s IN SCHEMA %s.%s", what, in.Database, in.Schema)
	if in.Pattern != "" {
		if !patternChars.MatchString(in.Pattern) {
			return "", validationf("pattern %q contains invalid characters", in.Pattern)
		}
		stmt += " LIKE " + quoteLiteral(in.Pattern)
	}
	return stmt, nil
}

// ListDatabasesInput is a structured list_databases request.
type ListDatabasesInput struct {
	Pattern string `json:"pattern,omitempty"`
}

func buildListDatabases(in ListDatabasesInput) (string, error) {
	stmt := "SHOW DATABASES"
	if in.Pattern != "" {
		if !patternChars.MatchString(in.Pattern) {
			return "", validationf("pattern %q contains invalid characters", in.Pattern)
		}
		stmt += " LIKE " + quoteLiteral(in.Pattern)
	}
	return stmt, nil
}

// ListSchemasInput is a structured list_schemas request.
type ListSchemasInput struct {
	Database string `json:"database_name"`
	Pattern  string `json:"pattern,omitempty"`
}

func buildListSchemas(in ListSchemasInput) (string, error) {
	if err := checkIdent("database_name", in.Database); err != nil {
		return "", err
	}
	stmt := fmt.Sprintf("SHOW SCHEMAS IN DATABASE %s", in.Database)
	if in.Pattern != "" {
		if !patternChars.MatchString(in.Pattern) {
			return "", validationf("pattern %q contains invalid characters", in.Pattern)
		}
		stmt += " LIKE " + quoteLiteral(in.Pattern)
	}
	return stmt, nil
}

// ListSemanticViewsInput is a structured list_semantic_views request.
type ListSemanticViewsInput struct {
	Database string `json:"database_name"`
	Schema   string `json:"schema_name"`
	Pattern  string `json:"pattern,omitempty"`
}

func buildListSemanticViews(in ListSemanticViewsInput) (string, error) {
	if err := checkIdent("database_name", in.Database); err != nil {
		return "", err
	}
	if err := checkIdent("schema_name", in.Schema); err != nil {
		return "", err
	}
	stmt := fmt.Sprintf("SHOW SEMANTIC VIEWS IN SCHEMA %s.%s", in.Database, in.Schema)
	if in.Pattern != "" {
		if !patternChars.MatchString(in.Pattern) {
			return "", validationf("pattern %q contains invalid characters", in.Pattern)
		}
		stmt += " LIKE " + quoteLiteral(in.Pattern)
	}
	return stmt, nil
}

// QuerySemanticViewInput is a structured query_semantic_view request.
// Metrics and Dimensions name elements declared by the view.
type QuerySemanticViewInput struct {
	Database   string   `json:"database_name"`
	Schema     string   `json:"schema_name"`
	View       string   `json:"view"`
	Metrics    []string `json:"metrics,omitempty"`
	Dimensions []string `json:"dimensions,omitempty"`
	Limit      int      `json:"limit,omitempty"`
}

func buildQuerySemanticView(in QuerySemanticViewInput) (string, error) {
	if err := checkIdent("database_name", in.Database); err != nil {
		return "", err
	}
	if err := checkIdent("schema_name", in.Schema); err != nil {
		return "", err
	}
	if err := checkIdent("view", in.View); err != nil {
		return "", err
	}
	if len(in.Metrics) == 0 && len(in.Dimensions) == 0 {
		return "", validationf("at least one metric or dimension is required")
	}
	if in.Limit < 0 {
		return "", validationf("limit must be positive")
	}

	checkElements := func(what string, names []string) error {
		for _, n := range names {
			// Elements may be qualified as table.element.
			for _, part := range strings.Split(n, ".") {
				if !objectIdent.MatchString(part) {
					return validationf("%s %q is not a valid identifier", what, n)
				}
			}
		}
		return nil
	}
	if err := checkElements("metric", in.Metrics); err != nil {
		return "", err
	}
	if err := checkElements("dimension", in.Dimensions); err != nil {
		return "", err
	}

	var parts []string
	parts = append(parts, fmt.Sprintf("%s.%s.%s", in.Database, in.Schema, in.View))
	if len(in.Metrics) > 0 {
		parts = append(parts, "METRICS "+strings.Join(in.Metrics, ", "))
	}
	if len(in.Dimensions) > 0 {
		parts = append(parts, "DIMENSIONS "+strings.Join(in.Dimensions, ", "))
	}
	stmt := fmt.Sprintf("SELECT * FROM SEMANTIC_VIEW(%s)", strings.Join(parts, " "))
	if in.Limit > 0 {
		stmt += fmt.Sprintf(" LIMIT %d", in.Limit)
	}
	return stmt, nil
}
