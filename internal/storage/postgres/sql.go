package postgres

import (
	"fmt"
	"strings"

	"sparkify/internal/storage"
)

// dialect selects between vanilla Postgres and Redshift SQL. Both speak the
// Postgres wire protocol, but Redshift has no ON CONFLICT and spells auto
// keys as IDENTITY.
type dialect int

const (
	dialectPostgres dialect = iota
	dialectRedshift
)

func (d dialect) String() string {
	if d == dialectRedshift {
		return "redshift"
	}
	return "postgres"
}

// maxParams keeps a single statement well below the 65535 bind-parameter
// limit of the wire protocol.
const maxParams = 30000

func pgIdent(id string) string {
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

// columnType maps portable column types to the dialect.
func columnType(d dialect, typ string) string {
	switch strings.ToLower(strings.TrimSpace(typ)) {
	case storage.TypeVarchar:
		if d == dialectRedshift {
			// Redshift's bare varchar is varchar(256).
			return "varchar(1024)"
		}
		return "varchar"
	case storage.TypeInt:
		return "integer"
	case storage.TypeBigint:
		return "bigint"
	case storage.TypeDouble:
		return "double precision"
	case storage.TypeTimestamp:
		return "timestamp"
	default:
		return typ
	}
}

func surrogateType(d dialect, typ string) string {
	if !strings.EqualFold(typ, storage.TypeSerial) {
		return typ
	}
	if d == dialectRedshift {
		return "BIGINT IDENTITY(0,1)"
	}
	return "bigserial"
}

// pgLiteral quotes s as a string literal. Redshift treats backslash as an
// escape inside literals, so it is doubled too.
func pgLiteral(s string) string {
	return "'" + strings.NewReplacer(`'`, `''`, `\`, `\\`).Replace(s) + "'"
}

func buildDropSQL(table string) string {
	return "DROP TABLE IF EXISTS " + pgIdent(table) + ";"
}

// buildCreateSQL renders CREATE TABLE IF NOT EXISTS for t.
//
// A surrogate PrimaryKey becomes the first column. A natural primary key and
// unique constraints are table-level clauses.
func buildCreateSQL(d dialect, t storage.TableSpec) (string, error) {
	if err := t.Validate(); err != nil {
		return "", err
	}

	defs := make([]string, 0, len(t.Columns)+len(t.Constraints)+1)
	if pk := t.PrimaryKey; pk != nil {
		defs = append(defs, fmt.Sprintf("%s %s PRIMARY KEY", pgIdent(pk.Name), surrogateType(d, pk.Type)))
	}
	for _, c := range t.Columns {
		def := pgIdent(c.Name) + " " + columnType(d, c.Type)
		if !c.IsNullable() {
			def += " NOT NULL"
		}
		defs = append(defs, def)
	}
	for _, c := range t.Constraints {
		kw := "UNIQUE"
		if c.Kind == storage.ConstraintPrimaryKey {
			kw = "PRIMARY KEY"
		}
		defs = append(defs, kw+" ("+identList(c.Columns)+")")
	}

	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s);", pgIdent(t.Name), strings.Join(defs, ", ")), nil
}

// buildInsertSQL renders one multi-row INSERT with $n placeholders.
//
// For Postgres the conflict policy becomes ON CONFLICT ... DO NOTHING or
// DO UPDATE SET col = EXCLUDED.col. Redshift callers pass withConflict=false
// and handle the policy themselves.
func buildInsertSQL(t storage.TableSpec, rows [][]any, withConflict bool) (string, []any) {
	columns := t.ColumnNames()

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(identList(columns))
	b.WriteString(") VALUES ")

	args := make([]any, 0, len(rows)*len(columns))
	p := 1
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", p)
			args = append(args, row[j])
			p++
		}
		b.WriteString(")")
	}

	if cf := t.Load.Conflict; withConflict && cf != nil {
		b.WriteString(" ON CONFLICT (")
		b.WriteString(identList(cf.TargetColumns))
		b.WriteString(")")
		update := t.UpdateColumns()
		if cf.Action == storage.ActionDoUpdate && len(update) > 0 {
			b.WriteString(" DO UPDATE SET ")
			for i, c := range update {
				if i > 0 {
					b.WriteString(", ")
				}
				b.WriteString(pgIdent(c))
				b.WriteString(" = EXCLUDED.")
				b.WriteString(pgIdent(c))
			}
		} else {
			b.WriteString(" DO NOTHING")
		}
	}

	b.WriteString(";")
	return b.String(), args
}

// buildInsertIfAbsentSQL renders the Redshift form of insert-or-ignore:
//
//	INSERT INTO t (a, b)
//	SELECT CAST($1 AS ..), CAST($2 AS ..) WHERE NOT EXISTS (SELECT 1 FROM t WHERE k = CAST($1 AS ..))
//	UNION ALL SELECT ...
//
// Rows must already be free of duplicate keys.
func buildInsertIfAbsentSQL(d dialect, t storage.TableSpec, rows [][]any) (string, []any, error) {
	columns := t.ColumnNames()
	target := t.Load.Conflict.TargetColumns
	keyIdx, err := storage.IndexColumns(columns, target)
	if err != nil {
		return "", nil, err
	}

	casts := make([]string, len(columns))
	for i, c := range t.Columns {
		casts[i] = columnType(d, c.Type)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(pgIdent(t.Name))
	b.WriteString(" (")
	b.WriteString(identList(columns))
	b.WriteString(") ")

	args := make([]any, 0, len(rows)*len(columns))
	for i, row := range rows {
		if i > 0 {
			b.WriteString(" UNION ALL ")
		}
		base := len(args)
		b.WriteString("SELECT ")
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "CAST($%d AS %s)", base+j+1, casts[j])
		}
		b.WriteString(" WHERE NOT EXISTS (SELECT 1 FROM ")
		b.WriteString(pgIdent(t.Name))
		b.WriteString(" WHERE ")
		for k, idx := range keyIdx {
			if k > 0 {
				b.WriteString(" AND ")
			}
			fmt.Fprintf(&b, "%s = CAST($%d AS %s)", pgIdent(target[k]), base+idx+1, casts[idx])
		}
		b.WriteString(")")
		args = append(args, row...)
	}
	b.WriteString(";")
	return b.String(), args, nil
}

// buildDeleteByKeySQL renders the DELETE half of the Redshift upsert.
func buildDeleteByKeySQL(t storage.TableSpec, rows [][]any) (string, []any, error) {
	target := t.Load.Conflict.TargetColumns
	keyIdx, err := storage.IndexColumns(t.ColumnNames(), target)
	if err != nil {
		return "", nil, err
	}

	var b strings.Builder
	b.WriteString("DELETE FROM ")
	b.WriteString(pgIdent(t.Name))
	b.WriteString(" WHERE ")

	args := make([]any, 0, len(rows)*len(keyIdx))
	if len(keyIdx) == 1 {
		b.WriteString(pgIdent(target[0]))
		b.WriteString(" IN (")
		for i, row := range rows {
			if i > 0 {
				b.WriteString(", ")
			}
			args = append(args, row[keyIdx[0]])
			fmt.Fprintf(&b, "$%d", len(args))
		}
		b.WriteString(");")
		return b.String(), args, nil
	}

	for i, row := range rows {
		if i > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString("(")
		for k, idx := range keyIdx {
			if k > 0 {
				b.WriteString(" AND ")
			}
			args = append(args, row[idx])
			fmt.Fprintf(&b, "%s = $%d", pgIdent(target[k]), len(args))
		}
		b.WriteString(")")
	}
	b.WriteString(";")
	return b.String(), args, nil
}

// buildCopySQL renders a Redshift COPY of JSON objects:
//
//	COPY "t" FROM 's3://...' IAM_ROLE 'arn:...' FORMAT AS JSON 'auto ignorecase' REGION 'us-west-2';
//
// A jsonpaths file replaces 'auto ignorecase' when set.
func buildCopySQL(c storage.S3Copy) (string, error) {
	if strings.TrimSpace(c.Table) == "" {
		return "", fmt.Errorf("copy: table is required")
	}
	if !strings.HasPrefix(c.From, "s3://") {
		return "", fmt.Errorf("copy %s: source %q is not an s3:// location", c.Table, c.From)
	}
	if strings.TrimSpace(c.IAMRole) == "" {
		return "", fmt.Errorf("copy %s: IAM role is required", c.Table)
	}
	format := "auto ignorecase"
	if c.JSONPath != "" {
		if !strings.HasPrefix(c.JSONPath, "s3://") {
			return "", fmt.Errorf("copy %s: jsonpaths %q is not an s3:// location", c.Table, c.JSONPath)
		}
		format = c.JSONPath
	}

	var b strings.Builder
	fmt.Fprintf(&b, "COPY %s FROM %s IAM_ROLE %s FORMAT AS JSON %s",
		pgIdent(c.Table), pgLiteral(c.From), pgLiteral(c.IAMRole), pgLiteral(format))
	if c.Region != "" {
		b.WriteString(" REGION ")
		b.WriteString(pgLiteral(c.Region))
	}
	b.WriteString(";")
	return b.String(), nil
}

func identList(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgIdent(c)
	}
	return strings.Join(quoted, ", ")
}
