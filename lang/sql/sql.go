// Package sql is the loader backend for annotated SQL files, run on SQLite.
//
// A unit opens one database. Text before the first annotation is schema and
// runs at load time; a "-- database: <path>" line in it selects the database
// file, which defaults to a private in-memory database. Each annotated
// statement becomes a function:
//
//	-- name: UserByEmail :one
//	SELECT id, name FROM users WHERE email = :email;
//
// :one returns the first row as a Map or Null, :many returns an Array of row
// Maps, :exec returns the number of affected rows and :execlastid the last
// inserted row id. Named parameters (:p, @p or $p) become the function's
// parameters in order of appearance; otherwise each ? is one parameter.
package sql

import (
	"context"
	dbsql "database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/tliron/commonlog"
	_ "modernc.org/sqlite"

	"github.com/chazu/polycall/codec"
	"github.com/chazu/polycall/core"
	"github.com/chazu/polycall/loader"
)

// Tag is the loader tag of this backend.
const Tag = "sql"

var log = commonlog.GetLogger("polycall.sql")

// Backend opens SQLite databases for annotated SQL units.
type Backend struct {
	c core.Core
}

// New returns the SQL backend. It has the shape of engine.BackendFactory.
func New(c core.Core) loader.Backend {
	return &Backend{c: c}
}

func (b *Backend) LoadFile(path string) (loader.LoadingMethod, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, readError(path, err)
	}
	return b.load(path, string(src), filepath.Dir(path))
}

func (b *Backend) LoadMemory(name string, src []byte) (loader.LoadingMethod, error) {
	return b.load(name, string(src), "")
}

// LoadPackage loads the package's SQL file. Relative database paths resolve
// against the package directory.
func (b *Backend) LoadPackage(path string) (loader.LoadingMethod, error) {
	return b.LoadFile(path)
}

func readError(path string, err error) error {
	kind := core.NotAFileOrPermissionDenied
	if errors.Is(err, fs.ErrNotExist) {
		kind = core.FileNotFound
	}
	return &core.LoaderError{Kind: kind, Path: path, Err: err}
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

type resultKind string

const (
	one        resultKind = "one"
	many       resultKind = "many"
	exec       resultKind = "exec"
	execLastID resultKind = "execlastid"
)

type query struct {
	name   string
	kind   resultKind
	text   string
	params []string
	named  bool
	line   int
}

var (
	nameLine     = regexp.MustCompile(`^--\s*name:\s*([A-Za-z_][\w]*)\s+:(one|many|exec|execlastid)\s*$`)
	databaseLine = regexp.MustCompile(`^--\s*database:\s*(\S+)\s*$`)
	literal      = regexp.MustCompile(`'(?:[^']|'')*'`)
	namedParam   = regexp.MustCompile(`[:@$]([A-Za-z_]\w*)`)
)

// parse splits src into the schema, the database path and the queries.
func parse(name, src string) (schema, database string, queries []*query, err error) {
	var schemaLines []string
	var cur *query
	var body []string
	flush := func() {
		if cur != nil {
			cur.text = strings.TrimSpace(strings.Join(body, "\n"))
			queries = append(queries, cur)
		}
		body = nil
	}

	for i, line := range strings.Split(src, "\n") {
		trimmed := strings.TrimSpace(line)
		if m := nameLine.FindStringSubmatch(trimmed); m != nil {
			flush()
			cur = &query{name: m[1], kind: resultKind(m[2]), line: i + 1}
			continue
		}
		if cur == nil {
			if m := databaseLine.FindStringSubmatch(trimmed); m != nil {
				database = m[1]
				continue
			}
			schemaLines = append(schemaLines, line)
			continue
		}
		body = append(body, line)
	}
	flush()

	var diags []string
	seen := map[string]bool{}
	for _, q := range queries {
		if q.text == "" {
			diags = append(diags, fmt.Sprintf("%s:%d: query %s has no statement", name, q.line, q.name))
			continue
		}
		if seen[q.name] {
			diags = append(diags, fmt.Sprintf("%s:%d: query %s is defined twice", name, q.line, q.name))
		}
		seen[q.name] = true
		if err := q.scanParams(); err != nil {
			diags = append(diags, fmt.Sprintf("%s:%d: %s: %v", name, q.line, q.name, err))
		}
	}
	if len(diags) > 0 {
		return "", "", nil, &core.LoaderError{
			Kind:        core.CompilationError,
			Path:        name,
			Diagnostics: strings.Join(diags, "\n"),
		}
	}
	return strings.TrimSpace(strings.Join(schemaLines, "\n")), database, queries, nil
}

// scanParams collects parameter names outside string literals.
func (q *query) scanParams() error {
	text := literal.ReplaceAllString(q.text, "''")
	positional := strings.Count(text, "?")
	seen := map[string]bool{}
	for _, m := range namedParam.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			q.params = append(q.params, m[1])
		}
	}
	switch {
	case positional > 0 && len(q.params) > 0:
		return errors.New("mixes positional and named parameters")
	case positional > 0:
		for i := range positional {
			q.params = append(q.params, fmt.Sprintf("arg%d", i))
		}
	default:
		q.named = len(q.params) > 0
	}
	return nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func (b *Backend) load(name, src, dir string) (*unit, error) {
	schema, database, queries, err := parse(name, src)
	if err != nil {
		return nil, err
	}

	dsn := ":memory:"
	if database != "" {
		dsn = database
		if dir != "" && !filepath.IsAbs(dsn) && dsn != ":memory:" {
			dsn = filepath.Join(dir, dsn)
		}
	}
	db, err := dbsql.Open("sqlite", dsn)
	if err != nil {
		return nil, &core.LoaderError{Kind: core.LinkError, Path: name, Err: fmt.Errorf("opening database: %w", err)}
	}
	if dsn == ":memory:" {
		// every connection would see its own empty database
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, &core.LoaderError{Kind: core.LinkError, Path: name, Err: fmt.Errorf("setting busy timeout: %w", err)}
	}
	if schema != "" {
		if _, err := db.Exec(schema); err != nil {
			db.Close()
			return nil, &core.LoaderError{Kind: core.CompilationError, Path: name, Diagnostics: "schema: " + err.Error()}
		}
	}

	u := &unit{c: b.c, name: name, db: db, stmts: map[string]*dbsql.Stmt{}}
	var diags []string
	for _, q := range queries {
		stmt, err := db.Prepare(q.text)
		if err != nil {
			diags = append(diags, fmt.Sprintf("%s:%d: %s: %v", name, q.line, q.name, err))
			continue
		}
		u.stmts[q.name] = stmt
	}
	if len(diags) > 0 {
		u.Close()
		return nil, &core.LoaderError{Kind: core.CompilationError, Path: name, Diagnostics: strings.Join(diags, "\n")}
	}
	u.queries = queries
	log.Debugf("opened %s on %s (%d queries)", name, dsn, len(queries))
	return u, nil
}

// ---------------------------------------------------------------------------
// Units
// ---------------------------------------------------------------------------

// unit is one database with its prepared queries. It is both the loading
// method and the library whose Close closes the database.
type unit struct {
	c       core.Core
	name    string
	queries []*query

	mu     sync.Mutex
	db     *dbsql.DB
	stmts  map[string]*dbsql.Stmt
	closed bool
}

func (u *unit) Library() loader.Library { return u }

func (u *unit) Name() string { return u.name }

func (u *unit) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil
	}
	u.closed = true
	var errs []error
	for _, s := range u.stmts {
		errs = append(errs, s.Close())
	}
	errs = append(errs, u.db.Close())
	return errors.Join(errs...)
}

func (u *unit) Discover(ctx loader.Context) error {
	for _, q := range u.queries {
		if err := ctx.DefineFunction(u.function(q)); err != nil {
			return err
		}
	}
	return nil
}

func (u *unit) function(q *query) *core.Function {
	f := &core.Function{Name: q.name, Return: core.TypeInvalid}
	for _, p := range q.params {
		f.Params = append(f.Params, core.Param{Name: p, Type: core.TypeInvalid})
	}
	switch q.kind {
	case many:
		f.Return = core.TypeArray
	case exec, execLastID:
		f.Return = core.TypeLong
	}
	f.Invoke = func(c core.Core, args []core.Handle) (core.Handle, error) {
		return u.run(q, args)
	}
	return f
}

func (u *unit) statement(name string) (*dbsql.Stmt, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return nil, fmt.Errorf("sql unit %s has been unloaded", u.name)
	}
	return u.stmts[name], nil
}

func (u *unit) run(q *query, args []core.Handle) (core.Handle, error) {
	stmt, err := u.statement(q.name)
	if err != nil {
		return core.Invalid, err
	}
	params, err := u.bind(q, args)
	if err != nil {
		return core.Invalid, err
	}

	ctx := context.Background()
	switch q.kind {
	case exec, execLastID:
		res, err := stmt.ExecContext(ctx, params...)
		if err != nil {
			return core.Invalid, u.sqlError(q, err)
		}
		var n int64
		if q.kind == exec {
			n, err = res.RowsAffected()
		} else {
			n, err = res.LastInsertId()
		}
		if err != nil {
			return core.Invalid, u.sqlError(q, err)
		}
		return u.c.CreateLong(n), nil
	}

	rows, err := stmt.QueryContext(ctx, params...)
	if err != nil {
		return core.Invalid, u.sqlError(q, err)
	}
	defer rows.Close()
	cols, err := rows.Columns()
	if err != nil {
		return core.Invalid, u.sqlError(q, err)
	}

	var out []core.Handle
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			destroyAll(u.c, out)
			return core.Invalid, u.sqlError(q, err)
		}
		out = append(out, u.row(cols, vals))
		if q.kind == one {
			break
		}
	}
	if err := rows.Err(); err != nil {
		destroyAll(u.c, out)
		return core.Invalid, u.sqlError(q, err)
	}

	if q.kind == one {
		if len(out) == 0 {
			return u.c.CreateNull(), nil
		}
		return out[0], nil
	}
	if out == nil {
		out = []core.Handle{}
	}
	return u.c.CreateArray(out), nil
}

// bind decodes the borrowed arguments into driver values.
func (u *unit) bind(q *query, args []core.Handle) ([]any, error) {
	params := make([]any, len(args))
	for i, h := range args {
		v, err := u.driverValue(h)
		if err != nil {
			return nil, &core.ThrownError{Value: u.c.CreateException(core.ExceptionInfo{
				Message: fmt.Sprintf("%s: argument %s: %v", q.name, q.params[i], err),
				Label:   "TypeError",
			})}
		}
		if q.named {
			v = dbsql.Named(q.params[i], v)
		}
		params[i] = v
	}
	return params, nil
}

func (u *unit) driverValue(h core.Handle) (any, error) {
	switch u.c.ValueID(h) {
	case core.TypeBool, core.TypeString, core.TypeBuffer, core.TypeNull, core.TypeDouble, core.TypeFloat:
		return codec.DecodeAnyLeak(u.c, h)
	case core.TypeChar, core.TypeShort, core.TypeInt, core.TypeLong:
		return codec.DecodeNumberLeak[int64](u.c, h)
	}
	return nil, fmt.Errorf("%s values cannot be bound to a statement", u.c.ValueID(h))
}

// row builds a Map in column order.
func (u *unit) row(cols []string, vals []any) core.Handle {
	c := u.c
	pairs := make([]core.Handle, len(cols))
	for i, col := range cols {
		pairs[i] = c.CreateArray([]core.Handle{c.CreateString(col), u.column(vals[i])})
	}
	return c.CreateMap(pairs)
}

func (u *unit) column(v any) core.Handle {
	c := u.c
	switch v := v.(type) {
	case nil:
		return c.CreateNull()
	case int64:
		return c.CreateLong(v)
	case float64:
		return c.CreateDouble(v)
	case bool:
		return c.CreateBool(v)
	case []byte:
		return c.CreateBuffer(v)
	case string:
		if core.CheckString(v) != nil {
			return c.CreateBuffer([]byte(v))
		}
		return c.CreateString(v)
	case time.Time:
		return c.CreateString(v.Format(time.RFC3339Nano))
	}
	return c.CreateString(fmt.Sprint(v))
}

// sqlError surfaces a failed statement as a thrown SQLError exception.
func (u *unit) sqlError(q *query, err error) error {
	return &core.ThrownError{Value: u.c.CreateException(core.ExceptionInfo{
		Message: fmt.Sprintf("%s: %v", q.name, err),
		Label:   "SQLError",
	})}
}

func destroyAll(c core.Core, hs []core.Handle) {
	for _, h := range hs {
		c.ValueDestroy(h)
	}
}
