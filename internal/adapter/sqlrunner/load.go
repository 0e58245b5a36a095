package sqlrunner

import (
	"bufio"
	"bytes"
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"

	"github.com/fairyhunter13/ai-data-analyst/internal/domain"
)

// inferSampleRows bounds how many leading rows the CSV and JSON loaders scan
// before committing to a column type.
const inferSampleRows = 1000

const insertBatchSize = 500

var parquetMagic = []byte("PAR1")

// loadedTable describes a dataset materialized into the worker database.
type loadedTable struct {
	Name    string
	Columns []domain.ColumnSchema
}

// loadFile reads the cached dataset at path and materializes it as tableName
// inside db. The format is picked from the file suffix first and from the
// leading bytes when the suffix is absent or unknown.
func loadFile(ctx domain.Context, db *sql.DB, path, tableName string) (*loadedTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open dataset: %w", err)
	}
	defer f.Close()

	switch detectFormat(path, f) {
	case "parquet":
		return loadParquet(ctx, db, f, tableName)
	case "json":
		return loadJSON(ctx, db, f, tableName)
	default:
		return loadCSV(ctx, db, f, tableName, sepForPath(path))
	}
}

func detectFormat(path string, f *os.File) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".parquet":
		return "parquet"
	case ".json", ".ndjson", ".jsonl":
		return "json"
	case ".csv", ".tsv", ".txt":
		return "csv"
	}
	head := make([]byte, 512)
	n, _ := io.ReadFull(f, head)
	head = head[:n]
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "csv"
	}
	if bytes.HasPrefix(head, parquetMagic) {
		return "parquet"
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return "json"
	}
	return "csv"
}

func sepForPath(path string) rune {
	if strings.EqualFold(filepath.Ext(path), ".tsv") {
		return '\t'
	}
	return ','
}

// sanitizeColumns converts raw header names into unique SQL identifiers.
// Invalid characters collapse to underscores, names starting with a digit get
// a leading underscore and collisions get a numeric suffix.
func sanitizeColumns(raw []string) []string {
	out := make([]string, len(raw))
	seen := make(map[string]int, len(raw))
	for i, name := range raw {
		var b strings.Builder
		for _, r := range name {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
				b.WriteRune(r)
			case r == ' ' || r == '-' || r == '.' || r == '/':
				b.WriteByte('_')
			}
		}
		s := b.String()
		if s == "" {
			s = fmt.Sprintf("column%d", i+1)
		}
		if s[0] >= '0' && s[0] <= '9' {
			s = "_" + s
		}
		base := s
		for n := seen[strings.ToLower(s)]; n > 0; n = seen[strings.ToLower(s)] {
			seen[strings.ToLower(base)] = n + 1
			s = fmt.Sprintf("%s_%d", base, n+1)
		}
		seen[strings.ToLower(s)]++
		out[i] = s
	}
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// validTableName guards against identifier injection through stored dataset
// metadata. Table names are generated server-side but are persisted, so they
// are revalidated on every load.
func validTableName(name string) bool {
	if name == "" || len(name) > 64 {
		return false
	}
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// columnTyper infers the narrowest SQLite affinity that holds every non-null
// sample it has seen. The lattice is INTEGER -> REAL -> TEXT.
type columnTyper struct {
	kinds []string
}

func newColumnTyper(n int) *columnTyper {
	k := make([]string, n)
	for i := range k {
		k[i] = ""
	}
	return &columnTyper{kinds: k}
}

func (t *columnTyper) observeString(i int, v string) {
	if v == "" || t.kinds[i] == "TEXT" {
		if v != "" {
			t.kinds[i] = "TEXT"
		}
		return
	}
	if _, err := strconv.ParseInt(v, 10, 64); err == nil {
		if t.kinds[i] == "" {
			t.kinds[i] = "INTEGER"
		}
		return
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		if t.kinds[i] == "" || t.kinds[i] == "INTEGER" {
			t.kinds[i] = "REAL"
		}
		return
	}
	t.kinds[i] = "TEXT"
}

func (t *columnTyper) observeValue(i int, v any) {
	switch v.(type) {
	case nil:
	case bool, int64:
		if t.kinds[i] == "" {
			t.kinds[i] = "INTEGER"
		} else if t.kinds[i] == "REAL" || t.kinds[i] == "TEXT" {
			return
		}
	case float64:
		if t.kinds[i] == "" || t.kinds[i] == "INTEGER" {
			t.kinds[i] = "REAL"
		}
	default:
		t.kinds[i] = "TEXT"
	}
}

func (t *columnTyper) types() []string {
	out := make([]string, len(t.kinds))
	for i, k := range t.kinds {
		if k == "" {
			k = "TEXT"
		}
		out[i] = k
	}
	return out
}

func createTable(ctx domain.Context, db *sql.DB, tableName string, cols, types []string) error {
	defs := make([]string, len(cols))
	for i, c := range cols {
		defs[i] = quoteIdent(c) + " " + types[i]
	}
	stmt := fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(tableName), strings.Join(defs, ", "))
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create table %s: %w", tableName, err)
	}
	return nil
}

// batchInserter writes rows inside a single transaction with a prepared
// statement, flushing the transaction every insertBatchSize rows so a huge
// dataset does not pin the whole journal in memory.
type batchInserter struct {
	ctx     domain.Context
	db      *sql.DB
	insert  string
	tx      *sql.Tx
	stmt    *sql.Stmt
	pending int
}

func newBatchInserter(ctx domain.Context, db *sql.DB, tableName string, cols []string) *batchInserter {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
	return &batchInserter{
		ctx: ctx,
		db:  db,
		insert: fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			quoteIdent(tableName), strings.Join(quoted, ", "), placeholders),
	}
}

func (b *batchInserter) Add(values []any) error {
	if b.tx == nil {
		tx, err := b.db.BeginTx(b.ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert tx: %w", err)
		}
		stmt, err := tx.PrepareContext(b.ctx, b.insert)
		if err != nil {
			tx.Rollback()
			return fmt.Errorf("prepare insert: %w", err)
		}
		b.tx, b.stmt = tx, stmt
	}
	if _, err := b.stmt.ExecContext(b.ctx, values...); err != nil {
		return fmt.Errorf("insert row: %w", err)
	}
	b.pending++
	if b.pending >= insertBatchSize {
		return b.Flush()
	}
	return nil
}

func (b *batchInserter) Flush() error {
	if b.tx == nil {
		return nil
	}
	b.stmt.Close()
	if err := b.tx.Commit(); err != nil {
		b.tx = nil
		return fmt.Errorf("commit insert tx: %w", err)
	}
	b.tx, b.stmt, b.pending = nil, nil, 0
	return nil
}

func (b *batchInserter) Abort() {
	if b.tx != nil {
		b.stmt.Close()
		b.tx.Rollback()
		b.tx = nil
	}
}

func loadCSV(ctx domain.Context, db *sql.DB, r io.Reader, tableName string, sep rune) (*loadedTable, error) {
	cr := csv.NewReader(bufio.NewReaderSize(r, 1<<16))
	cr.Comma = sep
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, fmt.Errorf("csv file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	cols := sanitizeColumns(append([]string(nil), header...))

	// First pass over a bounded sample to settle column types.
	typer := newColumnTyper(len(cols))
	sample := make([][]string, 0, 256)
	for len(sample) < inferSampleRows {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", len(sample)+2, err)
		}
		row := normalizeRecord(rec, len(cols))
		for i, v := range row {
			typer.observeString(i, v)
		}
		sample = append(sample, row)
	}
	types := typer.types()
	if err := createTable(ctx, db, tableName, cols, types); err != nil {
		return nil, err
	}

	ins := newBatchInserter(ctx, db, tableName, cols)
	defer ins.Abort()
	for _, row := range sample {
		if err := ins.Add(csvValues(row, types)); err != nil {
			return nil, err
		}
	}
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row: %w", err)
		}
		if err := ins.Add(csvValues(normalizeRecord(rec, len(cols)), types)); err != nil {
			return nil, err
		}
	}
	if err := ins.Flush(); err != nil {
		return nil, err
	}
	return &loadedTable{Name: tableName, Columns: schemaFor(cols, types)}, nil
}

// normalizeRecord pads or trims a record to the header width so ragged rows
// load instead of aborting the whole file.
func normalizeRecord(rec []string, width int) []string {
	row := make([]string, width)
	for i := 0; i < width && i < len(rec); i++ {
		row[i] = rec[i]
	}
	return row
}

// csvValues converts raw CSV fields into driver values. Empty fields become
// NULL; fields that no longer fit the settled type fall back to their text
// form rather than failing the load.
func csvValues(row []string, types []string) []any {
	vals := make([]any, len(row))
	for i, v := range row {
		if v == "" {
			vals[i] = nil
			continue
		}
		switch types[i] {
		case "INTEGER":
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				vals[i] = n
				continue
			}
		case "REAL":
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				vals[i] = f
				continue
			}
		}
		vals[i] = v
	}
	return vals
}

// loadJSON accepts either a top-level array of objects or newline-delimited
// objects. Column order follows first appearance; nested values are stored as
// serialized JSON text.
func loadJSON(ctx domain.Context, db *sql.DB, r io.Reader, tableName string) (*loadedTable, error) {
	br := bufio.NewReaderSize(r, 1<<16)
	first, err := firstNonSpace(br)
	if err != nil {
		return nil, fmt.Errorf("read json: %w", err)
	}
	switch first {
	case '[':
		dec := json.NewDecoder(br)
		dec.UseNumber()
		if _, err := dec.Token(); err != nil {
			return nil, fmt.Errorf("read json array: %w", err)
		}
		return loadJSONArray(ctx, db, dec, tableName)
	case '{':
		return loadNDJSON(ctx, db, br, tableName)
	default:
		return nil, fmt.Errorf("json root must be an array or an object")
	}
}

func firstNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

// jsonRows accumulates decoded objects while tracking column order by first
// appearance. Key order comes from the document, not from map iteration, so
// the derived schema is deterministic.
type jsonRows struct {
	order []string
	index map[string]int
	rows  []map[string]any
}

func newJSONRows() *jsonRows {
	return &jsonRows{index: map[string]int{}}
}

func (j *jsonRows) add(keys []string, obj map[string]any) {
	for _, k := range keys {
		if _, ok := j.index[k]; !ok {
			j.index[k] = len(j.order)
			j.order = append(j.order, k)
		}
	}
	j.rows = append(j.rows, obj)
}

// decodeObjectOrdered reads one JSON object from dec, returning its keys in
// document order alongside the decoded values.
func decodeObjectOrdered(dec *json.Decoder) ([]string, map[string]any, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, nil, fmt.Errorf("expected an object, got %v", tok)
	}
	var keys []string
	vals := map[string]any{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, nil, err
		}
		key, ok := kt.(string)
		if !ok {
			return nil, nil, fmt.Errorf("expected an object key, got %v", kt)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, nil, err
		}
		if _, dup := vals[key]; !dup {
			keys = append(keys, key)
		}
		vals[key] = v
	}
	if _, err := dec.Token(); err != nil {
		return nil, nil, err
	}
	return keys, vals, nil
}

func loadJSONArray(ctx domain.Context, db *sql.DB, dec *json.Decoder, tableName string) (*loadedTable, error) {
	acc := newJSONRows()
	for dec.More() {
		keys, obj, err := decodeObjectOrdered(dec)
		if err != nil {
			return nil, fmt.Errorf("decode json object %d: %w", len(acc.rows)+1, err)
		}
		acc.add(keys, obj)
	}
	return storeJSONRows(ctx, db, tableName, acc)
}

func loadNDJSON(ctx domain.Context, db *sql.DB, r io.Reader, tableName string) (*loadedTable, error) {
	acc := newJSONRows()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 1<<16), 16<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		d := json.NewDecoder(strings.NewReader(text))
		d.UseNumber()
		keys, obj, err := decodeObjectOrdered(d)
		if err != nil {
			return nil, fmt.Errorf("decode json line %d: %w", line, err)
		}
		acc.add(keys, obj)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan json lines: %w", err)
	}
	return storeJSONRows(ctx, db, tableName, acc)
}

func storeJSONRows(ctx domain.Context, db *sql.DB, tableName string, acc *jsonRows) (*loadedTable, error) {
	if len(acc.order) == 0 {
		return nil, fmt.Errorf("json file contains no objects")
	}
	cols := sanitizeColumns(acc.order)
	typer := newColumnTyper(len(cols))
	for n, row := range acc.rows {
		if n >= inferSampleRows {
			break
		}
		for i, key := range acc.order {
			typer.observeValue(i, jsonScalar(row[key]))
		}
	}
	types := typer.types()
	if err := createTable(ctx, db, tableName, cols, types); err != nil {
		return nil, err
	}
	ins := newBatchInserter(ctx, db, tableName, cols)
	defer ins.Abort()
	for _, row := range acc.rows {
		vals := make([]any, len(cols))
		for i, key := range acc.order {
			vals[i] = jsonScalar(row[key])
		}
		if err := ins.Add(vals); err != nil {
			return nil, err
		}
	}
	if err := ins.Flush(); err != nil {
		return nil, err
	}
	return &loadedTable{Name: tableName, Columns: schemaFor(cols, types)}, nil
}

// jsonScalar flattens a decoded JSON value to a driver value. Objects and
// arrays keep their JSON text form so they stay queryable with the engine's
// json functions.
func jsonScalar(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case string:
		return t
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return n
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case float64:
		return t
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(raw)
	}
}

func loadParquet(ctx domain.Context, db *sql.DB, f *os.File, tableName string) (*loadedTable, error) {
	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat parquet: %w", err)
	}
	pf, err := parquet.OpenFile(f, st.Size())
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}
	fields := pf.Schema().Fields()
	rawNames := make([]string, len(fields))
	types := make([]string, len(fields))
	for i, fld := range fields {
		rawNames[i] = fld.Name()
		types[i] = parquetSQLType(fld)
	}
	cols := sanitizeColumns(rawNames)
	if err := createTable(ctx, db, tableName, cols, types); err != nil {
		return nil, err
	}

	ins := newBatchInserter(ctx, db, tableName, cols)
	defer ins.Abort()
	buf := make([]parquet.Row, 128)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for _, row := range buf[:n] {
				vals := make([]any, len(cols))
				for _, v := range row {
					ci := v.Column()
					if ci < 0 || ci >= len(vals) {
						continue
					}
					vals[ci] = parquetScalar(v)
				}
				if err := ins.Add(vals); err != nil {
					rows.Close()
					return nil, err
				}
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("read parquet rows: %w", err)
			}
		}
		if err := rows.Close(); err != nil {
			return nil, fmt.Errorf("close parquet row group: %w", err)
		}
	}
	if err := ins.Flush(); err != nil {
		return nil, err
	}
	return &loadedTable{Name: tableName, Columns: schemaFor(cols, types)}, nil
}

func parquetSQLType(fld parquet.Field) string {
	if !fld.Leaf() {
		return "TEXT"
	}
	switch fld.Type().Kind() {
	case parquet.Boolean, parquet.Int32, parquet.Int64:
		return "INTEGER"
	case parquet.Float, parquet.Double:
		return "REAL"
	default:
		return "TEXT"
	}
}

func parquetScalar(v parquet.Value) any {
	if v.IsNull() {
		return nil
	}
	switch v.Kind() {
	case parquet.Boolean:
		if v.Boolean() {
			return int64(1)
		}
		return int64(0)
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return v.String()
	}
}

func schemaFor(cols, types []string) []domain.ColumnSchema {
	out := make([]domain.ColumnSchema, len(cols))
	for i := range cols {
		out[i] = domain.ColumnSchema{Name: cols[i], Type: types[i]}
	}
	return out
}
