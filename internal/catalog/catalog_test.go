package catalog

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"

	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/db"
)

// fakeIndex is one catalog entry in the fake database.
type fakeIndex struct {
	table   string
	def     string
	primary bool
	unique  bool
	valid   bool
	size    int64
}

// fakeDB answers the inspector's catalog queries from in-memory state.
type fakeDB struct {
	indexes map[string]fakeIndex
	tables  map[string]bool
}

func newFakeDB() *fakeDB {
	return &fakeDB{indexes: map[string]fakeIndex{}, tables: map[string]bool{}}
}

func (f *fakeDB) addIndex(name string, idx fakeIndex) {
	f.indexes[name] = idx
	f.tables[idx.table] = true
}

func (f *fakeDB) Exec(ctx context.Context, sql string) error {
	return fmt.Errorf("unexpected Exec: %s", sql)
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (db.Rows, error) {
	if !strings.Contains(sql, "WHERE tablename") {
		return nil, fmt.Errorf("unexpected Query: %s", sql)
	}
	table, _ := args[0].(string)
	var names []string
	for name, idx := range f.indexes {
		if idx.table == table {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	rows := &fakeRows{}
	for _, name := range names {
		rows.rows = append(rows.rows, []any{name})
	}
	return rows, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) db.Row {
	name, _ := args[0].(string)
	switch {
	case strings.Contains(sql, "indisprimary"):
		idx, ok := f.indexes[name]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{vals: []any{idx.table, idx.def, idx.primary, idx.unique}}
	case strings.Contains(sql, "indisvalid"):
		idx, ok := f.indexes[name]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		return fakeRow{vals: []any{idx.valid}}
	case strings.Contains(sql, "pg_relation_size"):
		idx, ok := f.indexes[name]
		if !ok {
			return fakeRow{vals: []any{(*int64)(nil)}}
		}
		size := idx.size
		return fakeRow{vals: []any{&size}}
	case strings.Contains(sql, "pg_tables"):
		return fakeRow{vals: []any{f.tables[name]}}
	default:
		return fakeRow{err: fmt.Errorf("unexpected QueryRow: %s", sql)}
	}
}

type fakeRows struct {
	rows [][]any
	pos  int
}

func (r *fakeRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	return fakeRow{vals: r.rows[r.pos-1]}.Scan(dest...)
}

func (r *fakeRows) Err() error { return nil }
func (r *fakeRows) Close()     {}

type fakeRow struct {
	vals []any
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != len(r.vals) {
		return fmt.Errorf("scan: want %d destinations, got %d", len(r.vals), len(dest))
	}
	for i, v := range r.vals {
		switch d := dest[i].(type) {
		case *bool:
			*d = v.(bool)
		case *string:
			*d = v.(string)
		case *int64:
			*d = v.(int64)
		case **int64:
			*d = v.(*int64)
		default:
			return fmt.Errorf("scan: unsupported destination %T", dest[i])
		}
	}
	return nil
}

func btreeDef(name, table, col string) string {
	return fmt.Sprintf("CREATE INDEX %s ON public.%s USING btree (%s)", name, table, col)
}

// --- CandidateDefinition ---

func TestCandidateDefinition(t *testing.T) {
	tests := []struct {
		name string
		def  string
		want string
	}{
		{
			name: "plain btree",
			def:  "CREATE INDEX orders_idx ON public.orders USING btree (created_at)",
			want: "CREATE INDEX CONCURRENTLY orders_idx_new ON public.orders USING btree (created_at)",
		},
		{
			name: "unique",
			def:  "CREATE UNIQUE INDEX orders_pkey ON public.orders USING btree (id)",
			want: "CREATE UNIQUE INDEX CONCURRENTLY orders_pkey_new ON public.orders USING btree (id)",
		},
		{
			name: "partial",
			def:  "CREATE INDEX live_idx ON public.orders USING btree (id) WHERE (deleted_at IS NULL)",
			want: "CREATE INDEX CONCURRENTLY live_idx_new ON public.orders USING btree (id) WHERE (deleted_at IS NULL)",
		},
		{
			name: "gin",
			def:  "CREATE INDEX tags_idx ON public.orders USING gin (tags)",
			want: "CREATE INDEX CONCURRENTLY tags_idx_new ON public.orders USING gin (tags)",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidate := strings.Fields(tt.def)[2]
			if strings.Contains(tt.def, "UNIQUE") {
				candidate = strings.Fields(tt.def)[3]
			}
			got, err := CandidateDefinition(tt.def, candidate+CandidateSuffix)
			if err != nil {
				t.Fatalf("CandidateDefinition: %v", err)
			}
			if got != tt.want {
				t.Errorf("got  %q\nwant %q", got, tt.want)
			}
		})
	}
}

func TestCandidateDefinition_Unrecognized(t *testing.T) {
	if _, err := CandidateDefinition("SELECT 1", "x_new"); err == nil {
		t.Fatal("expected error for non-index definition")
	}
}

// --- Resolve ---

func TestResolve_ExplicitIndexes(t *testing.T) {
	fdb := newFakeDB()
	fdb.addIndex("orders_idx", fakeIndex{table: "orders", def: btreeDef("orders_idx", "orders", "id")})

	insp := NewInspector(fdb)
	res, err := insp.Resolve(context.Background(), Selection{Indexes: []string{"orders_idx", "missing_idx"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if len(res.Descriptors) != 1 {
		t.Fatalf("descriptors = %d, want 1", len(res.Descriptors))
	}
	d := res.Descriptors[0]
	if d.Table != "orders" || d.Name != "orders_idx" || d.Candidate != "orders_idx_new" {
		t.Errorf("descriptor = %+v", d)
	}
	if !strings.Contains(d.CreateCandidate, "CONCURRENTLY orders_idx_new") {
		t.Errorf("create statement = %q", d.CreateCandidate)
	}
	if len(res.NotFound) != 1 || res.NotFound[0] != "missing_idx" {
		t.Errorf("not found = %v, want [missing_idx]", res.NotFound)
	}
}

func TestResolve_TableExpansionOrdered(t *testing.T) {
	fdb := newFakeDB()
	fdb.addIndex("z_idx", fakeIndex{table: "accounts", def: btreeDef("z_idx", "accounts", "a")})
	fdb.addIndex("a_idx", fakeIndex{table: "accounts", def: btreeDef("a_idx", "accounts", "b")})
	fdb.addIndex("m_idx", fakeIndex{table: "orders", def: btreeDef("m_idx", "orders", "c")})

	insp := NewInspector(fdb)
	// Tables given out of order; the result is ordered by (table, index).
	res, err := insp.Resolve(context.Background(), Selection{Tables: []string{"orders", "accounts"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var got []string
	for _, d := range res.Descriptors {
		got = append(got, d.Table+"."+d.Name)
	}
	want := []string{"accounts.a_idx", "accounts.z_idx", "orders.m_idx"}
	if len(got) != len(want) {
		t.Fatalf("descriptors = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestResolve_MissingTable(t *testing.T) {
	insp := NewInspector(newFakeDB())
	res, err := insp.Resolve(context.Background(), Selection{Tables: []string{"ghost"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.NotFound) != 1 || res.NotFound[0] != "ghost" {
		t.Errorf("not found = %v, want [ghost]", res.NotFound)
	}
}

func TestResolve_IgnoreList(t *testing.T) {
	fdb := newFakeDB()
	fdb.addIndex("keep_idx", fakeIndex{table: "orders", def: btreeDef("keep_idx", "orders", "a")})
	fdb.addIndex("skip_idx", fakeIndex{table: "orders", def: btreeDef("skip_idx", "orders", "b")})

	insp := NewInspector(fdb)
	res, err := insp.Resolve(context.Background(), Selection{
		Tables: []string{"orders"},
		Ignore: []string{"skip_idx"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if len(res.Descriptors) != 1 || res.Descriptors[0].Name != "keep_idx" {
		t.Errorf("descriptors = %+v", res.Descriptors)
	}
	if len(res.Ignored) != 1 || res.Ignored[0] != "skip_idx" {
		t.Errorf("ignored = %v, want [skip_idx]", res.Ignored)
	}
}

func TestResolve_SkipPrimaryAppliesToTableExpansionOnly(t *testing.T) {
	fdb := newFakeDB()
	fdb.addIndex("orders_pkey", fakeIndex{table: "orders", def: "CREATE UNIQUE INDEX orders_pkey ON public.orders USING btree (id)", primary: true})
	fdb.addIndex("orders_idx", fakeIndex{table: "orders", def: btreeDef("orders_idx", "orders", "a")})
	fdb.addIndex("users_pkey", fakeIndex{table: "users", def: "CREATE UNIQUE INDEX users_pkey ON public.users USING btree (id)", primary: true})

	insp := NewInspector(fdb)
	res, err := insp.Resolve(context.Background(), Selection{
		Tables:      []string{"orders"},
		Indexes:     []string{"users_pkey"}, // explicit selection wins over SkipPrimary
		SkipPrimary: true,
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	var names []string
	for _, d := range res.Descriptors {
		names = append(names, d.Name)
	}
	want := []string{"orders_idx", "users_pkey"}
	if len(names) != len(want) {
		t.Fatalf("descriptors = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("descriptor[%d] = %s, want %s", i, names[i], want[i])
		}
	}
}

func TestResolve_DeduplicatesExplicitAndTable(t *testing.T) {
	fdb := newFakeDB()
	fdb.addIndex("orders_idx", fakeIndex{table: "orders", def: btreeDef("orders_idx", "orders", "a")})

	insp := NewInspector(fdb)
	res, err := insp.Resolve(context.Background(), Selection{
		Tables:  []string{"orders"},
		Indexes: []string{"orders_idx"},
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(res.Descriptors) != 1 {
		t.Errorf("descriptors = %d, want 1 (deduplicated)", len(res.Descriptors))
	}
}

func TestResolve_ConstraintFlags(t *testing.T) {
	fdb := newFakeDB()
	fdb.addIndex("orders_pkey", fakeIndex{table: "orders", def: "CREATE UNIQUE INDEX orders_pkey ON public.orders USING btree (id)", primary: true})
	fdb.addIndex("orders_sku_key", fakeIndex{table: "orders", def: "CREATE UNIQUE INDEX orders_sku_key ON public.orders USING btree (sku)", unique: true})
	fdb.addIndex("orders_idx", fakeIndex{table: "orders", def: btreeDef("orders_idx", "orders", "a")})

	insp := NewInspector(fdb)
	res, err := insp.Resolve(context.Background(), Selection{Tables: []string{"orders"}})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	byName := map[string]IndexDescriptor{}
	for _, d := range res.Descriptors {
		byName[d.Name] = d
	}
	if !byName["orders_pkey"].IsPrimary || !byName["orders_pkey"].BacksConstraint() {
		t.Error("orders_pkey not flagged primary")
	}
	if !byName["orders_sku_key"].IsUniqueConstraint || !byName["orders_sku_key"].BacksConstraint() {
		t.Error("orders_sku_key not flagged unique-constraint")
	}
	if byName["orders_idx"].BacksConstraint() {
		t.Error("orders_idx wrongly flagged as constraint-backed")
	}
}

// --- IndexValid / IndexSize ---

func TestIndexValid(t *testing.T) {
	fdb := newFakeDB()
	fdb.addIndex("good_idx", fakeIndex{table: "orders", def: btreeDef("good_idx", "orders", "a"), valid: true})
	fdb.addIndex("bad_idx", fakeIndex{table: "orders", def: btreeDef("bad_idx", "orders", "b"), valid: false})

	insp := NewInspector(fdb)
	ctx := context.Background()

	if valid, err := insp.IndexValid(ctx, "good_idx"); err != nil || !valid {
		t.Errorf("good_idx: valid=%v err=%v, want true", valid, err)
	}
	if valid, err := insp.IndexValid(ctx, "bad_idx"); err != nil || valid {
		t.Errorf("bad_idx: valid=%v err=%v, want false", valid, err)
	}
	// A missing index is not an error: a failed build may leave nothing.
	if valid, err := insp.IndexValid(ctx, "missing_idx"); err != nil || valid {
		t.Errorf("missing_idx: valid=%v err=%v, want false, nil", valid, err)
	}
}

func TestIndexSize(t *testing.T) {
	fdb := newFakeDB()
	fdb.addIndex("sized_idx", fakeIndex{table: "orders", def: btreeDef("sized_idx", "orders", "a"), size: 123456})

	insp := NewInspector(fdb)
	ctx := context.Background()

	if size, err := insp.IndexSize(ctx, "sized_idx"); err != nil || size != 123456 {
		t.Errorf("sized_idx: size=%d err=%v, want 123456", size, err)
	}
	if size, err := insp.IndexSize(ctx, "missing_idx"); err != nil || size != 0 {
		t.Errorf("missing_idx: size=%d err=%v, want 0, nil", size, err)
	}
}
