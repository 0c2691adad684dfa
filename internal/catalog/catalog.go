// Package catalog resolves table and index selections against the Postgres
// system catalogs and answers validity and size questions about indexes.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/hartmut-co-uk/pg-reindex-concurrently/internal/db"
)

// CandidateSuffix is appended to an index name to form the replacement
// build's name.
const CandidateSuffix = "_new"

// IndexDescriptor identifies one index to rebuild. Immutable once resolved.
type IndexDescriptor struct {
	Table              string
	Name               string
	Candidate          string
	Definition         string // current definition from pg_indexes.indexdef
	CreateCandidate    string // definition rewritten to build the candidate concurrently
	IsPrimary          bool   // index backs the table's primary key
	IsUniqueConstraint bool   // index backs a unique constraint
}

// BacksConstraint reports whether the swap must go through constraint
// management instead of a bare drop-and-rename.
func (d IndexDescriptor) BacksConstraint() bool {
	return d.IsPrimary || d.IsUniqueConstraint
}

// Selection is the caller-supplied choice of work.
type Selection struct {
	Tables      []string
	Indexes     []string
	Ignore      []string // applied after table expansion and explicit selection
	SkipPrimary bool     // exclude primary-key-backing indexes found via tables
}

// Resolution is the outcome of resolving a Selection: the ordered work list
// plus the targets that were excluded and why.
type Resolution struct {
	Descriptors []IndexDescriptor
	NotFound    []string // named tables or indexes that do not exist
	Ignored     []string // indexes excluded by the ignore list
}

// Inspector reads the system catalogs over a database session.
type Inspector struct {
	db db.Executor
}

// NewInspector creates an Inspector on the given session.
func NewInspector(ex db.Executor) *Inspector {
	return &Inspector{db: ex}
}

// indexDefPattern splits an indexdef into the part before the index name,
// the name itself, and the part after "ON". Same rewrite the original
// regexp_replace performed server-side.
var indexDefPattern = regexp.MustCompile(`^(.*?)INDEX (\S+) ON (.*)$`)

// CandidateDefinition rewrites an index definition into the statement that
// builds the candidate concurrently under its generated name.
func CandidateDefinition(indexdef, candidate string) (string, error) {
	m := indexDefPattern.FindStringSubmatch(indexdef)
	if m == nil {
		return "", fmt.Errorf("catalog: unrecognized index definition: %s", indexdef)
	}
	return m[1] + "INDEX CONCURRENTLY " + candidate + " ON " + m[3], nil
}

const indexInfoQuery = `
	SELECT i.tablename, i.indexdef, ix.indisprimary,
	       EXISTS (
	         SELECT 1 FROM pg_constraint con
	         WHERE con.conindid = c.oid AND con.contype = 'u'
	       ) AS is_unique_constraint
	FROM pg_class c
	INNER JOIN pg_indexes i ON c.relname = i.indexname
	INNER JOIN pg_index ix ON c.oid = ix.indexrelid
	WHERE c.relname = $1`

// lookupIndex fetches the descriptor for one index name. Returns
// (nil, nil) when the index does not exist.
func (in *Inspector) lookupIndex(ctx context.Context, name string) (*IndexDescriptor, error) {
	var (
		table, indexdef   string
		isPrimary, isUniq bool
	)
	err := in.db.QueryRow(ctx, indexInfoQuery, name).Scan(&table, &indexdef, &isPrimary, &isUniq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: look up index %s: %w", name, err)
	}

	candidate := name + CandidateSuffix
	create, err := CandidateDefinition(indexdef, candidate)
	if err != nil {
		return nil, err
	}
	return &IndexDescriptor{
		Table:              table,
		Name:               name,
		Candidate:          candidate,
		Definition:         indexdef,
		CreateCandidate:    create,
		IsPrimary:          isPrimary,
		IsUniqueConstraint: isUniq,
	}, nil
}

// tableExists reports whether the named table exists.
func (in *Inspector) tableExists(ctx context.Context, table string) (bool, error) {
	var exists bool
	err := in.db.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_tables WHERE tablename = $1)", table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("catalog: check table %s: %w", table, err)
	}
	return exists, nil
}

// tableIndexes lists the index names of a table, ordered by name.
func (in *Inspector) tableIndexes(ctx context.Context, table string) ([]string, error) {
	rows, err := in.db.Query(ctx,
		"SELECT indexname FROM pg_indexes WHERE tablename = $1 ORDER BY indexname", table)
	if err != nil {
		return nil, fmt.Errorf("catalog: list indexes of %s: %w", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("catalog: scan index of %s: %w", table, err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: list indexes of %s: %w", table, err)
	}
	return names, nil
}

// Resolve turns a Selection into an ordered Resolution. Named targets that
// do not exist are recorded in NotFound and excluded; the rest of the run
// proceeds. The descriptor order is lexicographic by (table, index) so
// interrupted runs repeat work in a stable sequence.
func (in *Inspector) Resolve(ctx context.Context, sel Selection) (*Resolution, error) {
	ignored := make(map[string]bool, len(sel.Ignore))
	for _, name := range sel.Ignore {
		ignored[name] = true
	}

	res := &Resolution{}
	seen := make(map[string]bool)

	add := func(name string, fromTable bool) error {
		if seen[name] {
			return nil
		}
		seen[name] = true
		if ignored[name] {
			res.Ignored = append(res.Ignored, name)
			return nil
		}
		desc, err := in.lookupIndex(ctx, name)
		if err != nil {
			return err
		}
		if desc == nil {
			res.NotFound = append(res.NotFound, name)
			return nil
		}
		if fromTable && sel.SkipPrimary && desc.IsPrimary {
			return nil
		}
		res.Descriptors = append(res.Descriptors, *desc)
		return nil
	}

	for _, name := range sel.Indexes {
		if err := add(name, false); err != nil {
			return nil, err
		}
	}

	for _, table := range sel.Tables {
		exists, err := in.tableExists(ctx, table)
		if err != nil {
			return nil, err
		}
		if !exists {
			res.NotFound = append(res.NotFound, table)
			continue
		}
		names, err := in.tableIndexes(ctx, table)
		if err != nil {
			return nil, err
		}
		for _, name := range names {
			if err := add(name, true); err != nil {
				return nil, err
			}
		}
	}

	sort.Slice(res.Descriptors, func(i, j int) bool {
		a, b := res.Descriptors[i], res.Descriptors[j]
		if a.Table != b.Table {
			return a.Table < b.Table
		}
		return a.Name < b.Name
	})
	return res, nil
}

// IndexValid reports whether the named index exists and is marked valid.
// A missing index reports false: a failed concurrent build may leave no
// artifact at all.
func (in *Inspector) IndexValid(ctx context.Context, name string) (bool, error) {
	var valid bool
	err := in.db.QueryRow(ctx, `
		SELECT ix.indisvalid
		FROM pg_class c
		INNER JOIN pg_index ix ON ix.indexrelid = c.oid
		WHERE c.relname = $1`, name).Scan(&valid)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("catalog: check validity of %s: %w", name, err)
	}
	return valid, nil
}

// IndexSize returns the on-disk size of the named index in bytes, or 0 if
// the index does not exist.
func (in *Inspector) IndexSize(ctx context.Context, name string) (int64, error) {
	var size *int64
	err := in.db.QueryRow(ctx,
		"SELECT pg_relation_size(to_regclass($1))", name).Scan(&size)
	if err != nil {
		return 0, fmt.Errorf("catalog: size of %s: %w", name, err)
	}
	if size == nil {
		return 0, nil
	}
	return *size, nil
}
