package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Table names used by the engine.
const (
	TableNodes    = "nodes"
	TableClusters = "clusters"
	TableHosts    = "hosts"
	TableNodeLogs = "node_logs"
	TableAgents   = "agents"
)

var knownTables = map[string]bool{
	TableNodes:    true,
	TableClusters: true,
	TableHosts:    true,
	TableNodeLogs: true,
	TableAgents:   true,
}

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Record is a document that can be persisted in a table.
type Record interface {
	RecordID() string
}

// Validator is implemented by records that check their own invariants
// before being written.
type Validator interface {
	Validate() error
}

// Document is the raw JSON form of a stored record.
type Document = json.RawMessage

// Store is the persistent record store. Records are opaque JSON documents
// addressed by table and id. Only single-record writes are atomic.
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Documents
	Get(ctx context.Context, table, id string) (Document, error)
	Persist(ctx context.Context, table string, rec Record) error
	Update(ctx context.Context, table, id string, rec Record) error
	UpdateWhere(ctx context.Context, table string, pred Predicate, rec Record) (int64, error)
	Search(ctx context.Context, table string, pred Predicate) ([]Document, error)
	DeleteWhere(ctx context.Context, table string, pred Predicate) (int64, error)
	All(ctx context.Context, table string) ([]Document, error)
	Count(ctx context.Context, table string, pred Predicate) (int, error)

	// Snapshot writes a consistent copy of the whole store to dest.
	Snapshot(ctx context.Context, dest string) error
}

var fieldPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Predicate is a set of equality clauses on top-level document fields.
type Predicate struct {
	Fields map[string]any
	// Or joins the clauses with OR instead of AND.
	Or bool
}

// Where matches records whose fields all equal the given values.
func Where(kv ...any) Predicate {
	return Predicate{Fields: pairs(kv)}
}

// Any matches records where at least one field equals its value.
func Any(kv ...any) Predicate {
	return Predicate{Fields: pairs(kv), Or: true}
}

func pairs(kv []any) map[string]any {
	fields := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return fields
}

// clause renders the predicate as a SQL boolean expression and its args.
func (p Predicate) clause() (string, []any, error) {
	if len(p.Fields) == 0 {
		return "1 = 1", nil, nil
	}

	keys := make([]string, 0, len(p.Fields))
	for k := range p.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		if !fieldPattern.MatchString(k) {
			return "", nil, fmt.Errorf("invalid predicate field: %q", k)
		}
		v, err := sqlValue(p.Fields[k])
		if err != nil {
			return "", nil, fmt.Errorf("invalid value for field %s: %w", k, err)
		}
		if v == nil {
			parts = append(parts, fmt.Sprintf("json_extract(data, '$.%s') IS NULL", k))
			continue
		}
		parts = append(parts, fmt.Sprintf("json_extract(data, '$.%s') = ?", k))
		args = append(args, v)
	}

	joiner := " AND "
	if p.Or {
		joiner = " OR "
	}
	return "(" + strings.Join(parts, joiner) + ")", args, nil
}

// sqlValue converts named string types and booleans to values that compare
// equal to what json_extract returns.
func sqlValue(v any) (any, error) {
	switch val := v.(type) {
	case nil:
		return nil, nil
	case string, int, int64, float64:
		return val, nil
	case bool:
		if val {
			return 1, nil
		}
		return 0, nil
	case fmt.Stringer:
		return val.String(), nil
	}

	// Named string types (model.State, model.NodeType, ...)
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	return nil, fmt.Errorf("unsupported type %T", v)
}

func checkTable(table string) error {
	if !knownTables[table] {
		return fmt.Errorf("unknown table: %s", table)
	}
	return nil
}
