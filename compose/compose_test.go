package compose_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/xraph/asynqlite/compose"
)

func TestCompose_InterleavesPlaceholders(t *testing.T) {
	q, err := compose.Compose(
		[]string{"SELECT * FROM users WHERE id = ", " AND name = ", ""},
		[]any{int64(1), "alice"},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.SQL != "SELECT * FROM users WHERE id = ? AND name = ?" {
		t.Errorf("SQL = %q, want placeholders between fragments", q.SQL)
	}
	if len(q.Args) != 2 || q.Args[0] != int64(1) || q.Args[1] != "alice" {
		t.Errorf("Args = %v, want values unchanged in order", q.Args)
	}
}

func TestCompose_SingleFragment(t *testing.T) {
	q, err := compose.Compose([]string{"SELECT 1"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.SQL != "SELECT 1" || len(q.Args) != 0 {
		t.Errorf("Compose single fragment = %+v, want verbatim SQL and no args", q)
	}
}

func TestCompose_TrailingEmptyFragment(t *testing.T) {
	q, err := compose.Compose([]string{"X", ""}, []any{42})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.SQL != "X?" {
		t.Errorf("SQL = %q, want %q", q.SQL, "X?")
	}
}

func TestCompose_ArityMismatch(t *testing.T) {
	tests := []struct {
		name      string
		fragments []string
		values    []any
	}{
		{"empty fragments", nil, nil},
		{"too few fragments", []string{"a"}, []any{1}},
		{"too many fragments", []string{"a", "b", "c"}, []any{1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := compose.Compose(tt.fragments, tt.values); !errors.Is(err, compose.ErrInvalidQuery) {
				t.Errorf("Compose error = %v, want ErrInvalidQuery", err)
			}
		})
	}
}

func TestCompose_NeverRendersValues(t *testing.T) {
	// A hostile value must never appear in the SQL text.
	q, err := compose.Compose(
		[]string{"SELECT * FROM users WHERE name = ", ""},
		[]any{"'; DROP TABLE users; --"},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(q.SQL, "DROP TABLE") {
		t.Errorf("SQL = %q, value leaked into statement text", q.SQL)
	}
	if got := strings.Count(q.SQL, "?"); got != 1 {
		t.Errorf("placeholder count = %d, want 1", got)
	}
}

func TestCompose_PlaceholderCountMatchesValues(t *testing.T) {
	fragments := []string{"a", "b", "c", "d", "e"}
	values := []any{1, 2.5, "x", nil}
	q, err := compose.Compose(fragments, values)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := strings.Count(q.SQL, "?"); got != len(values) {
		t.Errorf("placeholder count = %d, want %d", got, len(values))
	}
	// Removing the placeholders must restore the fragment concatenation.
	if got := strings.Join(strings.Split(q.SQL, "?"), ""); got != "abcde" {
		t.Errorf("fragments reassembled = %q, want %q", got, "abcde")
	}
}

func TestBind_CountsPlaceholders(t *testing.T) {
	q, err := compose.Bind("SELECT * FROM t WHERE a = ? AND b = ?", []any{1, 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(q.Args) != 2 {
		t.Errorf("Args = %v, want 2 values", q.Args)
	}
}

func TestBind_Mismatch(t *testing.T) {
	if _, err := compose.Bind("SELECT ?", []any{1, 2}); !errors.Is(err, compose.ErrInvalidQuery) {
		t.Errorf("Bind error = %v, want ErrInvalidQuery", err)
	}
}

func TestPlaceholders_SkipsLiteralsAndComments(t *testing.T) {
	tests := []struct {
		sql  string
		want int
	}{
		{"SELECT ?", 1},
		{"SELECT '?'", 0},
		{`SELECT "?"`, 0},
		{"SELECT '??' , ?", 1},
		{"SELECT 'it''s ?' , ?", 1},
		{"SELECT ? -- trailing ? comment", 1},
		{"SELECT ? /* block ? */ , ?", 2},
		{"SELECT `?` , ?", 1},
	}
	for _, tt := range tests {
		if got := compose.Placeholders(tt.sql); got != tt.want {
			t.Errorf("Placeholders(%q) = %d, want %d", tt.sql, got, tt.want)
		}
	}
}
