package table

import (
	"reflect"
	"testing"
)

func mustNew(t *testing.T, name string, cols []string, rows [][]any) Table {
	t.Helper()
	tb, err := New(name, cols, rows)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return tb
}

func TestNew_NormalizesAndValidates(t *testing.T) {
	tb := mustNew(t, "t", []string{"a", "b"}, [][]any{{int32(3), []byte("x")}})
	if got := tb.Rows[0][0]; got != int64(3) {
		t.Fatalf("int32 not widened: %T %v", got, got)
	}
	if got := tb.Rows[0][1]; got != "x" {
		t.Fatalf("[]byte not converted: %T %v", got, got)
	}

	if _, err := New("t", []string{"a"}, [][]any{{1, 2}}); err == nil {
		t.Fatalf("expected width error")
	}
	if _, err := New("t", []string{"a", "a"}, nil); err == nil {
		t.Fatalf("expected duplicate column error")
	}
}

func TestProject_MissingColumn(t *testing.T) {
	tb := mustNew(t, "t", []string{"a", "b"}, [][]any{{"1", "2"}})
	p, err := tb.Project("b")
	if err != nil {
		t.Fatalf("Project: %v", err)
	}
	if !reflect.DeepEqual(p.Rows, [][]any{{"2"}}) {
		t.Fatalf("unexpected rows: %#v", p.Rows)
	}
	if _, err := tb.Project("b", "zzz"); err == nil {
		t.Fatalf("expected missing column error")
	}
}

func TestConcat_UnionsColumnsAndKeepsOrder(t *testing.T) {
	a := mustNew(t, "x", []string{"k", "v"}, [][]any{{"a", int64(1)}, {"b", int64(2)}})
	b := mustNew(t, "x", []string{"k", "extra"}, [][]any{{"c", true}})

	got := Concat(a, b)
	if !reflect.DeepEqual(got.Columns, []string{"k", "v", "extra"}) {
		t.Fatalf("columns=%v", got.Columns)
	}
	want := [][]any{
		{"a", int64(1), nil},
		{"b", int64(2), nil},
		{"c", nil, true},
	}
	if !reflect.DeepEqual(got.Rows, want) {
		t.Fatalf("rows=%#v", got.Rows)
	}
}

func TestDropDuplicates_TypeTagged(t *testing.T) {
	tb := mustNew(t, "t", []string{"a"}, [][]any{{"1"}, {int64(1)}, {"1"}, {nil}, {""}, {nil}})
	got := tb.DropDuplicates()
	want := [][]any{{"1"}, {int64(1)}, {nil}, {""}}
	if !reflect.DeepEqual(got.Rows, want) {
		t.Fatalf("rows=%#v", got.Rows)
	}
}

func TestDropDuplicatesBy_FirstWins(t *testing.T) {
	tb := mustNew(t, "t", []string{"k", "v"}, [][]any{{"a", "new"}, {"b", "x"}, {"a", "old"}})
	got, err := tb.DropDuplicatesBy("k")
	if err != nil {
		t.Fatalf("DropDuplicatesBy: %v", err)
	}
	want := [][]any{{"a", "new"}, {"b", "x"}}
	if !reflect.DeepEqual(got.Rows, want) {
		t.Fatalf("rows=%#v", got.Rows)
	}
	if _, err := tb.DropDuplicatesBy("nope"); err == nil {
		t.Fatalf("expected unknown column error")
	}
}

func TestSplit_TableDriven(t *testing.T) {
	rows := make([][]any, 10)
	for i := range rows {
		rows[i] = []any{int64(i)}
	}
	tb := mustNew(t, "t", []string{"i"}, rows)

	tests := []struct {
		name  string
		n     int
		sizes []int
	}{
		{name: "zero_means_one", n: 0, sizes: []int{10}},
		{name: "even", n: 5, sizes: []int{2, 2, 2, 2, 2}},
		{name: "uneven_front_loaded", n: 4, sizes: []int{3, 3, 2, 2}},
		{name: "more_parts_than_rows", n: 50, sizes: []int{1, 1, 1, 1, 1, 1, 1, 1, 1, 1}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			parts := tb.Split(tc.n)
			if len(parts) != len(tc.sizes) {
				t.Fatalf("parts=%d want %d", len(parts), len(tc.sizes))
			}
			next := int64(0)
			for i, p := range parts {
				if p.Len() != tc.sizes[i] {
					t.Fatalf("part %d len=%d want %d", i, p.Len(), tc.sizes[i])
				}
				for _, r := range p.Rows {
					if r[0] != next {
						t.Fatalf("order broken: got %v want %d", r[0], next)
					}
					next++
				}
			}
		})
	}

	empty := Empty("e", []string{"i"})
	if parts := empty.Split(3); len(parts) != 1 || parts[0].Len() != 0 {
		t.Fatalf("empty split: %#v", parts)
	}
}

func TestSetColumn_ReplacesAndAppends(t *testing.T) {
	tb := mustNew(t, "t", []string{"a"}, [][]any{{"x"}, {"y"}})

	got, err := tb.SetColumn("a", []any{int64(1), int64(2)})
	if err != nil {
		t.Fatalf("SetColumn: %v", err)
	}
	if got.Rows[1][0] != int64(2) || tb.Rows[1][0] != "y" {
		t.Fatalf("replace mutated source or failed: got=%v src=%v", got.Rows, tb.Rows)
	}

	got, err = tb.SetColumn("b", []any{nil, "z"})
	if err != nil {
		t.Fatalf("SetColumn append: %v", err)
	}
	if !reflect.DeepEqual(got.Columns, []string{"a", "b"}) || got.Rows[1][1] != "z" {
		t.Fatalf("append failed: %#v", got)
	}

	if _, err := tb.SetColumn("a", []any{1}); err == nil {
		t.Fatalf("expected length error")
	}
}

func TestFloat(t *testing.T) {
	if f, ok := Float(" 40.64 "); !ok || f != 40.64 {
		t.Fatalf("Float string: %v %v", f, ok)
	}
	if _, ok := Float("n/a"); ok {
		t.Fatalf("expected parse failure")
	}
	if _, ok := Float(nil); ok {
		t.Fatalf("expected nil failure")
	}
}
