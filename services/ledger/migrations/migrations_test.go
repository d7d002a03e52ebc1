package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestDriverURL(t *testing.T) {
	cases := map[string]string{
		"postgres://u:p@db:5432/ledger?sslmode=disable":   "pgx5://u:p@db:5432/ledger?sslmode=disable",
		"postgresql://u:p@db:5432/ledger?sslmode=disable": "pgx5://u:p@db:5432/ledger?sslmode=disable",
		"pgx5://already":                                  "pgx5://already",
	}
	for in, want := range cases {
		if got := driverURL(in); got != want {
			t.Fatalf("driverURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	ups, downs := map[string]bool{}, map[string]bool{}
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Fatalf("unexpected migration file %s", name)
		}
	}
	if len(ups) == 0 {
		t.Fatalf("no migrations embedded")
	}
	for version := range ups {
		if !downs[version] {
			t.Fatalf("migration %s has no down file", version)
		}
	}
}
