package db

import (
	"testing"
	"testing/fstest"
	"time"
)

func TestLoadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"001_prescription.sql": {Data: []byte("CREATE TABLE prescription (id UUID PRIMARY KEY);")},
		"002_audit.sql":        {Data: []byte("CREATE TABLE prescription_audit_event (id UUID PRIMARY KEY);")},
	}

	migrator, err := NewMigrator(nil, fsys, "")
	if err != nil {
		t.Fatalf("NewMigrator() error: %v", err)
	}
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	if len(migrations) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(migrations))
	}
	if migrations[0].Version != 1 || migrations[0].Name != "001_prescription.sql" {
		t.Errorf("unexpected first migration %+v", migrations[0])
	}
	if migrations[0].SQL != "CREATE TABLE prescription (id UUID PRIMARY KEY);" {
		t.Errorf("unexpected SQL content: %s", migrations[0].SQL)
	}
	if migrations[1].Version != 2 {
		t.Errorf("expected version 2, got %d", migrations[1].Version)
	}
}

func TestLoadMigrations_SortOrderAndSkips(t *testing.T) {
	fsys := fstest.MapFS{
		"010_tables.sql":  {Data: []byte("SELECT 10;")},
		"002_second.sql":  {Data: []byte("SELECT 2;")},
		"001_first.sql":   {Data: []byte("SELECT 1;")},
		"readme.sql":      {Data: []byte("-- no version prefix")},
		"notes.txt":       {Data: []byte("not sql")},
		"abc_invalid.sql": {Data: []byte("-- non-numeric prefix")},
		"sub/003_x.sql":   {Data: []byte("SELECT 3;")},
	}

	migrator, _ := NewMigrator(nil, fsys, "public")
	migrations, err := migrator.LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}

	expected := []int{1, 2, 10}
	if len(migrations) != len(expected) {
		t.Fatalf("expected %d migrations, got %d", len(expected), len(migrations))
	}
	for i, v := range expected {
		if migrations[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, migrations[i].Version)
		}
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql":  {Data: []byte("SELECT 1;")},
		"0001_b.sql": {Data: []byte("SELECT 1;")},
	}
	migrator, _ := NewMigrator(nil, fsys, "")
	if _, err := migrator.LoadMigrations(); err == nil {
		t.Error("expected error for duplicate versions")
	}
}

func TestNewMigrator_RejectsBadSchema(t *testing.T) {
	if _, err := NewMigrator(nil, fstest.MapFS{}, "public; DROP TABLE x"); err == nil {
		t.Error("expected error for injected schema name")
	}
}

func TestPending(t *testing.T) {
	migrations := []Migration{{Version: 1}, {Version: 2}, {Version: 3}}
	applied := map[int]time.Time{1: time.Now(), 3: time.Now()}

	pending := Pending(migrations, applied)
	if len(pending) != 1 || pending[0].Version != 2 {
		t.Errorf("expected only version 2 pending, got %+v", pending)
	}
}
