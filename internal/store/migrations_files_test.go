package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

var migrationsDir = filepath.Join("..", "..", "db", "migrations")

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := pattern.FindStringSubmatch(entry.Name())
		if match == nil {
			continue
		}
		version, direction := match[1], match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestLedgerGuardMigrationUsesBlockingTriggers(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, "0002_ledger_guard_triggers.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	sqlText := string(sqlBytes)

	for _, snippet := range []string{
		"moderation_actions_reversal_guard",
		"RAISE EXCEPTION",
		"ERRCODE = '55000'",
		"CREATE TRIGGER trg_moderation_actions_guard_update",
		"CREATE TRIGGER trg_moderation_actions_guard_delete",
		"CREATE TRIGGER trg_user_restrictions_guard_delete",
	} {
		if !strings.Contains(sqlText, snippet) {
			t.Fatalf("expected migration to contain %q", snippet)
		}
	}
	if strings.Contains(sqlText, "DO INSTEAD NOTHING") {
		t.Fatalf("expected hard-fail guard, found silent DO INSTEAD NOTHING rule")
	}
}

func TestSchemaDeclaresConstraintsMappedByStore(t *testing.T) {
	sqlBytes, err := os.ReadFile(filepath.Join(migrationsDir, "0001_moderation_schema.up.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	for _, name := range []string{constraintActiveRestriction, constraintPendingReport} {
		if !strings.Contains(string(sqlBytes), name) {
			t.Fatalf("schema no longer declares %s", name)
		}
	}
}
