package database

import (
	"strings"
	"testing"
)

func migratedDB(t *testing.T) *SchemaValidator {
	t.Helper()
	db := openTestDB(t)
	if err := NewMigrationManager(db).ApplyMigrations(); err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	return NewSchemaValidator(db)
}

func TestSchemaValidator_MigratedSchemaPasses(t *testing.T) {
	v := migratedDB(t)

	if err := v.ValidateTablesExist(); err != nil {
		t.Errorf("ValidateTablesExist: %v", err)
	}
	if err := v.ValidateTableStructure(); err != nil {
		t.Errorf("ValidateTableStructure: %v", err)
	}
	if err := v.ValidateIndexes(); err != nil {
		t.Errorf("ValidateIndexes: %v", err)
	}
	if err := v.ValidateConstraints(); err != nil {
		t.Errorf("ValidateConstraints: %v", err)
	}
}

func TestSchemaValidator_EmptyDatabaseFails(t *testing.T) {
	v := NewSchemaValidator(openTestDB(t))

	err := v.ValidateTablesExist()
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Errorf("Expected missing table error, got %v", err)
	}
	if err := v.ValidateIndexes(); err == nil {
		t.Error("Expected missing index error")
	}
}

func TestSchemaValidator_DetectsWrongColumnType(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.Exec(`CREATE TABLE participant_sessions (participant_id TEXT, session_id INTEGER, updated_at DATETIME)`); err != nil {
		t.Fatalf("Failed to create table: %v", err)
	}

	err := NewSchemaValidator(db).ValidateTableStructure()
	if err == nil || !strings.Contains(err.Error(), "session_id") {
		t.Errorf("Expected session_id type error, got %v", err)
	}
}
