package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator provides database schema validation functionality
// ARCHITECTURAL DISCOVERY: Separate validation component enables testing
// and deployment verification without coupling to migration system
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"participant_sessions": "Forward participant map",
		"session_members":      "Reverse session map",
		"schema_migrations":    "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}
	return nil
}

// ValidateTableStructure verifies table column structure matches expectations
func (v *SchemaValidator) ValidateTableStructure() error {
	if err := v.validateColumns("participant_sessions", map[string]string{
		"participant_id": "TEXT",
		"session_id":     "TEXT",
		"updated_at":     "DATETIME",
	}); err != nil {
		return fmt.Errorf("participant_sessions table structure invalid: %w", err)
	}

	if err := v.validateColumns("session_members", map[string]string{
		"session_id":     "TEXT",
		"participant_id": "TEXT",
		"position":       "INTEGER",
		"created_at":     "DATETIME",
	}); err != nil {
		return fmt.Errorf("session_members table structure invalid: %w", err)
	}
	return nil
}

// ValidateIndexes verifies that the lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_participant_sessions_session": "Delete-if-current scans",
		"idx_session_members_order":        "Ordered member reads",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}
	return nil
}

// ValidateConstraints verifies that a participant cannot appear twice in one session
func (v *SchemaValidator) ValidateConstraints() error {
	const probe = "__schema_probe__"
	defer func() {
		// Ignore cleanup errors - constraint validation is the primary concern
		_, _ = v.db.Exec("DELETE FROM session_members WHERE session_id = ?", probe)
	}()

	if _, err := v.db.Exec(
		"INSERT INTO session_members (session_id, participant_id, position) VALUES (?, 'p', 0)", probe,
	); err != nil {
		return fmt.Errorf("failed to insert probe member: %w", err)
	}
	if _, err := v.db.Exec(
		"INSERT INTO session_members (session_id, participant_id, position) VALUES (?, 'p', 1)", probe,
	); err == nil {
		return fmt.Errorf("primary key not enforced: session_members(session_id, participant_id)")
	}
	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}
		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}
	return nil
}
