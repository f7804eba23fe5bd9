package knowledge

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrInvalidSchema = errors.New("invalid schema")

type ColumnType string

const (
	ColumnTypeVarchar   ColumnType = "VARCHAR"
	ColumnTypeInteger   ColumnType = "INTEGER"
	ColumnTypeBigint    ColumnType = "BIGINT"
	ColumnTypeDouble    ColumnType = "DOUBLE"
	ColumnTypeBoolean   ColumnType = "BOOLEAN"
	ColumnTypeDate      ColumnType = "DATE"
	ColumnTypeTimestamp ColumnType = "TIMESTAMP"
)

func (t ColumnType) Valid() bool {
	switch t {
	case ColumnTypeVarchar, ColumnTypeInteger, ColumnTypeBigint, ColumnTypeDouble,
		ColumnTypeBoolean, ColumnTypeDate, ColumnTypeTimestamp:
		return true
	}
	return false
}

type Column struct {
	Name     string     `yaml:"name"`
	Type     ColumnType `yaml:"type"`
	Nullable bool       `yaml:"nullable"`
}

// MarshalJSON renders the column the way the engine's DESCRIBE does, which is
// the form the model sees in the prompt.
func (c Column) MarshalJSON() ([]byte, error) {
	null := "NO"
	if c.Nullable {
		null = "YES"
	}
	return json.Marshal(struct {
		Name string `json:"column_name"`
		Type string `json:"column_type"`
		Null string `json:"null"`
	}{c.Name, string(c.Type), null})
}

// Schema describes the single queryable table.
type Schema struct {
	Version int      `yaml:"version"`
	Table   string   `yaml:"table"`
	Columns []Column `yaml:"columns"`
}

func (s *Schema) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: schema is nil", ErrInvalidSchema)
	}
	if s.Table == "" {
		return fmt.Errorf("%w: table is required", ErrInvalidSchema)
	}
	if len(s.Columns) == 0 {
		return fmt.Errorf("%w: at least one column is required", ErrInvalidSchema)
	}
	seen := make(map[string]struct{}, len(s.Columns))
	for i, c := range s.Columns {
		if c.Name == "" {
			return fmt.Errorf("%w: column %d has no name", ErrInvalidSchema, i)
		}
		if !c.Type.Valid() {
			return fmt.Errorf("%w: column %s has unsupported type %q", ErrInvalidSchema, c.Name, c.Type)
		}
		if _, ok := seen[c.Name]; ok {
			return fmt.Errorf("%w: duplicate column %s", ErrInvalidSchema, c.Name)
		}
		seen[c.Name] = struct{}{}
	}
	return nil
}

// Empty reports whether the schema carries nothing a prompt could be grounded on.
func (s *Schema) Empty() bool {
	return s == nil || s.Table == "" || len(s.Columns) == 0
}

func (s *Schema) Column(name string) (Column, bool) {
	for _, c := range s.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// JSON returns the indented column list used verbatim in prompts.
func (s *Schema) JSON() (string, error) {
	data, err := json.MarshalIndent(s.Columns, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal schema: %w", err)
	}
	return string(data), nil
}
