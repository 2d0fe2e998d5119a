// Package sqlgen maps Go structs onto SQL tables and provides a small
// unit-of-work Session whose flush, commit, and rollback boundaries can be
// observed by hooks. The session publishers in package pub install their
// change-data-capture hooks on these boundaries.
package sqlgen

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/samsarahq/meepo/events"
)

// PrimaryKeyType describes how a table's primary key is generated.
type PrimaryKeyType int

const (
	// AutoIncrement keys are assigned by the database; inserts omit the
	// key column and backfill it from LAST_INSERT_ID.
	AutoIncrement PrimaryKeyType = iota
	// UniqueId keys are assigned by the application before insert.
	UniqueId
)

// makeSnake converts a CamelCase identifier into its snake_case equivalent
func makeSnake(s string) string {
	var b bytes.Buffer
	for i, c := range s {
		if i > 0 && unicode.IsUpper(c) {
			b.WriteRune('_')
		}
		b.WriteRune(unicode.ToLower(c))
	}
	return b.String()
}

type Column struct {
	Name    string
	Primary bool

	Index []int
	Order int

	Type reflect.Type
}

type Table struct {
	Name           string
	Type           reflect.Type
	PrimaryKeyType PrimaryKeyType

	Columns       []*Column
	ColumnsByName map[string]*Column

	// PrimaryColumns holds the primary key columns in declared order.
	PrimaryColumns []*Column
}

// PrimaryKey extracts the primary key of row: the scalar value for a
// single-column key, or an ordered comparable tuple for a composite key.
func (t *Table) PrimaryKey(row interface{}) events.PK {
	elem := reflect.ValueOf(row)
	for elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}

	if len(t.PrimaryColumns) == 1 {
		return elem.FieldByIndex(t.PrimaryColumns[0].Index).Interface()
	}
	values := make([]interface{}, len(t.PrimaryColumns))
	for i, column := range t.PrimaryColumns {
		values[i] = elem.FieldByIndex(column.Index).Interface()
	}
	return events.CompositePK(values...)
}

// values extracts the SQL value of every column of row, in column order.
func (t *Table) values(row interface{}) []interface{} {
	elem := reflect.ValueOf(row)
	for elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}
	values := make([]interface{}, len(t.Columns))
	for i, column := range t.Columns {
		values[i] = elem.FieldByIndex(column.Index).Interface()
	}
	return values
}

func buildDescriptor(table string, primaryKeyType PrimaryKeyType, typ reflect.Type) (*Table, error) {
	if typ.Kind() != reflect.Struct {
		return nil, fmt.Errorf("bad type %s: not a struct", typ)
	}

	var columns []*Column
	columnsByName := make(map[string]*Column)

	for i := 0; i < typ.NumField(); i++ {
		field := typ.Field(i)
		if field.PkgPath != "" {
			continue
		}
		if field.Anonymous {
			return nil, fmt.Errorf("bad type %s: anonymous fields not supported", typ)
		}

		tags := strings.Split(field.Tag.Get("sql"), ",")
		var column string
		if len(tags) > 0 {
			column = tags[0]
		}
		if column == "" {
			column = makeSnake(field.Name)
		}
		if column == "-" {
			continue
		}

		primary := false
		if len(tags) > 1 {
			for _, tag := range tags[1:] {
				if tag != "primary" || primary {
					return nil, fmt.Errorf("bad type %s: column %s has unexpected tag %s", typ, column, tag)
				}
				primary = true
			}
		}

		if _, ok := columnsByName[column]; ok {
			return nil, fmt.Errorf("bad type %s: duplicate column %s", typ, column)
		}

		descriptor := &Column{
			Name:    column,
			Primary: primary,

			Index: field.Index,
			Order: len(columns),

			Type: field.Type,
		}

		columns = append(columns, descriptor)
		columnsByName[column] = descriptor
	}

	var primaryColumns []*Column
	for _, column := range columns {
		if column.Primary {
			primaryColumns = append(primaryColumns, column)
		}
	}
	if len(primaryColumns) == 0 {
		return nil, fmt.Errorf("bad type %s: no primary key specified", typ)
	}
	if primaryKeyType == AutoIncrement && len(primaryColumns) > 1 {
		return nil, fmt.Errorf("bad type %s: auto-increment composite key not supported", typ)
	}

	return &Table{
		Name:           table,
		Type:           typ,
		PrimaryKeyType: primaryKeyType,

		Columns:        columns,
		ColumnsByName:  columnsByName,
		PrimaryColumns: primaryColumns,
	}, nil
}

// Schema registers struct types for tables.
type Schema struct {
	ByName map[string]*Table
	ByType map[reflect.Type]*Table
}

func NewSchema() *Schema {
	return &Schema{
		ByName: make(map[string]*Table),
		ByType: make(map[reflect.Type]*Table),
	}
}

// RegisterType registers value's struct type as the row type for table.
func (s *Schema) RegisterType(table string, primaryKeyType PrimaryKeyType, value interface{}) error {
	typ := reflect.TypeOf(value)
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}

	if _, ok := s.ByName[table]; ok {
		return fmt.Errorf("table %s registered twice", table)
	}
	if _, ok := s.ByType[typ]; ok {
		return fmt.Errorf("type %s registered twice", typ)
	}

	descriptor, err := buildDescriptor(table, primaryKeyType, typ)
	if err != nil {
		return err
	}

	s.ByName[table] = descriptor
	s.ByType[typ] = descriptor
	return nil
}

// MustRegisterType registers value's type and panics on failure.
func (s *Schema) MustRegisterType(table string, primaryKeyType PrimaryKeyType, value interface{}) {
	if err := s.RegisterType(table, primaryKeyType, value); err != nil {
		panic(err)
	}
}

// Get resolves the table descriptor of a row struct.
func (s *Schema) Get(row interface{}) (*Table, error) {
	typ := reflect.TypeOf(row)
	for typ.Kind() == reflect.Ptr {
		typ = typ.Elem()
	}
	table, ok := s.ByType[typ]
	if !ok {
		return nil, fmt.Errorf("unknown type %s", typ)
	}
	return table, nil
}
