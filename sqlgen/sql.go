package sqlgen

import (
	"bytes"
	"fmt"
	"reflect"
)

// SQLQuery is a query with placeholder arguments.
type SQLQuery struct {
	Clause string
	Args   []interface{}
}

func (t *Table) makeInsert(row interface{}) SQLQuery {
	values := t.values(row)

	var columns []string
	var args []interface{}
	for i, column := range t.Columns {
		if column.Primary && t.PrimaryKeyType == AutoIncrement && isZero(values[i]) {
			continue
		}
		columns = append(columns, column.Name)
		args = append(args, values[i])
	}

	var clause bytes.Buffer
	fmt.Fprintf(&clause, "INSERT INTO %s (", t.Name)
	for i, column := range columns {
		if i > 0 {
			clause.WriteString(", ")
		}
		clause.WriteString(column)
	}
	clause.WriteString(") VALUES (")
	for i := range columns {
		if i > 0 {
			clause.WriteString(", ")
		}
		clause.WriteString("?")
	}
	clause.WriteString(")")

	return SQLQuery{Clause: clause.String(), Args: args}
}

func (t *Table) makeUpdate(row interface{}) SQLQuery {
	values := t.values(row)

	var clause bytes.Buffer
	var args []interface{}
	fmt.Fprintf(&clause, "UPDATE %s SET ", t.Name)
	first := true
	for i, column := range t.Columns {
		if column.Primary {
			continue
		}
		if !first {
			clause.WriteString(", ")
		}
		first = false
		fmt.Fprintf(&clause, "%s = ?", column.Name)
		args = append(args, values[i])
	}
	clause.WriteString(t.makeWherePrimary(row, &args))

	return SQLQuery{Clause: clause.String(), Args: args}
}

func (t *Table) makeDelete(row interface{}) SQLQuery {
	var clause bytes.Buffer
	var args []interface{}
	fmt.Fprintf(&clause, "DELETE FROM %s", t.Name)
	clause.WriteString(t.makeWherePrimary(row, &args))

	return SQLQuery{Clause: clause.String(), Args: args}
}

func (t *Table) makeWherePrimary(row interface{}, args *[]interface{}) string {
	elem := reflect.ValueOf(row)
	for elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}

	var clause bytes.Buffer
	clause.WriteString(" WHERE ")
	for i, column := range t.PrimaryColumns {
		if i > 0 {
			clause.WriteString(" AND ")
		}
		fmt.Fprintf(&clause, "%s = ?", column.Name)
		*args = append(*args, elem.FieldByIndex(column.Index).Interface())
	}
	return clause.String()
}

func isZero(v interface{}) bool {
	if v == nil {
		return true
	}
	value := reflect.ValueOf(v)
	return value.Interface() == reflect.Zero(value.Type()).Interface()
}

// setPrimaryKey backfills an auto-increment key after insert.
func (t *Table) setPrimaryKey(row interface{}, id int64) {
	elem := reflect.ValueOf(row)
	for elem.Kind() == reflect.Ptr {
		elem = elem.Elem()
	}
	field := elem.FieldByIndex(t.PrimaryColumns[0].Index)
	switch field.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		field.SetInt(id)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		field.SetUint(uint64(id))
	}
}
