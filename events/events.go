// Package events defines the core event vocabulary shared by publishers,
// subscribers, and the replicator: actions, topics, primary keys, and the
// per-transaction event sets used by the prepare-commit log.
package events

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// Action is a row-level mutation kind observed at the database.
type Action int

const (
	Write Action = iota
	Update
	Delete
)

// Actions lists all actions in their canonical order.
var Actions = []Action{Write, Update, Delete}

func (a Action) String() string {
	switch a {
	case Write:
		return "write"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Reserved signal names used by the publishers.
const (
	SignalBinlogPos       = "mysql_binlog_pos"
	SignalSessionPrepare  = "session_prepare"
	SignalSessionCommit   = "session_commit"
	SignalSessionRollback = "session_rollback"
)

// Topic builds the "{table}_{action}" signal name.
func Topic(table string, action Action) string {
	return table + "_" + action.String()
}

// RawTopic builds the "_raw" twin of Topic, carrying full row payloads.
func RawTopic(table string, action Action) string {
	return Topic(table, action) + "_raw"
}

// PK is a primary key value: a scalar for single-column keys, or a
// comparable fixed-size array (see CompositePK) for composite keys.
type PK interface{}

// interfaceTyp is the reflect.Type of interface{}
var interfaceTyp reflect.Type

func init() {
	var x interface{}
	interfaceTyp = reflect.TypeOf(&x).Elem()
}

// CompositePK converts the ordered column values of a composite primary key
// into an equivalent fixed-length array [...]interface{} so the key is
// comparable and usable as a map key.
func CompositePK(vs ...interface{}) PK {
	switch len(vs) {
	// fast code paths for short arrays:
	case 0:
		return [...]interface{}{}
	case 1:
		return [...]interface{}{vs[0]}
	case 2:
		return [...]interface{}{vs[0], vs[1]}
	case 3:
		return [...]interface{}{vs[0], vs[1], vs[2]}
	case 4:
		return [...]interface{}{vs[0], vs[1], vs[2], vs[3]}
	default:
		// slow catch-all:
		array := reflect.New(reflect.ArrayOf(len(vs), interfaceTyp)).Elem()
		for i, elem := range vs {
			array.Index(i).Set(reflect.ValueOf(elem))
		}
		return array.Interface()
	}
}

// PKString renders a pk the way it travels on the wire and is stored:
// scalars with fmt.Sprint, composite keys as comma-joined parts.
func PKString(pk PK) string {
	v := reflect.ValueOf(pk)
	if v.Kind() == reflect.Array {
		parts := make([]string, v.Len())
		for i := 0; i < v.Len(); i++ {
			parts[i] = fmt.Sprint(v.Index(i).Interface())
		}
		return strings.Join(parts, ",")
	}
	if b, ok := pk.([]byte); ok {
		return string(b)
	}
	return fmt.Sprint(pk)
}

// EventSet records which pks changed per topic during one transaction.
// Pks are kept in stringified form, matching the wire and store formats.
type EventSet map[string]map[string]struct{}

func NewEventSet() EventSet {
	return make(EventSet)
}

// Add records pk under topic.
func (es EventSet) Add(topic string, pk PK) {
	set, ok := es[topic]
	if !ok {
		set = make(map[string]struct{})
		es[topic] = set
	}
	set[PKString(pk)] = struct{}{}
}

// Merge folds other into es.
func (es EventSet) Merge(other EventSet) {
	for topic, pks := range other {
		for pk := range pks {
			set, ok := es[topic]
			if !ok {
				set = make(map[string]struct{})
				es[topic] = set
			}
			set[pk] = struct{}{}
		}
	}
}

// Empty reports whether the set holds no pks at all.
func (es EventSet) Empty() bool {
	for _, pks := range es {
		if len(pks) > 0 {
			return false
		}
	}
	return true
}

// Pks returns the stringified pks recorded under topic, sorted.
func (es EventSet) Pks(topic string) []string {
	set := es[topic]
	pks := make([]string, 0, len(set))
	for pk := range set {
		pks = append(pks, pk)
	}
	sort.Strings(pks)
	return pks
}

// Topics returns the topic names carried by the set, sorted.
func (es EventSet) Topics() []string {
	topics := make([]string, 0, len(es))
	for topic := range es {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}

// Equal reports whether two sets record exactly the same pks.
func (es EventSet) Equal(other EventSet) bool {
	if len(es) != len(other) {
		return false
	}
	for topic, pks := range es {
		otherPks, ok := other[topic]
		if !ok || len(pks) != len(otherPks) {
			return false
		}
		for pk := range pks {
			if _, ok := otherPks[pk]; !ok {
				return false
			}
		}
	}
	return true
}

// RawRow is the payload of a "_raw" signal emitted by the binlog publisher.
// Write carries the post-image in Values, delete the pre-image; update
// carries both Before and After.
type RawRow struct {
	Table  string
	Action Action

	Values map[string]interface{}
	Before map[string]interface{}
	After  map[string]interface{}
}

// BinlogPos is the replication stream position reached after a row event,
// published on SignalBinlogPos so subscribers can checkpoint.
type BinlogPos struct {
	File string
	Pos  uint32
}

func (p BinlogPos) String() string {
	return fmt.Sprintf("%s:%d", p.File, p.Pos)
}
