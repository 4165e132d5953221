package submission

import (
	"encoding/json"
	"fmt"
)

// Op discriminates the ChangeEvent variants.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// ChangeEvent is a row-level mutation: Insert(Item), Update(Item) or Delete(id).
// Construct it with InsertEvent, UpdateEvent or DeleteEvent so exactly one
// payload is populated.
type ChangeEvent struct {
	op   Op
	item Item
	id   string
}

func InsertEvent(it Item) ChangeEvent { return ChangeEvent{op: OpInsert, item: it, id: it.ID} }
func UpdateEvent(it Item) ChangeEvent { return ChangeEvent{op: OpUpdate, item: it, id: it.ID} }
func DeleteEvent(id string) ChangeEvent {
	return ChangeEvent{op: OpDelete, id: id}
}

// Op returns the variant tag.
func (e ChangeEvent) Op() Op { return e.op }

// ID returns the id of the affected row for every variant.
func (e ChangeEvent) ID() string { return e.id }

// Item returns the row carried by Insert and Update events.
func (e ChangeEvent) Item() (Item, bool) {
	if e.op == OpDelete || e.op == "" {
		return Item{}, false
	}
	return e.item, true
}

func (e ChangeEvent) String() string {
	return fmt.Sprintf("%s(%s)", e.op, e.id)
}

type wireEvent struct {
	Op   Op     `json:"op"`
	ID   string `json:"id,omitempty"`
	Item *Item  `json:"item,omitempty"`
}

func (e ChangeEvent) MarshalJSON() ([]byte, error) {
	w := wireEvent{Op: e.op}
	if e.op == OpDelete {
		w.ID = e.id
	} else {
		it := e.item
		w.Item = &it
	}
	return json.Marshal(w)
}

func (e *ChangeEvent) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Op {
	case OpInsert, OpUpdate:
		if w.Item == nil || w.Item.ID == "" {
			return fmt.Errorf("%s event without item", w.Op)
		}
		*e = ChangeEvent{op: w.Op, item: *w.Item, id: w.Item.ID}
	case OpDelete:
		if w.ID == "" {
			return fmt.Errorf("delete event without id")
		}
		*e = DeleteEvent(w.ID)
	default:
		return fmt.Errorf("unknown change op %q", w.Op)
	}
	return nil
}
