package sourced

import (
	"encoding/json"
)

// Todo is the aggregate fixture used across the core tests: initialize,
// complete (guarded), reopen.
type Todo struct {
	entity *Entity

	User      string
	Task      string
	Priority  int
	Due       string
	Completed bool
}

type todoInitialized struct {
	User     string  `json:"user,omitempty"`
	Task     string  `json:"task"`
	Priority *int    `json:"priority,omitempty"`
	Due      *string `json:"due,omitempty"`
}

func NewTodo() *Todo {
	return &Todo{entity: NewEntity()}
}

func (t *Todo) Entity() *Entity {
	return t.entity
}

func (t *Todo) Initialize(id, user, task string) error {
	if err := t.entity.SetID(id); err != nil {
		return err
	}
	payload, err := json.Marshal(&todoInitialized{User: user, Task: task})
	if err != nil {
		return err
	}
	t.User = user
	t.Task = task
	t.entity.DigestV("Initialized", 3, payload)
	t.entity.Enqueue(LocalEvent{Type: "TodoInitialized", Data: []byte(id)})
	return nil
}

func (t *Todo) Complete() {
	if t.Completed {
		return
	}
	t.Completed = true
	t.entity.DigestEmpty("Completed")
}

func (t *Todo) Reopen() {
	if !t.Completed {
		return
	}
	t.Completed = false
	t.entity.DigestEmpty("Reopened")
}

func (t *Todo) Apply(rec *EventRecord) error {
	return Appliers{
		"Initialized": func(rec *EventRecord) error {
			var p todoInitialized
			if err := json.Unmarshal(rec.Payload, &p); err != nil {
				return err
			}
			t.User = p.User
			t.Task = p.Task
			if p.Priority != nil {
				t.Priority = *p.Priority
			}
			if p.Due != nil {
				t.Due = *p.Due
			}
			return nil
		},
		"Completed": func(*EventRecord) error {
			t.Completed = true
			return nil
		},
		"Reopened": func(*EventRecord) error {
			t.Completed = false
			return nil
		},
	}.Apply(rec)
}

// Upcasters migrate Initialized payloads: v1 {id in entity, task} gains
// a priority at v2 and a due date at v3.
func (t *Todo) Upcasters() []Upcaster {
	return []Upcaster{
		{
			Event:       "Initialized",
			FromVersion: 1,
			ToVersion:   2,
			Transform: func(payload []byte) ([]byte, error) {
				var m map[string]any
				if err := json.Unmarshal(payload, &m); err != nil {
					return nil, err
				}
				m["priority"] = 0
				return json.Marshal(m)
			},
		},
		{
			Event:       "Initialized",
			FromVersion: 2,
			ToVersion:   3,
			Transform: func(payload []byte) ([]byte, error) {
				var m map[string]any
				if err := json.Unmarshal(payload, &m); err != nil {
					return nil, err
				}
				m["due"] = ""
				return json.Marshal(m)
			},
		},
	}
}

type todoSnapshot struct {
	User      string `json:"user"`
	Task      string `json:"task"`
	Priority  int    `json:"priority"`
	Due       string `json:"due"`
	Completed bool   `json:"completed"`
}

func (t *Todo) CreateSnapshot() any {
	return &todoSnapshot{
		User:      t.User,
		Task:      t.Task,
		Priority:  t.Priority,
		Due:       t.Due,
		Completed: t.Completed,
	}
}

func (t *Todo) NewSnapshot() any {
	return &todoSnapshot{}
}

func (t *Todo) RestoreSnapshot(snapshot any) error {
	s := snapshot.(*todoSnapshot)
	t.User = s.User
	t.Task = s.Task
	t.Priority = s.Priority
	t.Due = s.Due
	t.Completed = s.Completed
	return nil
}
