// Package commbus implements the shared communications document: a single
// JSON file through which agents and the controller exchange status,
// requests, and deliveries. All access is serialized through the Bus.
package commbus

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is written into _meta.version on first access.
const SchemaVersion = "1.0"

// metaKey is the reserved top-level key for document metadata.
const metaKey = "_meta"

// LifecycleState is the agent-declared lifecycle phase.
type LifecycleState string

const (
	StateIdle      LifecycleState = "idle"
	StateWorking   LifecycleState = "working"
	StateBlocked   LifecycleState = "blocked"
	StatePRPending LifecycleState = "pr_pending"
	StateComplete  LifecycleState = "complete"
	StateFailed    LifecycleState = "failed"
)

// BreakpointType classifies an agent-declared natural stopping point.
type BreakpointType string

const (
	BreakpointTaskComplete BreakpointType = "task_complete"
	BreakpointBlocked      BreakpointType = "blocked"
	BreakpointPRCreated    BreakpointType = "pr_created"
)

// Breakpoint is written by an agent when it reaches a stopping point. The
// lifecycle loop polls for it and dispatches on Type.
type Breakpoint struct {
	Type      BreakpointType `json:"type"`
	TaskID    string         `json:"taskId,omitempty"`
	Summary   string         `json:"summary"`
	BlockedOn []string       `json:"blockedOn,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	PRURL     string         `json:"prUrl,omitempty"`
	Timestamp *time.Time     `json:"timestamp,omitempty"`
}

// UnmarshalJSON accepts both camelCase and legacy snake_case keys.
// Writes always use the camelCase form.
func (b *Breakpoint) UnmarshalJSON(data []byte) error {
	type wire struct {
		Type            BreakpointType `json:"type"`
		TaskID          *string        `json:"taskId"`
		TaskIDSnake     *string        `json:"task_id"`
		Summary         string         `json:"summary"`
		BlockedOn       []string       `json:"blockedOn"`
		BlockedOnSnake  []string       `json:"blocked_on"`
		Reason          string         `json:"reason"`
		PRURL           *string        `json:"prUrl"`
		PRURLSnake      *string        `json:"pr_url"`
		Timestamp       *time.Time     `json:"timestamp"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	b.Type = w.Type
	b.TaskID = firstString(w.TaskID, w.TaskIDSnake)
	b.Summary = w.Summary
	b.BlockedOn = w.BlockedOn
	if b.BlockedOn == nil {
		b.BlockedOn = w.BlockedOnSnake
	}
	b.Reason = w.Reason
	b.PRURL = firstString(w.PRURL, w.PRURLSnake)
	b.Timestamp = w.Timestamp
	return nil
}

// Request is an outbound request in the sender's mailbox, addressed to
// another agent. Wire form is the two-element array [toAgent, text].
type Request struct {
	To   string
	Text string
}

func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{r.To, r.Text})
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 2 {
		return fmt.Errorf("request entry has %d elements, want 2", len(arr))
	}
	r.To, r.Text = arr[0], arr[1]
	return nil
}

// Delivery is a completed request recorded in the recipient's mailbox. Wire
// form is the three-element array [fromAgent, description, originalRequest].
type Delivery struct {
	From            string
	Description     string
	OriginalRequest string
}

func (d Delivery) MarshalJSON() ([]byte, error) {
	return json.Marshal([3]string{d.From, d.Description, d.OriginalRequest})
}

func (d *Delivery) UnmarshalJSON(data []byte) error {
	var arr []string
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("delivery entry has %d elements, want 3", len(arr))
	}
	d.From, d.Description, d.OriginalRequest = arr[0], arr[1], arr[2]
	return nil
}

// AgentRecord is one agent's slot in the document.
type AgentRecord struct {
	Mission        string         `json:"mission"`
	WorkingOn      string         `json:"workingOn"`
	Done           string         `json:"done"`
	Next           string         `json:"next"`
	Requests       []Request      `json:"requests"`
	Added          []Delivery     `json:"added"`
	LifecycleState LifecycleState `json:"lifecycleState"`
	Breakpoint     *Breakpoint    `json:"breakpoint"`
	LastUpdated    *time.Time     `json:"lastUpdated"`
}

// UnmarshalJSON accepts the legacy snake_case aliases for workingOn,
// lifecycleState, and lastUpdated.
func (a *AgentRecord) UnmarshalJSON(data []byte) error {
	type wire struct {
		Mission             string         `json:"mission"`
		WorkingOn           *string        `json:"workingOn"`
		WorkingOnSnake      *string        `json:"working_on"`
		Done                string         `json:"done"`
		Next                string         `json:"next"`
		Requests            []Request      `json:"requests"`
		Added               []Delivery     `json:"added"`
		LifecycleState      LifecycleState `json:"lifecycleState"`
		LifecycleStateSnake LifecycleState `json:"lifecycle_state"`
		Breakpoint          *Breakpoint    `json:"breakpoint"`
		LastUpdated         *time.Time     `json:"lastUpdated"`
		LastUpdatedSnake    *time.Time     `json:"last_updated"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	a.Mission = w.Mission
	a.WorkingOn = firstString(w.WorkingOn, w.WorkingOnSnake)
	a.Done = w.Done
	a.Next = w.Next
	a.Requests = w.Requests
	a.Added = w.Added
	a.LifecycleState = w.LifecycleState
	if a.LifecycleState == "" {
		a.LifecycleState = w.LifecycleStateSnake
	}
	a.Breakpoint = w.Breakpoint
	a.LastUpdated = w.LastUpdated
	if a.LastUpdated == nil {
		a.LastUpdated = w.LastUpdatedSnake
	}
	return nil
}

// NewAgentRecord returns a record with defaults for a freshly created agent.
func NewAgentRecord() *AgentRecord {
	return &AgentRecord{
		Requests:       []Request{},
		Added:          []Delivery{},
		LifecycleState: StateIdle,
	}
}

// Meta is the reserved _meta entry stamped on every mutation.
type Meta struct {
	Version       string     `json:"version"`
	LastUpdated   *time.Time `json:"lastUpdated"`
	LastUpdatedBy *string    `json:"lastUpdatedBy"`
}

// UnmarshalJSON accepts the legacy snake_case aliases.
func (m *Meta) UnmarshalJSON(data []byte) error {
	type wire struct {
		Version            string     `json:"version"`
		LastUpdated        *time.Time `json:"lastUpdated"`
		LastUpdatedSnake   *time.Time `json:"last_updated"`
		LastUpdatedBy      *string    `json:"lastUpdatedBy"`
		LastUpdatedBySnake *string    `json:"last_updated_by"`
	}
	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Version = w.Version
	m.LastUpdated = w.LastUpdated
	if m.LastUpdated == nil {
		m.LastUpdated = w.LastUpdatedSnake
	}
	m.LastUpdatedBy = w.LastUpdatedBy
	if m.LastUpdatedBy == nil {
		m.LastUpdatedBy = w.LastUpdatedBySnake
	}
	return nil
}

// Document is the full communications document: agent records keyed by name
// plus the reserved _meta entry. On the wire it is a single flat JSON object.
type Document struct {
	Meta   Meta
	Agents map[string]*AgentRecord
}

// NewDocument returns an empty document with initialized metadata.
func NewDocument() *Document {
	return &Document{
		Meta:   Meta{Version: SchemaVersion},
		Agents: make(map[string]*AgentRecord),
	}
}

func (d *Document) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(d.Agents)+1)
	flat[metaKey] = d.Meta
	for name, rec := range d.Agents {
		flat[name] = rec
	}
	return json.Marshal(flat)
}

func (d *Document) UnmarshalJSON(data []byte) error {
	var flat map[string]json.RawMessage
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	d.Agents = make(map[string]*AgentRecord, len(flat))
	for name, raw := range flat {
		if name == metaKey {
			if err := json.Unmarshal(raw, &d.Meta); err != nil {
				return fmt.Errorf("_meta: %w", err)
			}
			continue
		}
		var rec AgentRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return fmt.Errorf("agent %q: %w", name, err)
		}
		d.Agents[name] = &rec
	}
	if d.Meta.Version == "" {
		d.Meta.Version = SchemaVersion
	}
	return nil
}

// stamp records the mutation author on the document and the agent record.
func (d *Document) stamp(author string) {
	now := time.Now().UTC()
	d.Meta.LastUpdated = &now
	d.Meta.LastUpdatedBy = &author
	if rec, ok := d.Agents[author]; ok {
		rec.LastUpdated = &now
	}
}

func firstString(vals ...*string) string {
	for _, v := range vals {
		if v != nil {
			return *v
		}
	}
	return ""
}
