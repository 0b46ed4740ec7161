package commbus

import (
	"crypto/md5" //nolint:gosec // change detection, not integrity
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zjrosen/orchestrate/internal/log"
)

// Bus provides serialized, last-writer-wins access to the communications
// document. All mutators run under a single in-process mutex and commit via
// a scoped write: serialize to a sibling temp file, then rename over the
// real file, so readers never observe a torn document.
type Bus struct {
	path string
	mu   sync.Mutex
}

// New creates a Bus over the document at path. The file is created lazily
// with initialized metadata on first access.
func New(path string) *Bus {
	return &Bus{path: path}
}

// Path returns the document location.
func (b *Bus) Path() string { return b.path }

// ReadRaw returns the current document, creating it if absent.
func (b *Bus) ReadRaw() (*Document, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.loadLocked("readRaw")
}

// GetAgent returns the named agent record, or nil if absent.
func (b *Bus) GetAgent(name string) (*AgentRecord, error) {
	doc, err := b.ReadRaw()
	if err != nil {
		return nil, err
	}
	return doc.Agents[name], nil
}

// GetAllAgents returns every agent record keyed by name (excludes _meta).
func (b *Bus) GetAllAgents() (map[string]*AgentRecord, error) {
	doc, err := b.ReadRaw()
	if err != nil {
		return nil, err
	}
	return doc.Agents, nil
}

// UpdateAgent replaces the named agent's record and stamps metadata.
func (b *Bus) UpdateAgent(name string, rec *AgentRecord) error {
	return b.mutate("updateAgent", name, func(doc *Document) error {
		doc.Agents[name] = rec
		return nil
	})
}

// UpdateField sets a single named field on the agent's record, creating the
// agent with defaults if absent. Recognized fields: mission, workingOn,
// done, next, lifecycleState, breakpoint.
func (b *Bus) UpdateField(name, field string, value any) error {
	return b.mutate("updateField", name, func(doc *Document) error {
		rec := doc.Agents[name]
		if rec == nil {
			rec = NewAgentRecord()
			doc.Agents[name] = rec
		}
		switch field {
		case "mission":
			rec.Mission = fmt.Sprint(value)
		case "workingOn":
			rec.WorkingOn = fmt.Sprint(value)
		case "done":
			rec.Done = fmt.Sprint(value)
		case "next":
			rec.Next = fmt.Sprint(value)
		case "lifecycleState":
			rec.LifecycleState = LifecycleState(fmt.Sprint(value))
		case "breakpoint":
			switch v := value.(type) {
			case nil:
				rec.Breakpoint = nil
			case *Breakpoint:
				rec.Breakpoint = v
			case Breakpoint:
				rec.Breakpoint = &v
			default:
				return fmt.Errorf("breakpoint value has type %T", value)
			}
		default:
			return fmt.Errorf("unknown field %q", field)
		}
		return nil
	})
}

// AddRequest appends [to, text] to the sender's outbound requests mailbox.
func (b *Bus) AddRequest(from, to, text string) error {
	return b.mutate("addRequest", from, func(doc *Document) error {
		rec := doc.Agents[from]
		if rec == nil {
			rec = NewAgentRecord()
			doc.Agents[from] = rec
		}
		rec.Requests = append(rec.Requests, Request{To: to, Text: text})
		return nil
	})
}

// PendingRequest is a request addressed to an agent, paired with its sender.
type PendingRequest struct {
	FromAgent string `json:"fromAgent"`
	Request   string `json:"request"`
}

// GetRequestsForAgent scans every agent's outbound mailbox for requests
// addressed to target.
func (b *Bus) GetRequestsForAgent(target string) ([]PendingRequest, error) {
	doc, err := b.ReadRaw()
	if err != nil {
		return nil, err
	}
	var pending []PendingRequest
	for name, rec := range doc.Agents {
		for _, req := range rec.Requests {
			if req.To == target {
				pending = append(pending, PendingRequest{FromAgent: name, Request: req.Text})
			}
		}
	}
	return pending, nil
}

// CompleteRequest removes the matching entry from the requester's requests
// and records a delivery in the requester's added mailbox. Idempotent: if
// the entry was already removed, the call is a no-op.
func (b *Bus) CompleteRequest(completer, requester, original, description string) error {
	return b.mutate("completeRequest", completer, func(doc *Document) error {
		rec := doc.Agents[requester]
		if rec == nil {
			return nil
		}
		for i, req := range rec.Requests {
			if req.To == completer && req.Text == original {
				rec.Requests = append(rec.Requests[:i], rec.Requests[i+1:]...)
				rec.Added = append(rec.Added, Delivery{
					From:            completer,
					Description:     description,
					OriginalRequest: original,
				})
				return nil
			}
		}
		// Already completed - nothing to move.
		return nil
	})
}

// ClearAdded truncates the agent's deliveries mailbox.
func (b *Bus) ClearAdded(name string) error {
	return b.mutate("clearAdded", name, func(doc *Document) error {
		if rec := doc.Agents[name]; rec != nil {
			rec.Added = []Delivery{}
		}
		return nil
	})
}

// RemoveRequest deletes the first matching [to, text] entry from the
// sender's mailbox.
func (b *Bus) RemoveRequest(from, to, text string) error {
	return b.mutate("removeRequest", from, func(doc *Document) error {
		rec := doc.Agents[from]
		if rec == nil {
			return nil
		}
		for i, req := range rec.Requests {
			if req.To == to && req.Text == text {
				rec.Requests = append(rec.Requests[:i], rec.Requests[i+1:]...)
				return nil
			}
		}
		return nil
	})
}

// RemoveAgent deletes the agent's record entirely.
func (b *Bus) RemoveAgent(name string) error {
	return b.mutate("removeAgent", name, func(doc *Document) error {
		delete(doc.Agents, name)
		return nil
	})
}

// Reset replaces the document with an empty one. The reset itself is
// unattributed: _meta keeps null lastUpdatedBy.
func (b *Bus) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.writeLocked("reset", NewDocument())
}

// FileHash returns the MD5 of the serialized document bytes on disk,
// creating the document first if absent.
func (b *Bus) FileHash() (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, err := b.loadLocked("fileHash"); err != nil {
		return "", err
	}
	data, err := os.ReadFile(b.path)
	if err != nil {
		return "", commErr("fileHash", "", err)
	}
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:]), nil
}

// mutate runs fn against the loaded document under the bus mutex, stamps
// the author, and commits atomically.
func (b *Bus) mutate(op, author string, fn func(*Document) error) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	doc, err := b.loadLocked(op)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return commErr(op, author, err)
	}
	doc.stamp(author)
	return b.writeLocked(op, doc)
}

// loadLocked reads the document, creating it with initialized metadata when
// the file does not exist. A document that exists but does not parse is a
// fatal error: the bus never silently truncates shared state.
func (b *Bus) loadLocked(op string) (*Document, error) {
	data, err := os.ReadFile(b.path)
	if errors.Is(err, os.ErrNotExist) {
		doc := NewDocument()
		if err := b.writeLocked(op, doc); err != nil {
			return nil, err
		}
		return doc, nil
	}
	if err != nil {
		return nil, commErr(op, "", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.Error(log.CatComm, "malformed communications document", "path", b.path, "error", err)
		return nil, &CommunicationError{Op: op, Fatal: true, Err: fmt.Errorf("malformed document %s: %w", b.path, err)}
	}
	if doc.Agents == nil {
		doc.Agents = make(map[string]*AgentRecord)
	}
	return &doc, nil
}

// writeLocked commits the document with a scoped write: temp file in the
// same directory, then rename over the target.
func (b *Bus) writeLocked(op string, doc *Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return commErr(op, "", err)
	}

	dir := filepath.Dir(b.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return commErr(op, "", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(b.path)+".tmp-*")
	if err != nil {
		return commErr(op, "", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // No-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return commErr(op, "", err)
	}
	if err := tmp.Close(); err != nil {
		return commErr(op, "", err)
	}
	if err := os.Rename(tmpName, b.path); err != nil {
		return commErr(op, "", err)
	}
	return nil
}
