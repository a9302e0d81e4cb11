// Package registry tracks live peer connections, their role classification,
// and their identity bindings. All mutation is serialized behind one mutex so
// concurrent connection handlers never race on the shared sets.
package registry

import (
	"log/slog"
	"sort"
	"sync"
)

// Role classifies a connection. A connection has exactly one role at a time;
// re-declaring replaces the old role, never adds.
type Role int

const (
	RoleUnclassified Role = iota
	RoleController
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleController:
		return "controller"
	case RoleViewer:
		return "viewer"
	default:
		return "unclassified"
	}
}

type entry struct {
	id        string
	role      Role
	phone     string
	accountID string
	// classSeq orders connections within a role; higher = more recently
	// classified. Used for deterministic single-target selection.
	classSeq uint64
}

// Registry is the authoritative map of live connections.
type Registry struct {
	logger *slog.Logger

	mu      sync.Mutex
	conns   map[string]*entry
	nextSeq uint64

	// Secondary indexes, maintained under the same mutex as the primary map
	// so the two views never diverge.
	viewerByPhone     map[string]string // phone -> connID
	viewerByAccount   map[string]string // accountID -> connID
	controllerByPhone map[string]string // phone -> connID
}

// New creates an empty Registry.
func New(logger *slog.Logger) *Registry {
	return &Registry{
		logger:            logger.With("component", "registry"),
		conns:             make(map[string]*entry),
		viewerByPhone:     make(map[string]string),
		viewerByAccount:   make(map[string]string),
		controllerByPhone: make(map[string]string),
	}
}

// Add registers a new, unclassified connection.
func (r *Registry) Add(connID string) {
	r.mu.Lock()
	r.conns[connID] = &entry{id: connID}
	r.mu.Unlock()
}

// Remove deletes a connection and every binding that references it.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return
	}
	r.unbindLocked(e)
	delete(r.conns, connID)
}

// Classify moves a connection into the given role, atomically removing it
// from any prior role set and clearing its identity bindings. Unknown roles
// leave the connection unclassified; Classify reports whether the role was
// accepted.
func (r *Registry) Classify(connID string, role Role) bool {
	if role != RoleController && role != RoleViewer {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}

	// A role switch invalidates any identity established under the old role;
	// the peer must log in again. First classification is not a switch: a
	// phone bound before declare_role is carried into the new role's index.
	carry := ""
	if e.role == RoleUnclassified {
		carry = e.phone
	}
	r.unbindLocked(e)
	e.role = role
	r.nextSeq++
	e.classSeq = r.nextSeq

	if carry != "" {
		idx := r.phoneIndexLocked(role)
		if prev, ok := idx[carry]; ok && prev != connID {
			if p, ok := r.conns[prev]; ok {
				p.phone = ""
			}
		}
		e.phone = carry
		idx[carry] = connID
	}

	r.logger.Debug("connection classified", "conn_id", connID, "role", role.String())
	return true
}

// Role returns the connection's current role.
func (r *Registry) Role(connID string) Role {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok {
		return e.role
	}
	return RoleUnclassified
}

// BindPhone associates a login phone with the connection. The binding is kept
// on the entry regardless of role, so a login that races ahead of declare_role
// still sticks; the role's phone index is updated only for classified
// connections. A phone already indexed to another connection of the same role
// is rebound to this one.
func (r *Registry) BindPhone(connID, phone string) bool {
	if phone == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return false
	}

	idx := r.phoneIndexLocked(e.role)
	if idx != nil {
		if e.phone != "" {
			delete(idx, e.phone)
		}
		if prev, ok := idx[phone]; ok && prev != connID {
			if p, ok := r.conns[prev]; ok {
				p.phone = ""
			}
		}
		idx[phone] = connID
	}
	e.phone = phone
	return true
}

// BindAccount associates a remote-account id with a viewer connection.
func (r *Registry) BindAccount(connID, accountID string) bool {
	if accountID == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok || e.role != RoleViewer {
		return false
	}

	if e.accountID != "" {
		delete(r.viewerByAccount, e.accountID)
	}
	if prev, ok := r.viewerByAccount[accountID]; ok && prev != connID {
		if p, ok := r.conns[prev]; ok {
			p.accountID = ""
		}
	}
	e.accountID = accountID
	r.viewerByAccount[accountID] = connID
	return true
}

// Phone returns the connection's bound login phone, if any.
func (r *Registry) Phone(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok {
		return e.phone
	}
	return ""
}

// AccountID returns the connection's bound remote-account id, if any.
func (r *Registry) AccountID(connID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[connID]; ok {
		return e.accountID
	}
	return ""
}

// RoleConns returns the connections of a role, most recently classified
// first. The order makes single-target delivery deterministic.
func (r *Registry) RoleConns(role Role) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []*entry
	for _, e := range r.conns {
		if e.role == role {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].classSeq > entries[j].classSeq
	})

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.id
	}
	return ids
}

// ViewerByPhone resolves the viewer connection bound to a phone.
func (r *Registry) ViewerByPhone(phone string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.viewerByPhone[phone]
	return id, ok
}

// ViewerByAccount resolves the viewer connection bound to an account id.
func (r *Registry) ViewerByAccount(accountID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.viewerByAccount[accountID]
	return id, ok
}

// ControllerByPhone resolves the controller connection bound to a phone.
func (r *Registry) ControllerByPhone(phone string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.controllerByPhone[phone]
	return id, ok
}

// Counts returns the number of live connections per role.
func (r *Registry) Counts() (controllers, viewers, unclassified int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.conns {
		switch e.role {
		case RoleController:
			controllers++
		case RoleViewer:
			viewers++
		default:
			unclassified++
		}
	}
	return
}

func (r *Registry) phoneIndexLocked(role Role) map[string]string {
	switch role {
	case RoleViewer:
		return r.viewerByPhone
	case RoleController:
		return r.controllerByPhone
	default:
		return nil
	}
}

// unbindLocked clears the entry's identity bindings and index references.
func (r *Registry) unbindLocked(e *entry) {
	if e.phone != "" {
		if idx := r.phoneIndexLocked(e.role); idx != nil && idx[e.phone] == e.id {
			delete(idx, e.phone)
		}
		e.phone = ""
	}
	if e.accountID != "" {
		if r.viewerByAccount[e.accountID] == e.id {
			delete(r.viewerByAccount, e.accountID)
		}
		e.accountID = ""
	}
}
