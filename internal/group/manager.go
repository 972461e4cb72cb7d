// Package group implements the group manager (M7): membership, roles,
// ban/mute policy, and per-group history persistence.
package group

import (
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-pulse/agent-pulse/internal/store"
	"github.com/agent-pulse/agent-pulse/internal/types"
)

// idPattern validates a group id is safe to use as a filename
// component, applied on both read and write since group ids can
// originate from network input.
var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Manager owns every Group's state plus its on-disk persistence. It is
// instance-scoped, constructed once by the worker supervisor.
type Manager struct {
	log zerolog.Logger

	groupsPath  string
	historyRoot string

	mu     sync.RWMutex
	groups map[string]*types.Group
}

// New constructs a Manager rooted at dataDir, loading any persisted
// groups.json.
func New(log zerolog.Logger, dataDir string) (*Manager, error) {
	m := &Manager{
		log:         log.With().Str("component", "group_manager").Logger(),
		groupsPath:  filepath.Join(dataDir, "groups.json"),
		historyRoot: filepath.Join(dataDir, "group_history"),
		groups:      make(map[string]*types.Group),
	}
	var persisted struct {
		Groups map[string]*types.Group `json:"groups"`
	}
	if err := store.ReadJSON(m.groupsPath, &persisted); err != nil {
		return nil, fmt.Errorf("group: load groups: %w", err)
	}
	if persisted.Groups != nil {
		m.groups = persisted.Groups
	}
	return m, nil
}

func (m *Manager) persistLocked() {
	doc := struct {
		Groups map[string]*types.Group `json:"groups"`
	}{Groups: m.groups}
	if err := store.WriteJSONAtomic(m.groupsPath, doc, 0o644); err != nil {
		m.log.Error().Err(err).Msg("failed to persist groups")
	}
}

// Get returns the manager's own pointer to group id (not a copy), and
// false if the id is unknown.
func (m *Manager) Get(id string) (*types.Group, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	return g, ok
}

// List returns every known group.
func (m *Manager) List() []*types.Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*types.Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	return out
}

func validateID(id string) error {
	if !idPattern.MatchString(id) {
		return types.NewFault(types.CodeInvalidArgs, "group id must match [A-Za-z0-9_-]+")
	}
	return nil
}

// historyPath returns the safety-checked path to a group's history
// file, refusing ids that would resolve outside historyRoot.
func (m *Manager) historyPath(id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}
	p := filepath.Join(m.historyRoot, id+".jsonl")
	if err := store.WithinRoot(m.historyRoot, p); err != nil {
		return "", types.NewFault(types.CodeInvalidArgs, "group id resolves outside history root")
	}
	return p, nil
}

func nowMS() int64 { return time.Now().UnixMilli() }

// CreateGroup creates a new group owned by owner. name must be at
// least 2 characters.
func (m *Manager) CreateGroup(id, topic, name, owner string) (*types.Group, error) {
	if len(name) < 2 {
		return nil, types.NewFault(types.CodeInvalidArgs, "group name must be at least 2 characters")
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	if topic == "" {
		topic = "group-" + id
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.groups[id]; exists {
		return nil, types.NewFault(types.CodeGroupAlreadyExists, "group "+id+" already exists")
	}

	now := nowMS()
	g := &types.Group{
		ID:    id,
		Name:  name,
		Topic: topic,
		Owner: owner,
		Members: map[string]*types.Member{
			owner: {PubKey: owner, Role: types.RoleOwner, JoinedAt: now, LastSeen: now},
		},
		CreatedAt: now,
		Settings:  types.GroupSettings{IsPublic: false, AllowInvite: true, HistoryVisible: true},
	}
	m.groups[id] = g
	m.persistLocked()
	return g, nil
}

// JoinGroup upserts pubkey as a member of id. If the group is unknown,
// a shell group is created with owner=="".
func (m *Manager) JoinGroup(id, topic, pubkey, name string) (*types.Group, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		if topic == "" {
			topic = "group-" + id
		}
		if name == "" {
			name = id
		}
		g = &types.Group{
			ID:        id,
			Name:      name,
			Topic:     topic,
			Owner:     "",
			Members:   make(map[string]*types.Member),
			CreatedAt: nowMS(),
			Settings:  types.GroupSettings{IsPublic: true, AllowInvite: true, HistoryVisible: true},
		}
		m.groups[id] = g
	}

	if existing, ok := g.Members[pubkey]; ok {
		if existing.IsBanned {
			return nil, types.NewFault(types.CodeMemberBanned, "banned members cannot rejoin")
		}
		existing.LastSeen = nowMS()
		m.persistLocked()
		return g, nil
	}

	now := nowMS()
	g.Members[pubkey] = &types.Member{PubKey: pubkey, Role: types.RoleMember, JoinedAt: now, LastSeen: now}
	m.persistLocked()
	return g, nil
}

// LeaveGroup removes pubkey from the group. An owner may only leave if
// no other members remain (otherwise they must transfer ownership
// first); the group is deleted once its last member leaves.
func (m *Manager) LeaveGroup(id, pubkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return types.NewFault(types.CodeGroupNotFound, "group "+id+" not found")
	}
	member, ok := g.Members[pubkey]
	if !ok {
		return types.NewFault(types.CodeMemberNotFound, "not a member of "+id)
	}

	if member.Role == types.RoleOwner && len(g.Members) > 1 {
		return types.NewFault(types.CodeNotGroupOwner, "transfer ownership before leaving")
	}

	delete(g.Members, pubkey)
	if len(g.Members) == 0 {
		delete(m.groups, id)
	}
	m.persistLocked()
	return nil
}

func requireAdmin(g *types.Group, operator string) (*types.Member, error) {
	op, ok := g.Members[operator]
	if !ok {
		return nil, types.NewFault(types.CodeMemberNotFound, "operator is not a member")
	}
	if op.Role != types.RoleAdmin && op.Role != types.RoleOwner {
		return nil, types.NewFault(types.CodeNotGroupOwner, "operator must be admin or owner")
	}
	return op, nil
}

// KickMember removes target from the group. operator must be admin+
// and target must not be the owner.
func (m *Manager) KickMember(id, operator, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return types.NewFault(types.CodeGroupNotFound, "group "+id+" not found")
	}
	if _, err := requireAdmin(g, operator); err != nil {
		return err
	}
	if target == g.Owner {
		return types.NewFault(types.CodeNotGroupOwner, "cannot kick the owner")
	}
	if _, ok := g.Members[target]; !ok {
		return types.NewFault(types.CodeMemberNotFound, "target is not a member")
	}
	delete(g.Members, target)
	m.persistLocked()
	return nil
}

// setBan flips target's ban flag, creating a stub member record if
// target isn't already one so future enforcement has a place to live.
func (m *Manager) setBan(id, operator, target string, banned bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return types.NewFault(types.CodeGroupNotFound, "group "+id+" not found")
	}
	if _, err := requireAdmin(g, operator); err != nil {
		return err
	}
	if target == g.Owner {
		return types.NewFault(types.CodeNotGroupOwner, "cannot ban the owner")
	}
	member, ok := g.Members[target]
	if !ok {
		member = &types.Member{PubKey: target, Role: types.RoleMember, JoinedAt: nowMS()}
		g.Members[target] = member
	}
	member.IsBanned = banned
	m.persistLocked()
	return nil
}

// Ban bans target from the group.
func (m *Manager) Ban(id, operator, target string) error { return m.setBan(id, operator, target, true) }

// Unban lifts a ban on target.
func (m *Manager) Unban(id, operator, target string) error {
	return m.setBan(id, operator, target, false)
}

// Mute silences target for durationMS (0 = indefinite).
func (m *Manager) Mute(id, operator, target string, durationMS int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return types.NewFault(types.CodeGroupNotFound, "group "+id+" not found")
	}
	if _, err := requireAdmin(g, operator); err != nil {
		return err
	}
	if target == g.Owner {
		return types.NewFault(types.CodeNotGroupOwner, "cannot mute the owner")
	}
	member, ok := g.Members[target]
	if !ok {
		return types.NewFault(types.CodeMemberNotFound, "target is not a member")
	}
	member.IsMuted = true
	if durationMS > 0 {
		member.MutedUntil = nowMS() + durationMS
	} else {
		member.MutedUntil = 0
	}
	m.persistLocked()
	return nil
}

// Unmute clears target's mute flag.
func (m *Manager) Unmute(id, operator, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return types.NewFault(types.CodeGroupNotFound, "group "+id+" not found")
	}
	if _, err := requireAdmin(g, operator); err != nil {
		return err
	}
	member, ok := g.Members[target]
	if !ok {
		return types.NewFault(types.CodeMemberNotFound, "target is not a member")
	}
	member.IsMuted = false
	member.MutedUntil = 0
	m.persistLocked()
	return nil
}

// SetAdmin promotes or demotes target; operator must be the owner.
func (m *Manager) SetAdmin(id, operator, target string, admin bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return types.NewFault(types.CodeGroupNotFound, "group "+id+" not found")
	}
	if operator != g.Owner {
		return types.NewFault(types.CodeNotGroupOwner, "only the owner can change admin status")
	}
	member, ok := g.Members[target]
	if !ok {
		return types.NewFault(types.CodeMemberNotFound, "target is not a member")
	}
	if admin {
		member.Role = types.RoleAdmin
	} else {
		member.Role = types.RoleMember
	}
	m.persistLocked()
	return nil
}

// TransferOwnership swaps operator (owner) and target's roles.
func (m *Manager) TransferOwnership(id, operator, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return types.NewFault(types.CodeGroupNotFound, "group "+id+" not found")
	}
	if operator != g.Owner {
		return types.NewFault(types.CodeNotGroupOwner, "only the owner can transfer ownership")
	}
	targetMember, ok := g.Members[target]
	if !ok {
		return types.NewFault(types.CodeMemberNotFound, "target is not a member")
	}
	opMember := g.Members[operator]
	opMember.Role = types.RoleAdmin
	targetMember.Role = types.RoleOwner
	targetMember.IsBanned = false
	targetMember.IsMuted = false
	targetMember.MutedUntil = 0
	g.Owner = target
	m.persistLocked()
	return nil
}

// CanSendMessage reports whether pubkey may currently send into group
// id, clearing an expired mute as a side effect.
func (m *Manager) CanSendMessage(id, pubkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[id]
	if !ok {
		return types.NewFault(types.CodeGroupNotFound, "group "+id+" not found")
	}
	member, ok := g.Members[pubkey]
	if !ok {
		return types.NewFault(types.CodeMemberNotFound, "not a member of "+id)
	}
	if member.IsBanned {
		return types.NewFault(types.CodeMemberBanned, "banned from "+id)
	}
	if member.IsMuted {
		if member.MutedUntil != 0 && member.MutedUntil <= nowMS() {
			member.IsMuted = false
			member.MutedUntil = 0
			m.persistLocked()
			return nil
		}
		return types.NewFault(types.CodeMemberMuted, "muted in "+id)
	}
	return nil
}

// TouchLastSeen updates a member's lastSeen timestamp, used by the
// dispatcher when a group message arrives.
func (m *Manager) TouchLastSeen(id, pubkey string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[id]
	if !ok {
		return
	}
	if member, ok := g.Members[pubkey]; ok {
		member.LastSeen = nowMS()
	}
}

// AppendHistory persists a message to the group's history file.
func (m *Manager) AppendHistory(id string, rec types.GroupHistoryRecord) error {
	path, err := m.historyPath(id)
	if err != nil {
		return err
	}
	if err := store.AppendJSONLine(path, rec, 0o644); err != nil {
		return types.NewFault(types.CodeFileError, err.Error())
	}
	return nil
}

// History returns every record in a group's history file.
func (m *Manager) History(id string) ([]types.GroupHistoryRecord, error) {
	path, err := m.historyPath(id)
	if err != nil {
		return nil, err
	}
	recs, err := store.ReadJSONLines[types.GroupHistoryRecord](path)
	if err != nil {
		return nil, types.NewFault(types.CodeFileError, err.Error())
	}
	return recs, nil
}
