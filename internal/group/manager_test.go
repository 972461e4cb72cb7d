package group

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-pulse/agent-pulse/internal/types"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := New(zerolog.Nop(), t.TempDir())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func faultCode(t *testing.T, err error) types.FaultCode {
	t.Helper()
	f, ok := err.(*types.Fault)
	if !ok {
		t.Fatalf("expected *types.Fault, got %T: %v", err, err)
	}
	return f.Code
}

func TestCreateJoinLeaveGroup(t *testing.T) {
	m := newManager(t)
	g, err := m.CreateGroup("g1", "", "My Group", "owner")
	if err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if g.Owner != "owner" || g.Members["owner"].Role != types.RoleOwner {
		t.Fatalf("expected creator to be owner, got %+v", g)
	}

	if _, err := m.CreateGroup("g1", "", "dup", "someone"); faultCode(t, err) != types.CodeGroupAlreadyExists {
		t.Fatalf("expected CodeGroupAlreadyExists, got %v", err)
	}

	if _, err := m.JoinGroup("g1", "", "member1", ""); err != nil {
		t.Fatalf("JoinGroup: %v", err)
	}
	g, _ = m.Get("g1")
	if _, ok := g.Members["member1"]; !ok {
		t.Fatalf("expected member1 to have joined")
	}

	if err := m.LeaveGroup("g1", "member1"); err != nil {
		t.Fatalf("LeaveGroup: %v", err)
	}
	g, _ = m.Get("g1")
	if _, ok := g.Members["member1"]; ok {
		t.Fatalf("expected member1 to have left")
	}
}

func TestOwnerCannotLeaveWithOtherMembers(t *testing.T) {
	m := newManager(t)
	m.CreateGroup("g1", "", "My Group", "owner")
	m.JoinGroup("g1", "", "member1", "")

	err := m.LeaveGroup("g1", "owner")
	if faultCode(t, err) != types.CodeNotGroupOwner {
		t.Fatalf("expected CodeNotGroupOwner, got %v", err)
	}
}

func TestBanPreventsRejoinAndSend(t *testing.T) {
	m := newManager(t)
	m.CreateGroup("g1", "", "My Group", "owner")
	m.JoinGroup("g1", "", "member1", "")

	if err := m.Ban("g1", "owner", "member1"); err != nil {
		t.Fatalf("Ban: %v", err)
	}
	if err := m.CanSendMessage("g1", "member1"); faultCode(t, err) != types.CodeMemberBanned {
		t.Fatalf("expected CodeMemberBanned, got %v", err)
	}
	if _, err := m.JoinGroup("g1", "", "member1", ""); faultCode(t, err) != types.CodeMemberBanned {
		t.Fatalf("expected rejoin to be refused, got %v", err)
	}
}

func TestMuteExpiresAutomatically(t *testing.T) {
	m := newManager(t)
	m.CreateGroup("g1", "", "My Group", "owner")
	m.JoinGroup("g1", "", "member1", "")

	if err := m.Mute("g1", "owner", "member1", 50); err != nil {
		t.Fatalf("Mute: %v", err)
	}
	if err := m.CanSendMessage("g1", "member1"); faultCode(t, err) != types.CodeMemberMuted {
		t.Fatalf("expected muted member to be blocked immediately, got %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if err := m.CanSendMessage("g1", "member1"); err != nil {
		t.Fatalf("expected mute to have expired, got %v", err)
	}
}

func TestAdminPromotionRequiresOwner(t *testing.T) {
	m := newManager(t)
	m.CreateGroup("g1", "", "My Group", "owner")
	m.JoinGroup("g1", "", "member1", "")
	m.JoinGroup("g1", "", "member2", "")

	if err := m.SetAdmin("g1", "member1", "member2", true); faultCode(t, err) != types.CodeNotGroupOwner {
		t.Fatalf("expected non-owner promotion to be refused, got %v", err)
	}
	if err := m.SetAdmin("g1", "owner", "member1", true); err != nil {
		t.Fatalf("SetAdmin by owner: %v", err)
	}
	if err := m.KickMember("g1", "member1", "member2"); err != nil {
		t.Fatalf("expected newly-promoted admin to kick: %v", err)
	}
}

func TestTransferOwnership(t *testing.T) {
	m := newManager(t)
	m.CreateGroup("g1", "", "My Group", "owner")
	m.JoinGroup("g1", "", "member1", "")

	if err := m.TransferOwnership("g1", "owner", "member1"); err != nil {
		t.Fatalf("TransferOwnership: %v", err)
	}
	g, _ := m.Get("g1")
	if g.Owner != "member1" {
		t.Fatalf("expected owner to be member1, got %s", g.Owner)
	}
	if g.Members["owner"].Role != types.RoleAdmin {
		t.Fatalf("expected former owner demoted to admin, got %v", g.Members["owner"].Role)
	}
}

func TestHistoryRoundTrip(t *testing.T) {
	m := newManager(t)
	m.CreateGroup("g1", "", "My Group", "owner")

	rec := types.GroupHistoryRecord{
		StoredMessage: types.StoredMessage{ID: "e1", From: "owner", Content: "hi", IsGroup: true, GroupID: "g1"},
		SavedAt:       1,
	}
	if err := m.AppendHistory("g1", rec); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	recs, err := m.History("g1")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != "e1" {
		t.Fatalf("expected 1 history record with id e1, got %+v", recs)
	}
}

func TestInvalidGroupIDRejected(t *testing.T) {
	m := newManager(t)
	if _, err := m.CreateGroup("../escape", "", "bad", "owner"); faultCode(t, err) != types.CodeInvalidArgs {
		t.Fatalf("expected path-unsafe id rejected, got %v", err)
	}
}

func TestPersistenceAcrossReload(t *testing.T) {
	dir := t.TempDir()
	m1, err := New(zerolog.Nop(), dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	m1.CreateGroup("g1", "", "My Group", "owner")

	m2, err := New(zerolog.Nop(), dir)
	if err != nil {
		t.Fatalf("reload New: %v", err)
	}
	if _, ok := m2.Get("g1"); !ok {
		t.Fatalf("expected group g1 to survive reload")
	}
}
