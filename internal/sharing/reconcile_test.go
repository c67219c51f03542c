package sharing

import (
	"context"
	"fmt"
	"testing"

	"github.com/nestlog/nestlog/internal/docstore"
	"github.com/nestlog/nestlog/internal/profile"
)

func TestReconcileRemovesRemotelyDeletedOwnedSubject(t *testing.T) {
	fixture := newProtocolFixture(t)
	fixture.createOwnedSubject(t, "123456")
	ctx := context.Background()

	if err := fixture.remote.Update(ctx, docstore.CollectionSubjects, "123456", map[string]any{"deleted": true}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	report, err := fixture.protocol.Reconcile(ctx, ownerCaller(t))
	if err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}
	if report.Removed != 1 {
		t.Fatalf("expected one removal, got %+v", report)
	}
	if len(fixture.registry.List()) != 0 {
		t.Fatalf("expected empty subject list, got %#v", fixture.registry.List())
	}
}

func TestReconcileRemovesMemberSubjectMissingRemotely(t *testing.T) {
	fixture := newProtocolFixture(t)

	if err := fixture.registry.ApplyRemote(profile.Subject{ID: "gone-1", DisplayName: "June"}, profile.RoleMember); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	report, err := fixture.protocol.Reconcile(context.Background(), memberCaller(t))
	if err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}
	if report.Removed != 1 {
		t.Fatalf("expected one removal, got %+v", report)
	}
	if len(fixture.registry.List()) != 0 {
		t.Fatalf("expected empty subject list, got %#v", fixture.registry.List())
	}
}

func TestReconcileRefreshesProfileWithoutChangingRole(t *testing.T) {
	fixture := newProtocolFixture(t)
	fixture.createOwnedSubject(t, "123456")
	ctx := context.Background()

	memberFixture := newProtocolFixture(t)
	if err := memberFixture.registry.ApplyRemote(profile.Subject{ID: "123456", DisplayName: "June"}, profile.RoleMember); err != nil {
		t.Fatalf("unexpected apply error: %v", err)
	}

	// the owner renames the subject remotely
	if err := fixture.remote.Update(ctx, docstore.CollectionSubjects, "123456", map[string]any{"name": "Juniper"}); err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}

	memberProtocol, err := NewProtocol(ProtocolConfig{
		Remote:   fixture.remote,
		Registry: memberFixture.registry,
	})
	if err != nil {
		t.Fatalf("unexpected protocol constructor error: %v", err)
	}
	report, err := memberProtocol.Reconcile(ctx, memberCaller(t))
	if err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}
	if report.Updated == 0 || report.Removed != 0 {
		t.Fatalf("expected a refresh without removals, got %+v", report)
	}

	subjects := memberFixture.registry.List()
	if len(subjects) != 1 {
		t.Fatalf("expected one subject, got %#v", subjects)
	}
	if subjects[0].DisplayName != "Juniper" {
		t.Fatalf("expected refreshed name, got %q", subjects[0].DisplayName)
	}
	if subjects[0].Role != profile.RoleMember {
		t.Fatalf("remote data must never change a locally known role, got %q", subjects[0].Role)
	}
}

func TestReconcileAdoptsRemoteOnlyOwnedSubject(t *testing.T) {
	fixture := newProtocolFixture(t)
	fixture.createOwnedSubject(t, "123456")

	fresh := newProtocolFixture(t)
	protocol, err := NewProtocol(ProtocolConfig{Remote: fixture.remote, Registry: fresh.registry})
	if err != nil {
		t.Fatalf("unexpected protocol constructor error: %v", err)
	}

	report, err := protocol.Reconcile(context.Background(), ownerCaller(t))
	if err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}
	if report.Updated != 1 {
		t.Fatalf("expected the owned subject to be adopted, got %+v", report)
	}
	subjects := fresh.registry.List()
	if len(subjects) != 1 || subjects[0].ID != "123456" || subjects[0].Role != profile.RoleOwner {
		t.Fatalf("expected owned subject locally, got %#v", subjects)
	}
}

func TestReconcileSkipsOwnerPassWhenRemoteQueryFails(t *testing.T) {
	fixture := newProtocolFixture(t)
	fixture.createOwnedSubject(t, "123456")

	fixture.remote.SetUnavailable(true)
	report, err := fixture.protocol.Reconcile(context.Background(), ownerCaller(t))
	if err != nil {
		t.Fatalf("unexpected reconcile error: %v", err)
	}
	if report.Removed != 0 {
		t.Fatalf("connectivity loss must not be read as deletion, got %+v", report)
	}
	if report.Failed == 0 {
		t.Fatalf("expected the failed pass to be reported, got %+v", report)
	}
	if len(fixture.registry.List()) != 1 {
		t.Fatalf("expected the local subject to survive, got %#v", fixture.registry.List())
	}
}

type countingResolver struct {
	calls int
	urls  map[string]string
}

func (c *countingResolver) Resolve(_ context.Context, refs []string) (map[string]string, error) {
	c.calls++
	out := make(map[string]string, len(refs))
	for _, ref := range refs {
		if url, ok := c.urls[ref]; ok {
			out[ref] = url
		}
	}
	return out, nil
}

func (f *protocolFixture) addJoinRecord(t *testing.T, subjectID, userID, avatar string) {
	t.Helper()
	_, err := f.remote.Add(context.Background(), docstore.CollectionJoinRecords, map[string]any{
		"subjectId":  subjectID,
		"userId":     userID,
		"userName":   userID,
		"userAvatar": avatar,
		"status":     string(JoinApproved),
		"createdAt":  f.now.UnixMilli(),
	})
	if err != nil {
		t.Fatalf("unexpected add error: %v", err)
	}
}

func TestListMembersResolvesBlobAvatarsOnce(t *testing.T) {
	fixture := newProtocolFixture(t)
	ref := fmt.Sprintf("cloud://avatars/%s.png", t.Name())
	resolver := &countingResolver{urls: map[string]string{ref: "https://cdn.example.com/a.png"}}

	protocol, err := NewProtocol(ProtocolConfig{
		Remote:   fixture.remote,
		Registry: fixture.registry,
		Avatars:  resolver,
	})
	if err != nil {
		t.Fatalf("unexpected protocol constructor error: %v", err)
	}
	fixture.addJoinRecord(t, "123456", "member-1", ref)

	for i := 0; i < 2; i++ {
		result, err := protocol.ListMembers(context.Background(), "123456")
		if err != nil {
			t.Fatalf("unexpected list error: %v", err)
		}
		if result.LimitedVisibility {
			t.Fatalf("expected full visibility on pass %d", i)
		}
		if result.Members[0].AvatarURL != "https://cdn.example.com/a.png" {
			t.Fatalf("expected resolved avatar, got %q", result.Members[0].AvatarURL)
		}
	}
	if resolver.calls != 1 {
		t.Fatalf("expected a single resolver call thanks to the cache, got %d", resolver.calls)
	}
}

func TestListMembersWithoutResolverReportsLimitedVisibility(t *testing.T) {
	fixture := newProtocolFixture(t)
	ref := fmt.Sprintf("cloud://avatars/%s.png", t.Name())
	fixture.addJoinRecord(t, "123456", "member-1", ref)

	result, err := fixture.protocol.ListMembers(context.Background(), "123456")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if !result.LimitedVisibility {
		t.Fatalf("expected limited visibility without a resolver")
	}
	if result.Members[0].AvatarURL != "" {
		t.Fatalf("expected unresolved avatar to stay empty, got %q", result.Members[0].AvatarURL)
	}
}

func TestListMembersPassesPlainURLsThrough(t *testing.T) {
	fixture := newProtocolFixture(t)
	fixture.addJoinRecord(t, "123456", "member-1", "https://example.com/me.png")

	result, err := fixture.protocol.ListMembers(context.Background(), "123456")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if result.LimitedVisibility {
		t.Fatalf("expected full visibility for plain URLs")
	}
	if result.Members[0].AvatarURL != "https://example.com/me.png" {
		t.Fatalf("expected pass-through URL, got %q", result.Members[0].AvatarURL)
	}
}
