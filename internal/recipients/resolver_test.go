package recipients

import (
	"context"
	"testing"

	"sensoralert/internal/datasource"
	"sensoralert/internal/domain"
)

func TestResolveFlattensGroupsAndDeduplicates(t *testing.T) {
	t.Parallel()

	source := datasource.NewMemory(datasource.Fixture{
		Users: []domain.User{
			{ID: 1, Name: "Ana", Email: "ana@example.com", InApp: true},
			{ID: 2, Name: "Bo", Phone: "+15550002"},
			{ID: 3, Name: "Cy", PushToken: "chat-3"},
		},
		Groups: []domain.UserGroup{{ID: 10, MemberIDs: []int64{2, 1, 3, 99}}},
	})
	resolver := NewResolver(source, nil)

	refs := []domain.RecipientRef{domain.UserRef(1), domain.GroupRef(10), domain.UserRef(2), domain.GroupRef(77)}
	got, err := resolver.Resolve(context.Background(), refs)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	wantOrder := []int64{1, 2, 3}
	if len(got) != len(wantOrder) {
		t.Fatalf("unexpected recipients %+v", got)
	}
	for i, id := range wantOrder {
		if got[i].UserID != id {
			t.Fatalf("recipient[%d]=%d want %d", i, got[i].UserID, id)
		}
	}
}

func TestGroupMembershipResolvedAtCallTime(t *testing.T) {
	t.Parallel()

	source := datasource.NewMemory(datasource.Fixture{
		Users:  []domain.User{{ID: 1, Email: "a@x"}, {ID: 2, Email: "b@x"}},
		Groups: []domain.UserGroup{{ID: 10, MemberIDs: []int64{1}}},
	})
	resolver := NewResolver(source, nil)
	refs := []domain.RecipientRef{domain.GroupRef(10)}

	before, _ := resolver.Resolve(context.Background(), refs)
	source.PutGroup(domain.UserGroup{ID: 10, MemberIDs: []int64{1, 2}})
	after, _ := resolver.Resolve(context.Background(), refs)
	if len(before) != 1 || len(after) != 2 {
		t.Fatalf("expected membership change to apply, before=%d after=%d", len(before), len(after))
	}
}

func TestForChannelFiltersByAddress(t *testing.T) {
	t.Parallel()

	list := []Recipient{
		FromUser(domain.User{ID: 1, Email: "a@x", InApp: true}),
		FromUser(domain.User{ID: 2, Phone: "+1"}),
	}
	if got := ForChannel(list, domain.ChannelEmail); len(got) != 1 || got[0].UserID != 1 {
		t.Fatalf("unexpected email recipients %+v", got)
	}
	if got := ForChannel(list, domain.ChannelInApp); len(got) != 1 || got[0].Addresses[domain.ChannelInApp] != "1" {
		t.Fatalf("unexpected in_app recipients %+v", got)
	}
	if got := ForChannel(list, domain.ChannelPush); len(got) != 0 {
		t.Fatalf("expected no push recipients")
	}
}
