package storage

import (
	"context"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func setupStorage(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	mr := miniredis.RunT(t)
	InitWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	return mr
}

func TestUserGroupsEmpty(t *testing.T) {
	setupStorage(t)

	groups, err := UserGroups(context.Background(), "u1")
	if err != nil {
		t.Fatalf("user groups: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("expected no groups, got %v", groups)
	}
}

func TestAddRemoveUserGroup(t *testing.T) {
	setupStorage(t)
	ctx := context.Background()

	if err := AddUserGroup(ctx, "u1", "general"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := AddUserGroup(ctx, "u1", "random"); err != nil {
		t.Fatalf("add: %v", err)
	}
	// Adding twice is a set add, not an error.
	if err := AddUserGroup(ctx, "u1", "general"); err != nil {
		t.Fatalf("re-add: %v", err)
	}

	groups, err := UserGroups(ctx, "u1")
	if err != nil {
		t.Fatalf("user groups: %v", err)
	}
	sort.Strings(groups)
	if len(groups) != 2 || groups[0] != "general" || groups[1] != "random" {
		t.Fatalf("expected [general random], got %v", groups)
	}

	if err := RemoveUserGroup(ctx, "u1", "general"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	groups, _ = UserGroups(ctx, "u1")
	if len(groups) != 1 || groups[0] != "random" {
		t.Fatalf("expected [random], got %v", groups)
	}
}

func TestUserGroupsIsolatedPerUser(t *testing.T) {
	setupStorage(t)
	ctx := context.Background()

	AddUserGroup(ctx, "u1", "general")
	groups, err := UserGroups(ctx, "u2")
	if err != nil {
		t.Fatalf("user groups: %v", err)
	}
	if len(groups) != 0 {
		t.Fatalf("u2 should have no groups, got %v", groups)
	}
}
