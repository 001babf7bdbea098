package collaborators

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryUserRepository_FindAndBan(t *testing.T) {
	repo := NewInMemoryUserRepository()
	repo.Put(User{ID: "u1", Username: "alice"})
	ctx := context.Background()

	u, err := repo.FindUser(ctx, "u1")
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	if u.Username != "alice" {
		t.Errorf("expected username alice, got %s", u.Username)
	}

	banned, err := repo.IsBanned(ctx, "u1")
	if err != nil {
		t.Fatalf("IsBanned: %v", err)
	}
	if banned {
		t.Fatal("expected u1 not banned yet")
	}

	repo.Ban("u1")
	banned, err = repo.IsBanned(ctx, "u1")
	if err != nil {
		t.Fatalf("IsBanned after ban: %v", err)
	}
	if !banned {
		t.Fatal("expected u1 to be banned")
	}
}

func TestInMemoryUserRepository_FindUser_Unknown(t *testing.T) {
	repo := NewInMemoryUserRepository()
	ctx := context.Background()

	u, err := repo.FindUser(ctx, "ghost")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if u != nil {
		t.Fatalf("expected nil user for an unknown id, got %+v", u)
	}
}

func TestInMemoryUserRepository_FindUser_ReturnsCopy(t *testing.T) {
	repo := NewInMemoryUserRepository()
	repo.Put(User{ID: "u1", Username: "alice"})
	ctx := context.Background()

	u, err := repo.FindUser(ctx, "u1")
	if err != nil {
		t.Fatalf("FindUser: %v", err)
	}
	u.Username = "mutated"

	u2, err := repo.FindUser(ctx, "u1")
	if err != nil {
		t.Fatalf("FindUser again: %v", err)
	}
	if u2.Username != "alice" {
		t.Fatalf("expected repository's stored copy unaffected by caller mutation, got %s", u2.Username)
	}
}

func TestInMemoryFriendRepository_SymmetricAreFriends(t *testing.T) {
	repo := NewInMemoryFriendRepository()
	repo.Add("a", "b")
	ctx := context.Background()

	areFriends, err := repo.AreFriends(ctx, "a", "b")
	if err != nil {
		t.Fatalf("AreFriends(a,b): %v", err)
	}
	if !areFriends {
		t.Fatal("expected a and b to be friends")
	}

	areFriends, err = repo.AreFriends(ctx, "b", "a")
	if err != nil {
		t.Fatalf("AreFriends(b,a): %v", err)
	}
	if !areFriends {
		t.Fatal("expected friendship to be symmetric")
	}
}

func TestInMemoryFriendRepository_StrangersAreNotFriends(t *testing.T) {
	repo := NewInMemoryFriendRepository()
	repo.Add("a", "b")
	ctx := context.Background()

	areFriends, err := repo.AreFriends(ctx, "a", "c")
	if err != nil {
		t.Fatalf("AreFriends(a,c): %v", err)
	}
	if areFriends {
		t.Fatal("expected a and c to not be friends")
	}
}

func TestInMemorySessionHistoryRecorder_RecordAndRecent(t *testing.T) {
	rec := NewInMemorySessionHistoryRecorder(2)
	ctx := context.Background()
	now := time.Now()

	if err := rec.RecordSessionEnded(ctx, "s1", now, now.Add(time.Minute), "completed"); err != nil {
		t.Fatalf("record s1: %v", err)
	}
	if err := rec.RecordSessionEnded(ctx, "s2", now, now.Add(time.Minute), "completed"); err != nil {
		t.Fatalf("record s2: %v", err)
	}

	recent := rec.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("expected 2 recorded entries, got %d", len(recent))
	}
}

func TestInMemorySessionHistoryRecorder_EvictsOldestAtCap(t *testing.T) {
	rec := NewInMemorySessionHistoryRecorder(2)
	ctx := context.Background()
	now := time.Now()

	if err := rec.RecordSessionEnded(ctx, "s1", now, now, "completed"); err != nil {
		t.Fatalf("record s1: %v", err)
	}
	if err := rec.RecordSessionEnded(ctx, "s2", now, now, "completed"); err != nil {
		t.Fatalf("record s2: %v", err)
	}
	if err := rec.RecordSessionEnded(ctx, "s3", now, now, "completed"); err != nil {
		t.Fatalf("record s3: %v", err)
	}

	recent := rec.Recent(10)
	if len(recent) != 2 {
		t.Fatalf("expected cap of 2 entries retained, got %d", len(recent))
	}
	for _, entry := range recent {
		if entry.SessionID == "s1" {
			t.Fatal("expected the oldest entry (s1) to have been evicted")
		}
	}
}
