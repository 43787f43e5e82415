package durable

import (
	"context"
	"testing"

	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/durable/testutil"
)

func newBannersRepoForTest(t *testing.T) (BannersRepo, dbctx.Context) {
	t.Helper()
	svc := testutil.Service(t)
	tx := testutil.Tx(t, svc)
	repo := NewBannersRepo(tx, testutil.Logger(t))
	return repo, dbctx.Context{Ctx: context.Background(), Tx: tx}
}

func TestBannersRepoAddListDelete(t *testing.T) {
	repo, dbc := newBannersRepoForTest(t)

	low, err := repo.Add(dbc, "info", 1, "<p>scheduled maintenance</p>")
	if err != nil {
		t.Fatalf("Add low: %v", err)
	}
	high, err := repo.Add(dbc, "warning", 5, "<p>urgent</p>")
	if err != nil {
		t.Fatalf("Add high: %v", err)
	}

	list, err := repo.List(dbc)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("List: expected 2 banners, got %d", len(list))
	}
	if list[0].ID != high.ID {
		t.Fatalf("List: expected highest urgency first, got %+v", list[0])
	}

	if err := repo.Delete(dbc, low.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	list, err = repo.List(dbc)
	if err != nil {
		t.Fatalf("List after delete: %v", err)
	}
	if len(list) != 1 || list[0].ID != high.ID {
		t.Fatalf("List after delete: unexpected result %+v", list)
	}

	if err := repo.Delete(dbc, low.ID); err == nil {
		t.Fatal("Delete: expected not-found deleting twice")
	}
}
