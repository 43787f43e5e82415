package durable

import (
	"context"
	"testing"

	"github.com/scribeworks/controlplane/internal/dbctx"
	"github.com/scribeworks/controlplane/internal/durable/testutil"
)

func newRunnersRepoForTest(t *testing.T) (RunnersRepo, dbctx.Context) {
	t.Helper()
	svc := testutil.Service(t)
	tx := testutil.Tx(t, svc)
	repo := NewRunnersRepo(tx, testutil.Logger(t))
	return repo, dbctx.Context{Ctx: context.Background(), Tx: tx}
}

func TestRunnersRepoCreateAndGetByToken(t *testing.T) {
	repo, dbc := newRunnersRepoForTest(t)

	id, token, err := repo.Create(dbc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == 0 || token == "" {
		t.Fatalf("Create: expected non-zero id and non-empty token, got id=%d token=%q", id, token)
	}

	identity, err := repo.GetByToken(dbc, token)
	if err != nil {
		t.Fatalf("GetByToken: %v", err)
	}
	if identity.ID != id {
		t.Fatalf("GetByToken: expected id %d, got %d", id, identity.ID)
	}

	if _, err := repo.GetByToken(dbc, "not-a-real-token"); err == nil {
		t.Fatal("GetByToken: expected error for unknown token")
	}
}

func TestRunnersRepoExistsAndDelete(t *testing.T) {
	repo, dbc := newRunnersRepoForTest(t)

	id, _, err := repo.Create(dbc)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	exists, err := repo.Exists(dbc, id)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Fatal("Exists: expected true after Create")
	}

	if err := repo.Delete(dbc, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	exists, err = repo.Exists(dbc, id)
	if err != nil {
		t.Fatalf("Exists after delete: %v", err)
	}
	if exists {
		t.Fatal("Exists: expected false after Delete")
	}

	if err := repo.Delete(dbc, id); err == nil {
		t.Fatal("Delete: expected not-found deleting twice")
	}
}
