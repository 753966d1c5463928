package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rogers-f/prerender/internal/domain"
)

func sampleBuild(id, shell string, createdAt int64) domain.BuildRecord {
	return domain.BuildRecord{
		BuildID: id,
		Metadata: domain.BuildMetadata{
			BuildID:            id,
			HasDynamicContent:  true,
			HasDeferredState:   true,
			DynamicExpressions: []string{`cookies().get("username")`},
			BuildTime:          time.Unix(createdAt, 0).UTC().Format(time.RFC3339),
			ShellChecksum:      domain.ShellChecksum(shell),
			ShellBytes:         len(shell),
		},
		ShellMarkup:   shell,
		DeferredState: json.RawMessage(`{"boundaries":["greeting"]}`),
		Accesses: []domain.AccessEvent{
			{Expression: `cookies().get("username")`, CapturedAt: "trace"},
			{Expression: "headers()"},
		},
		CreatedAt: createdAt,
	}
}

func saveBuild(t *testing.T, db *sql.DB, repo *BuildRepo, rec domain.BuildRecord) {
	t.Helper()
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := repo.SaveTx(context.Background(), tx, rec); err != nil {
		tx.Rollback()
		t.Fatalf("SaveTx %s: %v", rec.BuildID, err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
}

func TestBuildRepo_SaveAndGetLatest(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := &BuildRepo{}
	now := time.Now().Unix()

	saveBuild(t, db, repo, sampleBuild("b-1", "<p>one</p>", now))
	saveBuild(t, db, repo, sampleBuild("b-2", "<p>two</p>", now+1))

	got, err := repo.GetLatest(ctx, db)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if got == nil {
		t.Fatal("expected build, got nil")
	}
	if got.BuildID != "b-2" {
		t.Errorf("BuildID = %q, want b-2", got.BuildID)
	}
	if got.ShellMarkup != "<p>two</p>" {
		t.Errorf("ShellMarkup = %q", got.ShellMarkup)
	}
	if !got.Metadata.HasDynamicContent {
		t.Error("HasDynamicContent = false, want true")
	}
	if len(got.Accesses) != 2 || got.Accesses[0].Expression != `cookies().get("username")` {
		t.Errorf("Accesses = %+v", got.Accesses)
	}
	if string(got.DeferredState) != `{"boundaries":["greeting"]}` {
		t.Errorf("DeferredState = %s", got.DeferredState)
	}
}

func TestBuildRepo_GetLatest_NoMatch(t *testing.T) {
	db := openTestDB(t)
	repo := &BuildRepo{}

	got, err := repo.GetLatest(context.Background(), db)
	if err != nil {
		t.Fatalf("GetLatest: %v", err)
	}
	if got != nil {
		t.Errorf("expected nil for no match, got %+v", got)
	}
}

func TestBuildRepo_GetByID(t *testing.T) {
	db := openTestDB(t)
	repo := &BuildRepo{}
	now := time.Now().Unix()

	saveBuild(t, db, repo, sampleBuild("b-1", "<p>one</p>", now))
	saveBuild(t, db, repo, sampleBuild("b-2", "<p>two</p>", now+1))

	got, err := repo.GetByID(context.Background(), db, "b-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got == nil || got.ShellMarkup != "<p>one</p>" {
		t.Errorf("GetByID = %+v", got)
	}
}

func TestBuildRepo_ChecksumMismatch(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := &BuildRepo{}

	saveBuild(t, db, repo, sampleBuild("b-1", "<p>one</p>", time.Now().Unix()))
	if _, err := db.Exec(`UPDATE builds SET shell_markup = '<p>tampered</p>' WHERE build_id = 'b-1'`); err != nil {
		t.Fatalf("tamper: %v", err)
	}

	_, err := repo.GetLatest(ctx, db)
	if !errors.Is(err, domain.ErrSnapshotCorrupt) {
		t.Errorf("GetLatest err = %v, want ErrSnapshotCorrupt", err)
	}
}

func TestBuildRepo_DuplicateBuildID(t *testing.T) {
	db := openTestDB(t)
	repo := &BuildRepo{}

	rec := sampleBuild("b-dup", "<p/>", time.Now().Unix())
	tx, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := repo.SaveTx(context.Background(), tx, rec); err != nil {
		t.Fatalf("first SaveTx: %v", err)
	}
	tx.Commit()

	tx2, err := db.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	err = repo.SaveTx(context.Background(), tx2, rec)
	tx2.Rollback()
	if err == nil {
		t.Error("expected error on duplicate build_id, got nil")
	}
}

func TestBuildRepo_List(t *testing.T) {
	db := openTestDB(t)
	repo := &BuildRepo{}
	now := time.Now().Unix()

	for i, id := range []string{"b-1", "b-2", "b-3"} {
		saveBuild(t, db, repo, sampleBuild(id, "<p>"+id+"</p>", now+int64(i)))
	}

	got, err := repo.List(context.Background(), db, 2)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 builds, got %d", len(got))
	}
	if got[0].BuildID != "b-3" || got[1].BuildID != "b-2" {
		t.Errorf("List order = %s, %s", got[0].BuildID, got[1].BuildID)
	}
	if got[0].ShellMarkup != "" {
		t.Error("List should not load shell markup")
	}
}
