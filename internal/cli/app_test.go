package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/edgesync/edgesync/internal/config"
	"github.com/edgesync/edgesync/internal/model"
	"github.com/edgesync/edgesync/internal/store"
)

func newTestApp(t *testing.T) *App {
	t.Helper()
	return &App{
		Config: config.Default(),
		Store:  store.NewMemStore(),
		prior:  make(map[string]priorState),
	}
}

func employeeChange(t *testing.T, id string, salary int, op model.Op) model.Change {
	t.Helper()

	rec := model.Record{EntityType: model.EntityEmployee, EntityID: id}
	if op != model.OpDelete {
		if err := rec.SetField("salary", salary, time.Now()); err != nil {
			t.Fatalf("SetField failed: %v", err)
		}
	}
	return model.Change{
		EntityType: model.EntityEmployee,
		EntityID:   id,
		Op:         op,
		Record:     rec,
	}
}

func TestRollbackRestoresPriorRecord(t *testing.T) {
	app := newTestApp(t)

	prior := employeeChange(t, "e-1", 100, model.OpPut)
	raw, err := json.Marshal(prior.Record)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := app.Store.Put("employee", "e-1", raw); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	update := employeeChange(t, "e-1", 200, model.OpPut)
	if err := app.applyLocal(update); err != nil {
		t.Fatalf("applyLocal failed: %v", err)
	}

	applied, err := app.Store.Get("employee", "e-1")
	if err != nil {
		t.Fatalf("Get after apply failed: %v", err)
	}
	if bytes.Equal(applied, raw) {
		t.Fatal("apply did not change the stored record")
	}

	// A failed push must restore the pre-change record, not erase it.
	if err := app.rollbackLocal(update); err != nil {
		t.Fatalf("rollbackLocal failed: %v", err)
	}
	restored, err := app.Store.Get("employee", "e-1")
	if err != nil {
		t.Fatalf("Get after rollback failed: %v", err)
	}
	if !bytes.Equal(restored, raw) {
		t.Errorf("rollback restored %s, want prior record %s", restored, raw)
	}
}

func TestRollbackDeletesCreatedRecord(t *testing.T) {
	app := newTestApp(t)

	create := employeeChange(t, "e-2", 150, model.OpPut)
	if err := app.applyLocal(create); err != nil {
		t.Fatalf("applyLocal failed: %v", err)
	}
	if err := app.rollbackLocal(create); err != nil {
		t.Fatalf("rollbackLocal failed: %v", err)
	}

	if _, err := app.Store.Get("employee", "e-2"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected created record to be removed on rollback, got %v", err)
	}
}

func TestRollbackRestoresDeletedRecord(t *testing.T) {
	app := newTestApp(t)

	prior := employeeChange(t, "e-3", 100, model.OpPut)
	raw, err := json.Marshal(prior.Record)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := app.Store.Put("employee", "e-3", raw); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	del := employeeChange(t, "e-3", 0, model.OpDelete)
	if err := app.applyLocal(del); err != nil {
		t.Fatalf("applyLocal failed: %v", err)
	}
	if _, err := app.Store.Get("employee", "e-3"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected record gone after optimistic delete, got %v", err)
	}

	if err := app.rollbackLocal(del); err != nil {
		t.Fatalf("rollbackLocal failed: %v", err)
	}
	restored, err := app.Store.Get("employee", "e-3")
	if err != nil {
		t.Fatalf("Get after rollback failed: %v", err)
	}
	if !bytes.Equal(restored, raw) {
		t.Errorf("rollback restored %s, want prior record %s", restored, raw)
	}
}

func TestRollbackWithoutSnapshotLeavesState(t *testing.T) {
	app := newTestApp(t)

	prior := employeeChange(t, "e-4", 100, model.OpPut)
	raw, err := json.Marshal(prior.Record)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := app.Store.Put("employee", "e-4", raw); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// No applyLocal happened in this process; rollback must not guess.
	if err := app.rollbackLocal(employeeChange(t, "e-4", 200, model.OpPut)); err != nil {
		t.Fatalf("rollbackLocal failed: %v", err)
	}
	got, err := app.Store.Get("employee", "e-4")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Errorf("rollback without snapshot altered the record: %s", got)
	}
}
