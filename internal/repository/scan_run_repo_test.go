package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/rbutinar/power-bi-catalog/internal/model"
	"github.com/rbutinar/power-bi-catalog/internal/testutil"
)

func TestScanRunRepository_CreateAndGet(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewScanRunRepository(db)
	run := &model.ScanRun{ID: "a1b2c3d4", Name: "nightly", Status: model.ScanStatusPending, CreatedAt: time.Now()}

	require.NoError(t, repo.Create(run))

	found, err := repo.GetByID("a1b2c3d4")
	require.NoError(t, err)
	assert.Equal(t, "nightly", found.Name)
	assert.Equal(t, model.ScanStatusPending, found.Status)
}

func TestScanRunRepository_GetByID_NotFound(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewScanRunRepository(db)

	_, err := repo.GetByID("missing")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}

func TestScanRunRepository_Update(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewScanRunRepository(db)
	run := testutil.TestScanRun(t, db, "r1", model.ScanStatusRunning)

	run.Status = model.ScanStatusCompleted
	run.Succeeded = 3
	run.Failed = 1
	require.NoError(t, repo.Update(run))
	require.NoError(t, repo.SetDocumentsIngested("r1", 4))

	found, err := repo.GetByID("r1")
	require.NoError(t, err)
	assert.Equal(t, model.ScanStatusCompleted, found.Status)
	assert.Equal(t, 3, found.Succeeded)
	assert.Equal(t, 1, found.Failed)
	assert.Equal(t, 4, found.DocumentsIngested)
}

func TestScanRunRepository_List(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewScanRunRepository(db)
	testutil.TestScanRun(t, db, "r1", model.ScanStatusCompleted)
	time.Sleep(time.Millisecond)
	testutil.TestScanRun(t, db, "r2", model.ScanStatusRunning)

	runs, err := repo.List(10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "r2", runs[0].ID)

	unfinished, err := repo.GetUnfinished()
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, "r2", unfinished[0].ID)
}

func TestScanRunRepository_Delete(t *testing.T) {
	db := testutil.SetupTestDB(t)
	defer testutil.CleanupTestDB(t, db)

	repo := NewScanRunRepository(db)
	testutil.TestScanRun(t, db, "r1", model.ScanStatusCompleted)

	require.NoError(t, repo.Delete("r1"))

	_, err := repo.GetByID("r1")
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)
}
