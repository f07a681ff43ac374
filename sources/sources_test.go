package sources

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := New(filepath.Join(dir, "sources.json"))
	require.NoError(t, err)
	return r
}

func TestAddAssignsMonotoneIDs(t *testing.T) {
	r := newTestRegistry(t)
	s1, err := r.Add("a", "http://u/a", true, 0)
	require.NoError(t, err)
	s2, err := r.Add("b", "http://u/b", true, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, s1.ID)
	assert.Equal(t, 2, s2.ID)
}

func TestAddAfterDeleteReusesNewHighestID(t *testing.T) {
	r := newTestRegistry(t)
	s1, _ := r.Add("a", "http://u/a", true, 0)
	_, _ = r.Add("b", "http://u/b", true, 0)
	require.NoError(t, r.Delete(s1.ID))
	s3, err := r.Add("c", "http://u/c", true, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, s3.ID)
}

func TestDeleteFiresOnDeleteCascadeHook(t *testing.T) {
	r := newTestRegistry(t)
	s1, _ := r.Add("a", "http://u/a", true, 0)

	var deletedID int
	r.SetOnDelete(func(id int) { deletedID = id })

	require.NoError(t, r.Delete(s1.ID))
	assert.Equal(t, s1.ID, deletedID)
	assert.Empty(t, r.List())
}

func TestDeleteUnknownIDErrors(t *testing.T) {
	r := newTestRegistry(t)
	assert.Error(t, r.Delete(999))
}

func TestListEnabledFiltersDisabled(t *testing.T) {
	r := newTestRegistry(t)
	s1, _ := r.Add("a", "http://u/a", true, 0)
	s2, _ := r.Add("b", "http://u/b", false, 0)

	enabled := r.ListEnabled()
	require.Len(t, enabled, 1)
	assert.Equal(t, s1.ID, enabled[0].ID)

	require.NoError(t, r.Toggle(s2.ID))
	enabled = r.ListEnabled()
	assert.Len(t, enabled, 2)
}

func TestListOrdersByPriorityDescThenID(t *testing.T) {
	r := newTestRegistry(t)
	_, _ = r.Add("low", "http://u/low", true, 1)
	_, _ = r.Add("high", "http://u/high", true, 5)
	_, _ = r.Add("mid", "http://u/mid", true, 3)

	all := r.List()
	require.Len(t, all, 3)
	assert.Equal(t, "high", all[0].Name)
	assert.Equal(t, "mid", all[1].Name)
	assert.Equal(t, "low", all[2].Name)
}

func TestPersistsAcrossReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sources.json")

	r1, err := New(path)
	require.NoError(t, err)
	_, err = r1.Add("a", "http://u/a", true, 0)
	require.NoError(t, err)

	r2, err := New(path)
	require.NoError(t, err)
	assert.Len(t, r2.List(), 1)
}

func TestUpdateMetadata(t *testing.T) {
	r := newTestRegistry(t)
	s1, _ := r.Add("a", "http://u/a", true, 0)
	require.NoError(t, r.UpdateMetadata(s1.ID, 1234, 10, 100))

	all := r.List()
	require.Len(t, all, 1)
	assert.Equal(t, int64(1234), all[0].LastFetched)
	assert.Equal(t, 10, all[0].ConfigCount)
	assert.Equal(t, 100.0, all[0].SuccessRate)
}
