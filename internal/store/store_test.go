package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hoangvt/docpipe/pkg/schema"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s := New(dir)
	require.NoError(t, s.Init())
	t.Cleanup(s.Close)
	return s
}

func record(id, source string) schema.JobRecord {
	return schema.JobRecord{
		ID:         id,
		SourcePath: source,
		Status:     schema.StatusUploaded,
		Timestamp:  time.Now().UTC().Truncate(time.Second),
	}
}

func jsonFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".json") {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestInsertPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)

	require.NoError(t, s.Insert(record("a", "data/a.png")))
	require.NoError(t, s.Insert(record("b", "data/b.png")))
	s.Close()

	reopened := openStore(t, dir)
	all := reopened.ReadAll()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].ID)
	assert.Equal(t, "b", all[1].ID)
}

func TestInsertRejectsDuplicateSourcePath(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Insert(record("a", "data/a.png")))

	err := s.Insert(record("b", "data/a.png"))
	require.ErrorIs(t, err, ErrDuplicate)
	assert.Len(t, s.ReadAll(), 1)
}

func TestInitIsIdempotent(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Insert(record("a", "data/a.png")))
	require.NoError(t, s.Init())
	assert.Len(t, s.ReadAll(), 1)
}

func TestUpdateAppliesPatchAndReportsCount(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Insert(record("a", "data/a.png")))

	n, err := s.Update(BySourcePath("data/a.png"), func(j *schema.JobRecord) {
		j.Status = schema.StatusOcrProcessing
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, ok := s.FindOne(ByID("a"))
	require.True(t, ok)
	assert.Equal(t, schema.StatusOcrProcessing, rec.Status)
}

func TestUpdateZeroMatchesWritesNothing(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.Insert(record("a", "data/a.png")))
	before := jsonFiles(t, dir)

	n, err := s.Update(BySourcePath("missing.png"), func(j *schema.JobRecord) {
		j.Status = schema.StatusCompleted
	})
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, before, jsonFiles(t, dir))
}

func TestUpsertInsertsThenUpdates(t *testing.T) {
	s := openStore(t, t.TempDir())

	updated, err := s.Upsert(BySourcePath("data/a.png"), record("a", "data/a.png"))
	require.NoError(t, err)
	assert.False(t, updated)
	assert.Len(t, s.ReadAll(), 1)

	patch := schema.JobRecord{SourcePath: "data/a.png", OriginalText: "hello", Status: schema.StatusOcrCompleted}
	updated, err = s.Upsert(BySourcePath("data/a.png"), patch)
	require.NoError(t, err)
	assert.True(t, updated)
	assert.Len(t, s.ReadAll(), 1)

	rec, ok := s.FindOne(BySourcePath("data/a.png"))
	require.True(t, ok)
	assert.Equal(t, "a", rec.ID, "merge must keep fields the patch omits")
	assert.Equal(t, "hello", rec.OriginalText)
	assert.Equal(t, schema.StatusOcrCompleted, rec.Status)
}

func TestDeleteRemovesMatchesAndFiles(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.Insert(record("a", "data/a.png")))
	require.NoError(t, s.Insert(record("b", "data/b.png")))

	n, err := s.Delete(ByID("a"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, jsonFiles(t, dir), 1)

	n, err = s.Delete(ByID("a"))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestClearEmptiesStoreAndReportsPriorCount(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.Insert(record("a", "data/a.png")))
	require.NoError(t, s.Insert(record("b", "data/b.png")))

	n, err := s.Clear()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Empty(t, s.ReadAll())
	assert.Empty(t, jsonFiles(t, dir))
}

func TestReadAllReturnsCopies(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Insert(record("a", "data/a.png")))

	all := s.ReadAll()
	all[0].Status = schema.StatusCompleted

	rec, ok := s.FindOne(ByID("a"))
	require.True(t, ok)
	assert.Equal(t, schema.StatusUploaded, rec.Status)
}

func TestFindAllFiltersInOrder(t *testing.T) {
	s := openStore(t, t.TempDir())
	for i := 0; i < 5; i++ {
		rec := record(fmt.Sprintf("id-%d", i), fmt.Sprintf("data/%d.png", i))
		if i%2 == 0 {
			rec.Status = schema.StatusCompleted
		}
		require.NoError(t, s.Insert(rec))
	}

	done := s.FindAll(func(r schema.JobRecord) bool { return r.Status == schema.StatusCompleted })
	require.Len(t, done, 3)
	assert.Equal(t, "id-0", done[0].ID)
	assert.Equal(t, "id-4", done[2].ID)
}

func TestInitQuarantinesCorruptRecord(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	require.NoError(t, s.Insert(record("a", "data/a.png")))
	s.Close()

	files := jsonFiles(t, dir)
	require.Len(t, files, 1)
	require.NoError(t, os.WriteFile(filepath.Join(dir, files[0]), []byte("{not json"), 0o644))

	err := New(dir).Init()
	require.ErrorIs(t, err, ErrCorruptRecord)

	entries, err2 := os.ReadDir(dir)
	require.NoError(t, err2)
	quarantined := false
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt-") {
			quarantined = true
		}
	}
	assert.True(t, quarantined, "corrupt file must be preserved for inspection")
	assert.Empty(t, jsonFiles(t, dir), "corrupt file must not stay in place")
}

// The gateway and the workers each hold their own Store over the shared
// directory; reads must observe the progress the other processes persist,
// not the snapshot loaded at Init.
func TestFindOneSeesOtherProcessWrites(t *testing.T) {
	dir := t.TempDir()
	worker := openStore(t, dir)
	require.NoError(t, worker.Insert(record("a", "data/a.png")))

	gateway := openStore(t, dir)
	rec, ok := gateway.FindOne(ByID("a"))
	require.True(t, ok)
	require.Equal(t, schema.StatusUploaded, rec.Status)

	_, err := worker.Update(ByID("a"), func(j *schema.JobRecord) {
		j.Status = schema.StatusOcrCompleted
		j.OriginalText = "scanned"
	})
	require.NoError(t, err)

	rec, ok = gateway.FindOne(ByID("a"))
	require.True(t, ok)
	assert.Equal(t, schema.StatusOcrCompleted, rec.Status, "reads must see status persisted by another process")
	assert.Equal(t, "scanned", rec.OriginalText)

	require.NoError(t, worker.Insert(record("b", "data/b.png")))
	_, ok = gateway.FindOne(ByID("b"))
	assert.True(t, ok, "reads must see records created by another process")
}

func TestFindOneSeesOtherProcessDeletes(t *testing.T) {
	dir := t.TempDir()
	worker := openStore(t, dir)
	require.NoError(t, worker.Insert(record("a", "data/a.png")))

	gateway := openStore(t, dir)
	_, ok := gateway.FindOne(ByID("a"))
	require.True(t, ok)

	n, err := worker.Delete(ByID("a"))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	_, ok = gateway.FindOne(ByID("a"))
	assert.False(t, ok, "reads must not resurrect records deleted by another process")
}

func TestPendingLocalWriteWinsOverDiskDuringRefresh(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Insert(record("a", "data/a.png")))

	// Reads interleaved with writes must never hand back a state older than
	// the caller's own completed mutations.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 20; i++ {
			s.FindOne(ByID("a"))
		}
	}()
	for i := 0; i < 20; i++ {
		_, err := s.Update(ByID("a"), func(j *schema.JobRecord) {
			j.OriginalText = fmt.Sprintf("v-%d", i)
		})
		require.NoError(t, err)
		rec, ok := s.FindOne(ByID("a"))
		require.True(t, ok)
		require.Equal(t, fmt.Sprintf("v-%d", i), rec.OriginalText)
	}
	wg.Wait()
}

// Two stores over the same directory stand in for two stage processes. With
// one file per record, concurrent writers to different records must not lose
// either mutation.
func TestConcurrentProcessesDoNotClobberEachOther(t *testing.T) {
	dir := t.TempDir()
	seed := openStore(t, dir)
	require.NoError(t, seed.Insert(record("a", "data/a.png")))
	require.NoError(t, seed.Insert(record("b", "data/b.png")))
	seed.Close()

	procA := openStore(t, dir)
	procB := openStore(t, dir)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, err := procA.Update(ByID("a"), func(j *schema.JobRecord) {
				j.OriginalText = fmt.Sprintf("a-%d", i)
				j.Status = schema.StatusOcrCompleted
			})
			assert.NoError(t, err)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_, err := procB.Update(ByID("b"), func(j *schema.JobRecord) {
				j.TranslatedText = fmt.Sprintf("b-%d", i)
				j.Status = schema.StatusTranslationCompleted
			})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()
	procA.Close()
	procB.Close()

	final := openStore(t, dir)
	a, ok := final.FindOne(ByID("a"))
	require.True(t, ok)
	b, ok := final.FindOne(ByID("b"))
	require.True(t, ok)
	assert.Equal(t, "a-49", a.OriginalText, "writer A's last mutation must survive writer B")
	assert.Equal(t, "b-49", b.TranslatedText, "writer B's last mutation must survive writer A")
}

func TestPersistErrorsPropagateToCaller(t *testing.T) {
	s := openStore(t, t.TempDir())
	require.NoError(t, s.Insert(record("a", "data/a.png")))
	s.Close()

	_, err := s.Update(ByID("a"), func(j *schema.JobRecord) {
		j.Status = schema.StatusOcrProcessing
	})
	require.Error(t, err, "a mutation that cannot persist must report it")
}
