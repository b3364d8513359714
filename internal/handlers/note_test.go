package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/notesd/apiserver/internal/db"
	"github.com/notesd/apiserver/internal/db/dbtest"
	"github.com/notesd/apiserver/internal/services"
	"github.com/notesd/apiserver/internal/storage"
	"github.com/notesd/apiserver/internal/store"
	"github.com/notesd/apiserver/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var noteColumns = []string{"id", "title", "content", "user_id", "created_at", "updated_at"}

type noteFixture struct {
	router http.Handler
	mock   sqlmock.Sqlmock
	user   uuid.UUID
	token  string
	queue  *recordingQueue
	pool   *db.Pool
}

func newNoteFixture(t *testing.T, exports *services.ExportService) *noteFixture {
	t.Helper()
	pool, mock := dbtest.NewPool(t, dbtest.Config(2))
	tokens := newTokens()
	user := uuid.New()
	token, err := tokens.Issue(user.String(), time.Hour)
	require.NoError(t, err)

	queue := &recordingQueue{}
	handler := NewNoteHandler(services.NewNoteService(store.NewNoteRepository()), exports, queue, nil)
	r := chi.NewRouter()
	r.Route("/notes", func(r chi.Router) {
		NoteRouter(r, handler, RequireAuth(tokens, pool, nil), RequireSubject(tokens, nil))
	})
	return &noteFixture{router: r, mock: mock, user: user, token: token, queue: queue, pool: pool}
}

func (f *noteFixture) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+f.token)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestNotes_List(t *testing.T) {
	f := newNoteFixture(t, nil)
	now := time.Now()
	f.mock.ExpectQuery("FROM notes").
		WithArgs(f.user, `%groc%`, 100, 10).
		WillReturnRows(sqlmock.NewRows(noteColumns).AddRow(int64(1), "groceries", "milk", f.user.String(), now, now))

	rec := f.do(http.MethodGet, "/notes?search=groc&limit=500&offset=10", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var notes []types.Note
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &notes))
	require.Len(t, notes, 1)
	assert.Equal(t, "groceries", notes[0].Title)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestNotes_ListEmptyIsArray(t *testing.T) {
	f := newNoteFixture(t, nil)
	f.mock.ExpectQuery("FROM notes").WillReturnRows(sqlmock.NewRows(noteColumns))

	rec := f.do(http.MethodGet, "/notes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestNotes_ListBadPagination(t *testing.T) {
	f := newNoteFixture(t, nil)
	for _, q := range []string{"limit=0", "limit=x", "offset=-1"} {
		rec := f.do(http.MethodGet, "/notes?"+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestNotes_Create(t *testing.T) {
	f := newNoteFixture(t, nil)
	now := time.Now()
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO notes").
		WithArgs("Todo", "write tests", f.user).
		WillReturnRows(sqlmock.NewRows(noteColumns).AddRow(int64(3), "Todo", "write tests", f.user.String(), now, now))
	f.mock.ExpectCommit()

	rec := f.do(http.MethodPost, "/notes", `{"title":" Todo ","content":"write tests"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"id":3`)

	empty := f.do(http.MethodPost, "/notes", `{"title":"  "}`)
	assert.Equal(t, http.StatusBadRequest, empty.Code)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestNotes_GetForeignIsNotFound(t *testing.T) {
	f := newNoteFixture(t, nil)
	f.mock.ExpectQuery("FROM notes").WithArgs(int64(8), f.user).WillReturnRows(sqlmock.NewRows(noteColumns))

	rec := f.do(http.MethodGet, "/notes/8", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	bad := f.do(http.MethodGet, "/notes/abc", "")
	assert.Equal(t, http.StatusBadRequest, bad.Code)
}

func TestNotes_UpdateAndDelete(t *testing.T) {
	f := newNoteFixture(t, nil)
	now := time.Now()
	f.mock.ExpectBegin()
	f.mock.ExpectQuery("UPDATE notes").
		WillReturnRows(sqlmock.NewRows(noteColumns).AddRow(int64(5), "New", "body", f.user.String(), now, now))
	f.mock.ExpectCommit()
	f.mock.ExpectBegin()
	f.mock.ExpectExec("DELETE FROM notes").WithArgs(int64(5), f.user).WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()

	rec := f.do(http.MethodPut, "/notes/5", `{"title":"New"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	del := f.do(http.MethodDelete, "/notes/5", "")
	assert.Equal(t, http.StatusNoContent, del.Code)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

type memObjects map[string][]byte

func (m memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	m[key] = data
	return err
}

func (m memObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	data, ok := m[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(strings.NewReader(string(data))), nil
}

func TestNotes_ExportDisabled(t *testing.T) {
	f := newNoteFixture(t, nil)
	rec := f.do(http.MethodPost, "/notes/export", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, f.queue.tasks)
}

func TestNotes_Export(t *testing.T) {
	objects := memObjects{}
	pool, mock := dbtest.NewPool(t, dbtest.Config(1))
	exports := services.NewExportService(pool, services.NewNoteService(store.NewNoteRepository()), objects)
	f := newNoteFixture(t, exports)

	rec := f.do(http.MethodPost, "/notes/export", "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"key":"exports/`+f.user.String()+`/`)
	require.Len(t, f.queue.tasks, 1)

	now := time.Now()
	mock.ExpectQuery("FROM notes").WithArgs(f.user).
		WillReturnRows(sqlmock.NewRows(noteColumns).AddRow(int64(1), "a", "b", f.user.String(), now, now))
	require.NoError(t, f.queue.tasks[0].Run(context.Background()))
	require.Len(t, objects, 1)

	var exportID string
	for key := range objects {
		exportID = strings.TrimSuffix(strings.TrimPrefix(key, "exports/"+f.user.String()+"/"), ".json")
	}
	got := f.do(http.MethodGet, "/notes/export/"+exportID, "")
	require.Equal(t, http.StatusOK, got.Code)
	assert.Contains(t, got.Body.String(), `"notes":[`)

	// Export routes keep working while note traffic holds every connection.
	held := make([]*db.Lease, 0, 2)
	for i := 0; i < 2; i++ {
		l, err := f.pool.Acquire(context.Background(), 0)
		require.NoError(t, err)
		held = append(held, l)
	}
	busy := f.do(http.MethodGet, "/notes/export/"+exportID, "")
	assert.Equal(t, http.StatusOK, busy.Code)
	assert.Equal(t, uint64(0), f.pool.Timeouts())
	for _, l := range held {
		l.Release()
	}

	unauth := httptest.NewRecorder()
	f.router.ServeHTTP(unauth, httptest.NewRequest(http.MethodGet, "/notes/export/"+exportID, nil))
	assert.Equal(t, http.StatusUnauthorized, unauth.Code)

	missing := f.do(http.MethodGet, "/notes/export/20240101T000000Z-deadbeef", "")
	assert.Equal(t, http.StatusNotFound, missing.Code)
	invalid := f.do(http.MethodGet, "/notes/export/..", "")
	assert.Equal(t, http.StatusBadRequest, invalid.Code)
}
