package repository

import (
	"context"
	"database/sql"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupMockStore(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *PostgresStore) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	store := NewPostgresStore(db, "postgres://unused", zap.NewNop())
	return db, mock, store
}

func TestPostgresStore_ReadAll_FilteredByIDs(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "data"}).
		AddRow("u1", []byte(`{"name":"Eman"}`)).
		AddRow("u2", []byte(`{"name":"Lola","avatar":"a.png"}`))
	mock.ExpectQuery(`SELECT id, data FROM documents WHERE collection = \$1 AND id = ANY\(\$2\)`).
		WithArgs("braceletUsers", sqlmock.AnyArg()).
		WillReturnRows(rows)

	docs, err := store.ReadAll(context.Background(), "braceletUsers", []string{"u1", "u2"})

	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "u1", docs[0].ID)
	assert.Equal(t, "Eman", docs[0].Data["name"])
	assert.Equal(t, "a.png", docs[1].Data["avatar"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadAll_NoFilterSkipsMalformed(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"id", "data"}).
		AddRow("d1", []byte(`{"battery":80}`)).
		AddRow("d2", []byte(`not json`))
	mock.ExpectQuery(`SELECT id, data FROM documents WHERE collection = \$1 ORDER BY id`).
		WithArgs("deviceStatus").
		WillReturnRows(rows)

	docs, err := store.ReadAll(context.Background(), "deviceStatus", nil)

	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, 80.0, docs[0].Data["battery"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadAll_EmptyIDsSkipsQuery(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	docs, err := store.ReadAll(context.Background(), "braceletUsers", []string{})

	require.NoError(t, err)
	assert.Empty(t, docs)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ReadOne(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT data FROM documents`).
		WithArgs("appUsers", "cg-1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"linkedBraceletsID":["u1"]}`)))
	mock.ExpectQuery(`SELECT data FROM documents`).
		WithArgs("appUsers", "missing").
		WillReturnError(sql.ErrNoRows)

	doc, err := store.ReadOne(context.Background(), "appUsers", "cg-1")
	require.NoError(t, err)
	assert.Equal(t, []any{"u1"}, doc.Data["linkedBraceletsID"])

	_, err = store.ReadOne(context.Background(), "appUsers", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PatchAppendDelete(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO documents .* ON CONFLICT`).
		WithArgs("braceletUsers", "u1", `{"name":"Eman"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO documents`).
		WithArgs("notifications", sqlmock.AnyArg(), `{"title":"x"}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM documents`).
		WithArgs("braceletUsers", "gone").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	require.NoError(t, store.Patch(ctx, "braceletUsers", "u1", map[string]any{"name": "Eman"}))

	id, err := store.Append(ctx, "notifications", map[string]any{"title": "x"})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	assert.ErrorIs(t, store.Delete(ctx, "braceletUsers", "gone"), ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConsumeNotifications(t *testing.T) {
	db, mock, store := setupMockStore(t)
	defer db.Close()

	mock.ExpectQuery(`SELECT data FROM documents`).
		WithArgs("braceletUsers", "u1").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte(`{"name":"Eman"}`)))

	ch := make(chan *pq.Notification, 4)
	ch <- &pq.Notification{Channel: NotifyChannel, Extra: `{"collection":"braceletUsers","id":"u1","op":"UPDATE"}`}
	ch <- &pq.Notification{Channel: NotifyChannel, Extra: `{"collection":"appUsers","id":"cg","op":"UPDATE"}`}
	ch <- &pq.Notification{Channel: NotifyChannel, Extra: `{"collection":"braceletUsers","id":"u2","op":"DELETE"}`}
	ch <- nil

	var (
		mu      sync.Mutex
		batches [][]ChangeEvent
		errs    []error
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		store.consumeNotifications(ctx, ch, "braceletUsers",
			func(batch []ChangeEvent) {
				mu.Lock()
				defer mu.Unlock()
				batches = append(batches, batch)
			},
			func(err error) {
				mu.Lock()
				defer mu.Unlock()
				errs = append(errs, err)
			},
		)
	}()

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1 && len(errs) == 1
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batches[0], 2)
	assert.Equal(t, ChangeModified, batches[0][0].Type)
	assert.Equal(t, "Eman", batches[0][0].Doc.Data["name"])
	assert.Equal(t, ChangeRemoved, batches[0][1].Type)
	assert.Equal(t, "u2", batches[0][1].Doc.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SubscribeDoesNotBlockWithoutConnection(t *testing.T) {
	db, _, _ := setupMockStore(t)
	defer db.Close()
	store := NewPostgresStore(db, "host=127.0.0.1 port=1 user=x dbname=x sslmode=disable connect_timeout=1", zap.NewNop())

	var (
		mu   sync.Mutex
		errs []error
	)
	returned := make(chan func(), 1)
	go func() {
		stop, err := store.Subscribe(context.Background(), "appUsers",
			func([]ChangeEvent) {},
			func(err error) {
				mu.Lock()
				defer mu.Unlock()
				errs = append(errs, err)
			},
		)
		assert.NoError(t, err)
		returned <- stop
	}()

	var stop func()
	select {
	case stop = <-returned:
	case <-time.After(time.Second):
		t.Fatal("Subscribe blocked waiting for a listener connection")
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(errs) > 0
	}, 3*time.Second, 10*time.Millisecond)

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("unsubscribe did not return")
	}
}
