package migrate

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"testing/fstest"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestSplitStatements(t *testing.T) {
	in := `-- schema
create table a (id int);
insert into a values (1); -- trailing; comment
insert into b values ('x;y');

`
	got := splitStatements(in)
	want := []string{
		"create table a (id int)",
		"insert into a values (1)",
		"insert into b values ('x;y')",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected statements:\n got %q\nwant %q", got, want)
	}
}

func TestCollectSQLSkipsDownFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("select 2;")},
		"0001_a.up.sql":   {Data: []byte("select 1;")},
		"0001_a.down.sql": {Data: []byte("select 0;")},
		"README.md":       {Data: []byte("notes")},
	}
	got, err := collectSQL(fsys, upSuffix)
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !reflect.DeepEqual(got, []string{"0001_a.up.sql", "0002_b.up.sql"}) {
		t.Fatalf("unexpected files %v", got)
	}
	seeds, err := collectSQL(fsys, ".sql")
	if err != nil {
		t.Fatalf("collect seeds: %v", err)
	}
	if len(seeds) != 2 {
		t.Fatalf("down files must not be treated as seeds: %v", seeds)
	}
}

func TestUpAppliesPendingOnly(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	at := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	fsys := fstest.MapFS{
		"0001_a.up.sql": {Data: []byte("create table a (id int);")},
		"0002_b.up.sql": {Data: []byte("create table b (id int); create index b_id on b (id);")},
	}
	m := NewManager(db, fsys, nil, WithClock(func() time.Time { return at }))

	mock.ExpectExec("create table if not exists revealgate_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists revealgate_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from revealgate_migrations").
		WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(`create table b`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`create index b_id`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("insert into revealgate_migrations").
		WithArgs("0002_b.up.sql", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	ran, err := m.Up(context.Background())
	if err != nil {
		t.Fatalf("up: %v", err)
	}
	if !reflect.DeepEqual(ran, []string{"0002_b.up.sql"}) {
		t.Fatalf("unexpected applied list %v", ran)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUpRollsBackFailedFile(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	fsys := fstest.MapFS{"0001_a.up.sql": {Data: []byte("create table a (id int);")}}
	m := NewManager(db, fsys, nil)

	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from").WillReturnRows(sqlmock.NewRows([]string{"name"}))
	mock.ExpectBegin()
	mock.ExpectExec("create table a").WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	if _, err := m.Up(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestDownWithoutHistory(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	m := NewManager(db, fstest.MapFS{}, nil)
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from revealgate_migrations order by applied_at").
		WillReturnRows(sqlmock.NewRows([]string{"name"}))

	if _, err := m.Down(context.Background()); !errors.Is(err, ErrNothingApplied) {
		t.Fatalf("expected ErrNothingApplied, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
