package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regtruth/regtruth/pkg/model"
)

// Driver-level tests over sqlmock: the sqlite harness cannot exercise
// connection failures or verify the exact statement shape.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

func TestUpsertSourceStatement(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)
	s.Clock = func() time.Time { return now }

	mock.ExpectExec(`INSERT INTO sources .* ON CONFLICT \(slug\) DO UPDATE`).
		WithArgs(sqlmock.AnyArg(), "nn", "Narodne novine", "https://nn.hr",
			string(model.AuthorityLaw), `["vat"]`, int64(3600000), 1, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := s.Sources.Upsert(context.Background(), &model.Source{
		Slug:            "nn",
		Name:            "Narodne novine",
		URL:             "https://nn.hr",
		Authority:       model.AuthorityLaw,
		ExpectedDomains: []string{"vat"},
		FetchIntervalMs: 3600000,
		Active:          true,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetSourceConnectionErrorPropagates(t *testing.T) {
	s, mock := newMockStore(t)
	boom := errors.New("connection reset")
	mock.ExpectQuery(`SELECT .* FROM sources WHERE id`).WillReturnError(boom)

	_, err := s.Sources.Get(context.Background(), "id-1")
	assert.ErrorIs(t, err, boom)
}

func TestGetSourceNoRowsMapsToNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	cols := []string{"id", "slug", "name", "url", "authority",
		"expected_domains", "fetch_interval_ms", "active", "created_at"}
	mock.ExpectQuery(`SELECT .* FROM sources WHERE slug`).
		WillReturnRows(sqlmock.NewRows(cols))

	_, err := s.Sources.GetBySlug(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
