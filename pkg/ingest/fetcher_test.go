package ingest

import (
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"github.com/regtruth/regtruth/pkg/kv"
	"github.com/regtruth/regtruth/pkg/model"
	"github.com/regtruth/regtruth/pkg/store"
)

func newFetcherHarness(t *testing.T) (*Fetcher, *store.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	s := store.New(db)
	require.NoError(t, s.Init(context.Background()))

	f := NewFetcher(s, kv.NewMemoryStore(), nil)
	f.perSourceRate = rate.Inf
	return f, s
}

func registerSource(t *testing.T, s *store.Store, url string) *model.Source {
	t.Helper()
	src := &model.Source{
		Slug: "nn", Name: "Narodne novine", URL: url,
		Authority: model.AuthorityLaw, Active: true,
	}
	require.NoError(t, s.Sources.Upsert(context.Background(), src))
	return src
}

func TestFetchStoresEvidenceAndDedups(t *testing.T) {
	page := "<!DOCTYPE html><html><body><p>Stopa PDV-a iznosi 25%.</p></body></html>"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(page))
	}))
	defer srv.Close()

	f, s := newFetcherHarness(t)
	src := registerSource(t, s, srv.URL)

	res, err := f.FetchSource(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, model.ClassHTML, res.Evidence.ContentClass)
	assert.NotEmpty(t, res.Evidence.ContentHash)
	assert.Contains(t, res.Evidence.CleanedText, "25%")

	// Identical content hashes identically and does not create a row.
	again, err := f.FetchSource(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, again.Created)
	assert.Equal(t, res.Evidence.ID, again.Evidence.ID)
	assert.False(t, again.Evidence.HasChanged)
}

func TestFetchUsesConditionalValidators(t *testing.T) {
	var sawINM string
	hits := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		sawINM = r.Header.Get("If-None-Match")
		if sawINM == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>doc</body></html>"))
	}))
	defer srv.Close()

	f, s := newFetcherHarness(t)
	src := registerSource(t, s, srv.URL)

	res, err := f.FetchSource(context.Background(), src)
	require.NoError(t, err)
	require.True(t, res.Created)

	res, err = f.FetchSource(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, res.NotChanged)
	assert.Nil(t, res.Evidence)
	assert.Equal(t, `"v1"`, sawINM)
	assert.Equal(t, 2, hits)
}

func TestFetchClassifiesRateLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f, s := newFetcherHarness(t)
	src := registerSource(t, s, srv.URL)

	_, err := f.FetchSource(context.Background(), src)
	assert.ErrorIs(t, err, ErrRateLimited)
}
