package rss

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfarr-project/shelfarr/internal/db"
)

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel>
  <title>releases</title>
  <item><title>Project Hail Mary by Andy Weir [M4B 64k]</title><link>http://example.com/1</link></item>
  <item><title>Some Unrelated Release</title><link>http://example.com/2</link></item>
</channel></rss>`

func TestPollMatchesWaitingRequests(t *testing.T) {
	database, err := db.SqliteForTest()
	require.NoError(t, err)

	waiting := &db.Request{Title: "Project Hail Mary", Author: "Andy Weir", Type: db.RequestAudiobook, Status: db.StatusAwaitingSearch}
	require.NoError(t, db.SaveRequest(database, waiting))
	downloading := &db.Request{Title: "Some Unrelated Release", Type: db.RequestAudiobook, Status: db.StatusDownloading}
	require.NoError(t, db.SaveRequest(database, downloading))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(feedXML))
	}))
	defer server.Close()

	var matches []uint
	p := NewPoller(database, []string{server.URL}, func(id uint) {
		matches = append(matches, id)
	})

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, []uint{waiting.ID}, matches, "only waiting requests match")
}

func TestPollSurvivesBadFeed(t *testing.T) {
	database, err := db.SqliteForTest()
	require.NoError(t, err)
	require.NoError(t, db.SaveRequest(database, &db.Request{
		Title: "Project Hail Mary", Type: db.RequestAudiobook, Status: db.StatusAwaitingSearch,
	}))

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(feedXML))
	}))
	defer good.Close()
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer bad.Close()

	var matches int
	p := NewPoller(database, []string{bad.URL, good.URL}, func(uint) { matches++ })

	require.NoError(t, p.Poll(context.Background()))
	assert.Equal(t, 1, matches, "bad feed does not abort the poll")
}

func TestItemMatches(t *testing.T) {
	assert.True(t, itemMatches("Project Hail Mary by Andy Weir [M4B]", "Project Hail Mary", ""))
	assert.False(t, itemMatches("Project Hail Mary", "Hail Mary Full of Grace", ""))
	assert.True(t, itemMatches("Dune - Frank Herbert (epub)", "Dune", "Frank Herbert"))
	assert.False(t, itemMatches("Dune Buggy Repair Manual", "Dune", "Frank Herbert"))
	assert.False(t, itemMatches("anything", "", ""))
}
