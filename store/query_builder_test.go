package store

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/assert"
)

func TestCompileFilterEmpty(t *testing.T) {
	fq := compileFilter(nostr.Filter{})

	sql, args := fq.eventsSQL()
	assert.Equal(t,
		"SELECT DISTINCT "+eventColumns+" FROM events ORDER BY created_at DESC",
		sql,
	)
	assert.Empty(t, args)
}

func TestCompileFilterTimeBounds(t *testing.T) {
	since := nostr.Timestamp(100)
	until := nostr.Timestamp(200)
	fq := compileFilter(nostr.Filter{Since: &since, Until: &until})

	sql, args := fq.eventsSQL()
	assert.Contains(t, sql, "created_at >= ?")
	assert.Contains(t, sql, "created_at < ?")
	assert.Equal(t, []interface{}{int64(100), int64(200)}, args)
}

func TestCompileFilterSets(t *testing.T) {
	fq := compileFilter(nostr.Filter{
		IDs:     []string{"a", "b"},
		Kinds:   []int{1, 7},
		Authors: []string{"p"},
	})

	sql, args := fq.eventsSQL()
	assert.Contains(t, sql, "id IN (?, ?)")
	assert.Contains(t, sql, "kind IN (?, ?)")
	assert.Contains(t, sql, "pubkey IN (?)")
	assert.Equal(t, []interface{}{"a", "b", 1, 7, "p"}, args)
}

func TestCompileFilterTagJoin(t *testing.T) {
	fq := compileFilter(nostr.Filter{
		Tags: nostr.TagMap{"e": []string{"x", "y"}},
	})

	sql, args := fq.eventsSQL()
	assert.Contains(t, sql, "INNER JOIN tags ON events.id = tags.e")
	assert.Contains(t, sql, "tags.t = ?")
	assert.Contains(t, sql, "tags.v IN (?, ?)")
	assert.Equal(t, []interface{}{"e", "x", "y"}, args)
}

func TestCompileFilterNoJoinWithoutTagFilters(t *testing.T) {
	fq := compileFilter(nostr.Filter{Kinds: []int{1}})

	sql, _ := fq.eventsSQL()
	assert.NotContains(t, sql, "JOIN")
}

func TestCompileFilterIgnoresMultiLetterTagKeys(t *testing.T) {
	fq := compileFilter(nostr.Filter{
		Tags: nostr.TagMap{"emoji": []string{"x"}},
	})

	sql, args := fq.eventsSQL()
	assert.NotContains(t, sql, "JOIN")
	assert.Empty(t, args)
}

func TestCompileFilterLimit(t *testing.T) {
	fq := compileFilter(nostr.Filter{Limit: 5})

	sql, args := fq.eventsSQL()
	assert.Contains(t, sql, "LIMIT ?")
	assert.Equal(t, []interface{}{5}, args)

	// count form carries no limit or ordering
	countSQL, countArgs := fq.countSQL()
	assert.Equal(t, "SELECT COUNT(DISTINCT events.id) FROM events", countSQL)
	assert.Empty(t, countArgs)
}
