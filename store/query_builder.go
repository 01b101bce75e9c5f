package store

import (
	"sort"

	"github.com/nbd-wtf/go-nostr"
)

const eventColumns = "events.id, events.created_at, events.pubkey, events.sig, events.kind, events.content, events.tags"

// filterQuery is one filter compiled to a parameterized conjunctive clause.
type filterQuery struct {
	from  string
	where []string
	args  []interface{}
	limit int
}

func (fq *filterQuery) addClause(clause string, args ...interface{}) {
	fq.where = append(fq.where, clause)
	fq.args = append(fq.args, args...)
}

// whereSQL returns the assembled WHERE fragment, or "" when the filter has
// no constraining fields (match everything).
func (fq *filterQuery) whereSQL() string {
	if len(fq.where) == 0 {
		return ""
	}
	out := " WHERE " + fq.where[0]
	for _, clause := range fq.where[1:] {
		out += " AND " + clause
	}
	return out
}

// eventsSQL selects full rows newest-first. The per-filter limit is pushed
// into SQL; the merged cross-filter limit is applied by Query.
func (fq *filterQuery) eventsSQL() (string, []interface{}) {
	sql := "SELECT DISTINCT " + eventColumns + " FROM " + fq.from + fq.whereSQL() +
		" ORDER BY created_at DESC"
	args := fq.args
	if fq.limit > 0 {
		sql += " LIMIT ?"
		args = append(args, fq.limit)
	}
	return sql, args
}

// countSQL counts matching events, deduplicated across the tag join.
func (fq *filterQuery) countSQL() (string, []interface{}) {
	return "SELECT COUNT(DISTINCT events.id) FROM " + fq.from + fq.whereSQL(), fq.args
}

// idsSQL selects distinct matching ids, used to merge counts across filters.
func (fq *filterQuery) idsSQL() (string, []interface{}) {
	return "SELECT DISTINCT events.id FROM " + fq.from + fq.whereSQL(), fq.args
}

// compileFilter translates one declarative filter into SQL. Every present
// field becomes a conjunctive condition: since is inclusive, until is
// exclusive, id/kind/author sets become IN lists, and single-letter tag
// filters join the tag index (once, no matter how many tag letters appear).
func compileFilter(filter nostr.Filter) *filterQuery {
	fq := &filterQuery{from: "events", limit: filter.Limit}

	tagKeys := indexableTagKeys(filter.Tags)
	if len(tagKeys) > 0 {
		fq.from = "events INNER JOIN tags ON events.id = tags.e"
	}

	if filter.Since != nil {
		fq.addClause("created_at >= ?", int64(*filter.Since))
	}
	if filter.Until != nil {
		fq.addClause("created_at < ?", int64(*filter.Until))
	}

	if len(filter.IDs) > 0 {
		fq.addClause("id IN "+placeholders(len(filter.IDs)), stringArgs(filter.IDs)...)
	}
	if len(filter.Kinds) > 0 {
		args := make([]interface{}, len(filter.Kinds))
		for i, kind := range filter.Kinds {
			args[i] = kind
		}
		fq.addClause("kind IN "+placeholders(len(filter.Kinds)), args...)
	}
	if len(filter.Authors) > 0 {
		fq.addClause("pubkey IN "+placeholders(len(filter.Authors)), stringArgs(filter.Authors)...)
	}

	for _, key := range tagKeys {
		values := filter.Tags[key]
		fq.addClause("tags.t = ?", key)
		fq.addClause("tags.v IN "+placeholders(len(values)), stringArgs(values)...)
	}

	return fq
}

// indexableTagKeys returns the filter's single-letter tag keys in sorted
// order. Only single-letter tags are indexed; anything else is ignored.
func indexableTagKeys(tags nostr.TagMap) []string {
	var keys []string
	for key, values := range tags {
		if len(key) == 1 && len(values) > 0 {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func stringArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
