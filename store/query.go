package store

import (
	"encoding/json"
	"sort"

	"github.com/nbd-wtf/go-nostr"

	"github.com/teranos/beacon/errors"
)

// Query returns events matching any of the given filters (OR across filters,
// AND within one), deduplicated by id and ordered by created_at descending
// with ties broken by descending numeric value of the hex id. When several
// filters carry a limit, the smallest one applies to the merged result.
func (s *Store) Query(filters []nostr.Filter) ([]nostr.Event, error) {
	seen := make(map[string]bool)
	var merged []nostr.Event

	minLimit := 0
	for _, filter := range filters {
		fq := compileFilter(filter)

		query, args := fq.eventsSQL()
		events, err := s.selectEvents(query, args)
		if err != nil {
			return nil, err
		}

		for _, event := range events {
			if seen[event.ID] {
				continue
			}
			seen[event.ID] = true
			merged = append(merged, event)
		}

		if filter.Limit > 0 && (minLimit == 0 || filter.Limit < minLimit) {
			minLimit = filter.Limit
		}
	}

	// Deterministic display order: newest first, then highest id. Ids are
	// fixed-width lowercase hex, so string comparison is numeric comparison.
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].CreatedAt == merged[j].CreatedAt {
			return merged[i].ID > merged[j].ID
		}
		return merged[i].CreatedAt > merged[j].CreatedAt
	})

	if minLimit > 0 && len(merged) > minLimit {
		merged = merged[:minLimit]
	}

	return merged, nil
}

// Count reports how many stored events match any of the filters, each event
// counted once.
func (s *Store) Count(filters []nostr.Filter) (int64, error) {
	if len(filters) == 0 {
		return 0, nil
	}

	if len(filters) == 1 {
		query, args := compileFilter(filters[0]).countSQL()
		var n int64
		if err := s.db.QueryRow(query, args...).Scan(&n); err != nil {
			return 0, errors.Wrap(err, "count events")
		}
		return n, nil
	}

	// Multiple filters are OR'd, so the counts must be merged by id to
	// avoid double counting
	seen := make(map[string]bool)
	for _, filter := range filters {
		query, args := compileFilter(filter).idsSQL()
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return 0, errors.Wrap(err, "count events")
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return 0, errors.Wrap(err, "scan event id")
			}
			seen[id] = true
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "iterate event ids")
		}
		rows.Close()
	}

	return int64(len(seen)), nil
}

func (s *Store) selectEvents(query string, args []interface{}) ([]nostr.Event, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query events")
	}
	defer rows.Close()

	var events []nostr.Event
	for rows.Next() {
		var (
			event     nostr.Event
			createdAt int64
			tagsJSON  string
		)
		if err := rows.Scan(&event.ID, &createdAt, &event.PubKey, &event.Sig, &event.Kind, &event.Content, &tagsJSON); err != nil {
			return nil, errors.Wrap(err, "scan event")
		}
		event.CreatedAt = nostr.Timestamp(createdAt)
		if err := json.Unmarshal([]byte(tagsJSON), &event.Tags); err != nil {
			return nil, errors.Wrapf(err, "unmarshal tags for event %s", event.ID)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate events")
	}

	return events, nil
}
