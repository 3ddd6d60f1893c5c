package parser

import "github.com/claudemeter/claudemeter/internal/core"

// Dedup removes repeated entries within one ingestion pass, keyed purely by
// request ID: the first occurrence wins, later entries with the same ID are
// discarded regardless of any other field. Entries without a request ID are
// always kept, since over-aggressive deduplication silently understates
// usage.
//
// The seen-set is scoped to the call. Dedup must run once per full or
// incremental pass, never cumulatively against unrelated historical data.
func Dedup(entries []core.UsageEntry) ([]core.UsageEntry, int64) {
	seen := make(map[string]struct{}, len(entries))
	kept := make([]core.UsageEntry, 0, len(entries))
	var duplicates int64

	for _, e := range entries {
		if e.RequestID == "" {
			kept = append(kept, e)
			continue
		}
		if _, ok := seen[e.RequestID]; ok {
			duplicates++
			continue
		}
		seen[e.RequestID] = struct{}{}
		kept = append(kept, e)
	}
	return kept, duplicates
}
