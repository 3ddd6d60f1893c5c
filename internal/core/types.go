package core

import "time"

// UsageEntry is one billable unit of interaction parsed from a Claude Code
// JSONL log line. Entries are immutable after parsing.
type UsageEntry struct {
	Timestamp           time.Time `json:"timestamp"`
	Model               string    `json:"model"`
	InputTokens         int64     `json:"input_tokens"`
	OutputTokens        int64     `json:"output_tokens"`
	CacheCreationTokens int64     `json:"cache_creation_tokens"`
	CacheReadTokens     int64     `json:"cache_read_tokens"`
	CostUSD             float64   `json:"cost_usd"`
	SessionID           string    `json:"session_id"`
	ProjectPath         string    `json:"project_path"`
	RequestID           string    `json:"request_id,omitempty"`
	MessageType         string    `json:"message_type,omitempty"`
	SourceFile          string    `json:"source_file,omitempty"`
}

// TotalTokens is always derived from the four categories, never stored.
func (e UsageEntry) TotalTokens() int64 {
	return e.InputTokens + e.OutputTokens + e.CacheCreationTokens + e.CacheReadTokens
}

// Day returns the entry's calendar date in the given location, formatted
// "2006-01-02". A nil location means time.Local.
func (e UsageEntry) Day(loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return e.Timestamp.In(loc).Format("2006-01-02")
}

// TokenTotals is a summed set of token categories shared by every aggregate.
type TokenTotals struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_tokens"`
	CacheReadTokens     int64 `json:"cache_read_tokens"`
}

func (t TokenTotals) Total() int64 {
	return t.InputTokens + t.OutputTokens + t.CacheCreationTokens + t.CacheReadTokens
}

func (t *TokenTotals) Add(e UsageEntry) {
	t.InputTokens += e.InputTokens
	t.OutputTokens += e.OutputTokens
	t.CacheCreationTokens += e.CacheCreationTokens
	t.CacheReadTokens += e.CacheReadTokens
}

// DailyStatistic is the aggregate for one calendar date.
type DailyStatistic struct {
	Date         string      `json:"date"` // "2006-01-02"
	Tokens       TokenTotals `json:"tokens"`
	CostUSD      float64     `json:"cost_usd"`
	SessionCount int64       `json:"session_count"`
	RequestCount int64       `json:"request_count"`
	EntryCount   int64       `json:"entry_count"`
}

// ModelStatistic is the aggregate for one canonical model name.
type ModelStatistic struct {
	Model        string      `json:"model"`
	Tokens       TokenTotals `json:"tokens"`
	CostUSD      float64     `json:"cost_usd"`
	SessionCount int64       `json:"session_count"`
	RequestCount int64       `json:"request_count"`
	EntryCount   int64       `json:"entry_count"`
}

// ProjectStatistic is the aggregate for one project path.
type ProjectStatistic struct {
	ProjectPath  string      `json:"project_path"`
	Tokens       TokenTotals `json:"tokens"`
	CostUSD      float64     `json:"cost_usd"`
	SessionCount int64       `json:"session_count"`
	RequestCount int64       `json:"request_count"`
	EntryCount   int64       `json:"entry_count"`
}

// Statistics is the full query result served to callers: global totals plus
// the three grouped summaries.
type Statistics struct {
	Tokens  TokenTotals `json:"tokens"`
	CostUSD float64     `json:"cost_usd"`

	TotalSessions int64 `json:"total_sessions"`
	TotalRequests int64 `json:"total_requests"`
	TotalEntries  int64 `json:"total_entries"`

	// EffectiveRequestCount counts only entries with cost > 0; it is the
	// denominator for AverageCostPerRequest.
	EffectiveRequestCount int64 `json:"effective_request_count"`

	Daily    []DailyStatistic   `json:"daily"`
	Models   []ModelStatistic   `json:"models"`
	Projects []ProjectStatistic `json:"projects"`

	SkippedLines     int64     `json:"skipped_lines,omitempty"`
	DuplicateEntries int64     `json:"duplicate_entries,omitempty"`
	ComputedAt       time.Time `json:"computed_at,omitempty"`
}

// AverageCostPerRequest divides total cost by the effective request count,
// returning 0 when no billable requests exist.
func (s Statistics) AverageCostPerRequest() float64 {
	if s.EffectiveRequestCount == 0 {
		return 0
	}
	return s.CostUSD / float64(s.EffectiveRequestCount)
}
