// Package parser converts raw Claude Code JSONL log lines into normalized
// usage entries and removes duplicates within an ingestion pass.
package parser

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/claudemeter/claudemeter/internal/core"
)

// ErrNotUsage marks a well-formed line that carries no billable usage data.
// Callers drop these silently; they are not parse failures.
var ErrNotUsage = errors.New("parser: record carries no usage data")

// Historical log formats spell the same logical field several ways and moved
// some fields into a nested "message" object. rawRecord declares every known
// spelling; resolution order is top-level key first, then the nested message
// key, first non-empty wins.
type rawRecord struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`

	SessionID      string `json:"sessionId"`
	SessionIDSnake string `json:"session_id"`
	RequestID      string `json:"requestId"`
	RequestIDSnake string `json:"request_id"`

	Model string    `json:"model"`
	Usage *rawUsage `json:"usage"`

	CostUSD      *float64 `json:"costUSD"`
	CostUSDSnake *float64 `json:"cost_usd"`
	Cost         *float64 `json:"cost"`

	Message *rawMessage `json:"message"`
}

type rawMessage struct {
	ID    string    `json:"id"`
	Model string    `json:"model"`
	Usage *rawUsage `json:"usage"`
}

type rawUsage struct {
	InputTokens         int64 `json:"input_tokens"`
	InputTokensCamel    int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"output_tokens"`
	OutputTokensCamel   int64 `json:"outputTokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
	CacheCreationCamel  int64 `json:"cacheCreationInputTokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheReadCamel      int64 `json:"cacheReadInputTokens"`
}

func (u *rawUsage) input() int64      { return firstNonZero(u.InputTokens, u.InputTokensCamel) }
func (u *rawUsage) output() int64     { return firstNonZero(u.OutputTokens, u.OutputTokensCamel) }
func (u *rawUsage) cacheWrite() int64 { return firstNonZero(u.CacheCreationTokens, u.CacheCreationCamel) }
func (u *rawUsage) cacheRead() int64  { return firstNonZero(u.CacheReadTokens, u.CacheReadCamel) }

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// syntheticModels are non-billable placeholder identifiers emitted by the CLI
// for locally generated messages. Records carrying them are dropped outright.
var syntheticModels = map[string]struct{}{
	"<synthetic>": {},
	"synthetic":   {},
}

// ParseLine converts one JSONL line into a UsageEntry. It returns ErrNotUsage
// for well-formed records that carry no billable data and a decode error for
// malformed lines; either way a single bad line never aborts the batch.
//
// Message-type filtering is deliberately permissive: billable records exist
// under tags other than "assistant", so only the usage/cost content decides
// whether a record is kept.
func ParseLine(line []byte, projectPath, sourceFile string) (*core.UsageEntry, error) {
	var raw rawRecord
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, err
	}

	usage := raw.Usage
	if usage == nil && raw.Message != nil {
		usage = raw.Message.Usage
	}

	model := raw.Model
	if model == "" && raw.Message != nil {
		model = raw.Message.Model
	}
	if _, ok := syntheticModels[strings.ToLower(strings.TrimSpace(model))]; ok {
		return nil, ErrNotUsage
	}

	var cost float64
	for _, c := range []*float64{raw.CostUSD, raw.CostUSDSnake, raw.Cost} {
		if c != nil {
			cost = *c
			break
		}
	}

	entry := core.UsageEntry{
		Model:       model,
		CostUSD:     cost,
		SessionID:   firstNonEmpty(raw.SessionID, raw.SessionIDSnake),
		RequestID:   firstNonEmpty(raw.RequestID, raw.RequestIDSnake),
		MessageType: raw.Type,
		ProjectPath: projectPath,
		SourceFile:  sourceFile,
	}
	if usage != nil {
		entry.InputTokens = usage.input()
		entry.OutputTokens = usage.output()
		entry.CacheCreationTokens = usage.cacheWrite()
		entry.CacheReadTokens = usage.cacheRead()
	}

	// Keep a record only when it carries real usage: any token count or a
	// non-zero cost.
	if entry.TotalTokens() == 0 && entry.CostUSD == 0 {
		return nil, ErrNotUsage
	}

	ts, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return nil, err
	}
	entry.Timestamp = ts

	return &entry, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("parser: record has no timestamp")
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		ts, err = time.Parse("2006-01-02T15:04:05.000Z", raw)
		if err != nil {
			return time.Time{}, err
		}
	}
	return ts.UTC(), nil
}

// Result holds parsed entries plus the skip/error counters for one source.
type Result struct {
	Entries      []core.UsageEntry
	DroppedLines int64 // well-formed but not billable
	ParseErrors  int64 // malformed lines, counted and skipped
}

func (r *Result) merge(other Result) {
	r.Entries = append(r.Entries, other.Entries...)
	r.DroppedLines += other.DroppedLines
	r.ParseErrors += other.ParseErrors
}

// ParseReader streams JSONL from r line by line. Lines up to 10 MB are
// accepted; conversation logs routinely embed large tool output.
func ParseReader(r io.Reader, projectPath, sourceFile string) Result {
	var result Result
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		entry, err := ParseLine(line, projectPath, sourceFile)
		if err != nil {
			if errors.Is(err, ErrNotUsage) {
				result.DroppedLines++
			} else {
				result.ParseErrors++
			}
			continue
		}
		result.Entries = append(result.Entries, *entry)
	}
	if err := scanner.Err(); err != nil {
		result.ParseErrors++
	}
	return result
}

// ParseFile parses one log file. The project path is derived from the file's
// parent directory.
func ParseFile(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()
	return ParseReader(f, filepath.Dir(path), path), nil
}
