package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lynkr/lynkr/internal/domain/entity"
	"github.com/lynkr/lynkr/internal/infrastructure/config"
	"github.com/lynkr/lynkr/pkg/safego"
)

// Field is a dedup-eligible payload in an audit entry. The first sighting in
// a process lifetime carries the (possibly truncated) content and its hash;
// every later sighting carries only $ref and size. Size is always the
// pre-truncation length.
type Field struct {
	Hash      string `json:"hash,omitempty"`
	Ref       string `json:"$ref,omitempty"`
	Size      int    `json:"size"`
	Content   string `json:"content,omitempty"`
	Truncated bool   `json:"truncated,omitempty"`
}

// Entry is one line of the audit trail.
type Entry struct {
	Timestamp     time.Time     `json:"timestamp"`
	CorrelationID string        `json:"correlation_id"`
	SessionID     string        `json:"session_id"`
	Provider      string        `json:"provider"`
	Model         string        `json:"model,omitempty"`
	StopReason    string        `json:"stop_reason,omitempty"`
	Error         string        `json:"error,omitempty"`
	SystemPrompt  *Field        `json:"system_prompt,omitempty"`
	UserMessages  *Field        `json:"user_messages,omitempty"`
	Response      *Field        `json:"response,omitempty"`
	Usage         *entity.Usage `json:"usage,omitempty"`
}

// Logger appends one entry per upstream exchange. Writes happen on a bounded
// background worker so the agent loop never blocks on disk.
type Logger struct {
	cfg    config.AuditConfig
	file   *os.File
	enc    *json.Encoder
	dict   *Dictionary
	worker *safego.Worker
	logger *zap.Logger

	mu      sync.Mutex
	emitted map[string]bool // hashes already written with full content
}

// NewLogger opens the audit trail and its dictionary.
func NewLogger(cfg config.AuditConfig, logger *zap.Logger) (*Logger, error) {
	file, err := os.OpenFile(cfg.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	dict, err := OpenDictionary(cfg.DictionaryPath)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	return &Logger{
		cfg:     cfg,
		file:    file,
		enc:     json.NewEncoder(file),
		dict:    dict,
		worker:  safego.NewWorker(logger, "audit", 512),
		logger:  logger,
		emitted: map[string]bool{},
	}, nil
}

// RecordExchange captures one request/response pair. Snapshots are taken
// synchronously because the orchestrator keeps mutating the request after
// dispatch; everything else runs on the worker.
func (l *Logger) RecordExchange(sessionID, provider string, req *entity.Request, resp *entity.Response, callErr error) {
	entry := Entry{
		Timestamp:     time.Now().UTC(),
		CorrelationID: uuid.NewString(),
		SessionID:     sessionID,
		Provider:      provider,
	}
	var system, transcript, response string
	if req != nil {
		entry.Model = req.Model
		system = string(req.System)
		transcript = renderTranscript(req.Messages)
	}
	if resp != nil {
		entry.StopReason = resp.StopReason
		usage := resp.Usage
		entry.Usage = &usage
		raw, err := json.Marshal(resp)
		if err == nil {
			response = string(raw)
		}
	}
	if callErr != nil {
		entry.Error = callErr.Error()
	}

	ok := l.worker.Submit(func() {
		if system != "" {
			entry.SystemPrompt = l.dedup(system)
		}
		if transcript != "" {
			entry.UserMessages = l.dedup(transcript)
		}
		if response != "" {
			entry.Response = l.dedup(response)
		}
		if err := l.enc.Encode(entry); err != nil {
			l.logger.Error("Audit append failed", zap.Error(err))
			return
		}
		if entry.Error != "" {
			l.captureOversized(entry, system, transcript, response)
		}
	})
	if !ok {
		l.logger.Warn("Audit entry dropped", zap.String("session_id", sessionID))
	}
}

// dedup hashes the full content, records the sighting in the dictionary, and
// decides between inline content and a reference.
func (l *Logger) dedup(content string) *Field {
	hash, err := l.dict.Observe(content)
	if err != nil {
		l.logger.Error("Dictionary append failed", zap.Error(err))
	}

	l.mu.Lock()
	seen := l.emitted[hash]
	l.emitted[hash] = true
	l.mu.Unlock()

	if seen {
		return &Field{Ref: hash, Size: len(content)}
	}
	field := &Field{Hash: hash, Size: len(content), Content: content}
	if l.cfg.TruncateAt > 0 && len(content) > l.cfg.TruncateAt {
		field.Content = content[:l.cfg.TruncateAt]
		field.Truncated = true
	}
	return field
}

// renderTranscript flattens the conversation for hashing. Empty user turns
// are stripped first so cosmetic whitespace differences do not defeat dedup.
func renderTranscript(messages []entity.Message) string {
	var b strings.Builder
	for _, m := range messages {
		if m.Role == entity.RoleUser && m.Content.IsEmpty() {
			continue
		}
		text := m.Content.Text()
		for _, block := range m.Content.Blocks() {
			switch block.Kind {
			case entity.BlockToolUse:
				if block.ToolUse != nil {
					text += fmt.Sprintf("\n[tool_use %s]", block.ToolUse.Name)
				}
			case entity.BlockToolResult:
				if block.ToolResult != nil {
					text += "\n[tool_result] " + block.ToolResult.Content
				}
			}
		}
		fmt.Fprintf(&b, "%s: %s\n", titleRole(m.Role), strings.TrimSpace(text))
	}
	return b.String()
}

func titleRole(role string) string {
	if role == "" {
		return role
	}
	return strings.ToUpper(role[:1]) + role[1:]
}

// captureOversized mirrors error entries with very large fields into a
// per-session file, keeping only the newest entries.
func (l *Logger) captureOversized(entry Entry, fields ...string) {
	if l.cfg.OversizedThreshold <= 0 || l.cfg.OversizedDir == "" {
		return
	}
	oversized := false
	for _, f := range fields {
		if len(f) > l.cfg.OversizedThreshold {
			oversized = true
			break
		}
	}
	if !oversized {
		return
	}

	if err := os.MkdirAll(l.cfg.OversizedDir, 0o755); err != nil {
		l.logger.Error("Oversized dir create failed", zap.Error(err))
		return
	}
	path := fmt.Sprintf("%s/%s.jsonl", l.cfg.OversizedDir, sanitizeFilename(entry.SessionID))

	full := struct {
		Entry
		FullFields []string `json:"full_fields"`
	}{Entry: entry, FullFields: fields}
	line, err := json.Marshal(full)
	if err != nil {
		return
	}

	lines := readLines(path)
	lines = append(lines, string(line))
	if l.cfg.OversizedRetention > 0 && len(lines) > l.cfg.OversizedRetention {
		lines = lines[len(lines)-l.cfg.OversizedRetention:]
	}
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644); err != nil {
		l.logger.Error("Oversized capture failed", zap.Error(err))
	}
}

func readLines(path string) []string {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func sanitizeFilename(name string) string {
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}

// Close drains queued writes and closes both files.
func (l *Logger) Close() error {
	l.worker.Close()
	err := l.file.Close()
	if derr := l.dict.Close(); err == nil {
		err = derr
	}
	return err
}
