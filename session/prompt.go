package session

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"github.com/m4xw311/acpbridge/llm"
	"github.com/m4xw311/acpbridge/protocol"
	"github.com/m4xw311/acpbridge/resolver"
)

// userEntry stores the prompt with file references replaced by their
// content.
func userEntry(resolved []resolver.Resolved) Entry {
	e := Entry{Role: "user", Timestamp: time.Now()}
	for _, r := range resolved {
		if r.Kind == resolver.ResolvedFile && r.Message != "" {
			e.Content = append(e.Content, protocol.TextBlock(r.Message))
		}
		e.Content = append(e.Content, r.ContentBlock())
	}
	return e
}

func assistantEntry(chunks []string) Entry {
	return Entry{
		Role:      "assistant",
		Content:   []protocol.ContentBlock{protocol.TextBlock(strings.Join(chunks, ""))},
		Timestamp: time.Now(),
	}
}

func recentEntries(history []Entry, n int) []Entry {
	if n <= 0 || len(history) <= n {
		return append([]Entry(nil), history...)
	}
	return append([]Entry(nil), history[len(history)-n:]...)
}

// buildPrompt turns the history window and the new user entry into model
// messages.
func buildPrompt(system string, window []Entry, user Entry) []llm.Message {
	var msgs []llm.Message
	if system != "" {
		msgs = append(msgs, llm.Message{Role: "system", Content: system})
	}
	for _, e := range window {
		msgs = append(msgs, llm.Message{Role: e.Role, Content: renderBlocks(e.Content)})
	}
	return append(msgs, llm.Message{Role: "user", Content: renderBlocks(user.Content)})
}

func renderBlocks(blocks []protocol.ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case protocol.ContentText:
			if strings.TrimSpace(b.Text) != "" {
				parts = append(parts, b.Text)
			}
		case protocol.ContentResource:
			name := b.Resource.URI
			if path, ok := protocol.FilePath(b.Resource.URI); ok {
				name = path
			}
			parts = append(parts, fmt.Sprintf("=== Resource: %s ===\n--- File Contents ---\n%s\n--- End of File ---\n=== End Resource ===\n", name, b.Resource.Text))
		case protocol.ContentResourceLink:
			var sb strings.Builder
			fmt.Fprintf(&sb, "=== Resource: %s ===\n", b.Name)
			if b.Title != "" {
				fmt.Fprintf(&sb, "Title: %s\n", b.Title)
			}
			if b.Description != "" {
				fmt.Fprintf(&sb, "Description: %s\n", b.Description)
			}
			fmt.Fprintf(&sb, "URI: %s\n", b.URI)
			sb.WriteString("\n[External resource - content not available]\n=== End Resource ===\n")
			parts = append(parts, sb.String())
		default:
			parts = append(parts, fmt.Sprintf("[%s content omitted]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}

// heapInUseMB reports the process heap. Tests replace it.
var heapInUseMB = func() int {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return int(m.HeapInuse >> 20)
}

var freeOSMemory = debug.FreeOSMemory

func overMemoryLimit(limitMB int) bool {
	return limitMB > 0 && heapInUseMB() > limitMB
}

// trimHistory keeps the newest 80% of the cap. It reports whether anything
// was dropped.
func (s *Session) trimHistory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := s.opts.HistoryCap * 8 / 10
	if keep < 1 {
		keep = 1
	}
	if len(s.history) <= keep {
		return false
	}
	dropped := len(s.history) - keep
	s.history = append([]Entry(nil), s.history[dropped:]...)
	s.log.Debug().Int("dropped", dropped).Int("kept", keep).Msg("trimmed history")
	return true
}

// enforceLimits trims history, then drops the resolver caches, and only
// then returns freed memory to the OS.
func (s *Session) enforceLimits() {
	s.mu.Lock()
	overCap := s.opts.HistoryCap > 0 && len(s.history) > s.opts.HistoryCap
	s.mu.Unlock()
	overHeap := overMemoryLimit(s.opts.MemoryLimitMB)
	if !overCap && !overHeap {
		return
	}
	if s.opts.HistoryCap > 0 {
		s.trimHistory()
	}
	paths, contents := s.deps.Resolver.CacheStats()
	s.log.Debug().
		Int("path_entries", paths.Entries).Int64("path_hits", paths.Hits).Int64("path_misses", paths.Misses).
		Int("content_entries", contents.Entries).Int64("content_hits", contents.Hits).Int64("content_misses", contents.Misses).
		Msg("clearing resolver caches")
	s.deps.Resolver.Clear()
	if overHeap {
		s.log.Info().Int("limit_mb", s.opts.MemoryLimitMB).Msg("memory limit exceeded, releasing memory")
		freeOSMemory()
	}
}
