package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultSummaryTimeout = 10 * time.Second
	maxTranscriptRunes    = 24000
	maxKeyTopics          = 8
)

const summarySystemPrompt = `You summarize customer chat conversations from a LINE account for the business that owns it.
Reply with a single JSON object and nothing else:
{"summary": "<3 to 6 sentences covering what was asked, what was answered and anything left open>",
 "key_topics": ["<short topic>", "..."]}
Write the summary in the main language of the conversation. Use at most 8 key topics.`

// TranscriptLine is one message of a session as the model sees it.
type TranscriptLine struct {
	Timestamp time.Time
	Sender    string
	Direction string
	Content   string
}

type SummaryResult struct {
	Content   string
	KeyTopics []string
	Provider  string
	Model     string
	Duration  time.Duration
}

// Summarizer turns a transcript into summary text plus key topics with one bounded provider call.
// It never retries.
type Summarizer struct {
	provider     Provider
	providerName string
	model        string
	timeout      time.Duration
}

func NewSummarizer(p Provider, timeout time.Duration) *Summarizer {
	if timeout <= 0 {
		timeout = defaultSummaryTimeout
	}
	s := &Summarizer{provider: p, timeout: timeout, providerName: "unknown"}
	if d, ok := p.(Described); ok {
		s.providerName = d.Name()
		s.model = d.ModelName()
	}
	return s
}

// NewSummarizerFromRegistry resolves the named provider and wraps it.
func NewSummarizerFromRegistry(ctx context.Context, reg *Registry, providerName, model string, timeout time.Duration) (*Summarizer, error) {
	p, err := reg.Get(ctx, providerName, model)
	if err != nil {
		return nil, err
	}
	s := NewSummarizer(p, timeout)
	if s.providerName == "unknown" {
		s.providerName = strings.ToLower(strings.TrimSpace(providerName))
	}
	if s.model == "" {
		s.model = model
	}
	return s, nil
}

func (s *Summarizer) Summarize(ctx context.Context, lines []TranscriptLine) (*SummaryResult, error) {
	transcript := renderTranscript(lines)
	if transcript == "" {
		return nil, ErrEmptyTranscript
	}

	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	raw, err := s.provider.Chat(cctx, []Message{
		{Role: "system", Content: summarySystemPrompt},
		{Role: "user", Content: "Conversation:\n" + transcript},
	})
	elapsed := time.Since(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(cctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, s.timeout)
		}
		if errors.Is(err, ErrUpstream) || errors.Is(err, ErrMalformedResponse) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}

	content, topics, err := parseSummary(raw)
	if err != nil {
		return nil, err
	}

	return &SummaryResult{
		Content:   content,
		KeyTopics: topics,
		Provider:  s.providerName,
		Model:     s.model,
		Duration:  elapsed,
	}, nil
}

// renderTranscript formats lines oldest first. When too long the oldest lines are dropped.
func renderTranscript(lines []TranscriptLine) string {
	rendered := make([]string, 0, len(lines))
	for _, l := range lines {
		text := strings.TrimSpace(l.Content)
		if text == "" {
			continue
		}
		sender := strings.TrimSpace(l.Sender)
		if sender == "" {
			sender = l.Direction
		}
		if sender == "" {
			sender = "unknown"
		}
		rendered = append(rendered, fmt.Sprintf("[%s] %s: %s", l.Timestamp.UTC().Format("2006-01-02 15:04"), sender, text))
	}

	total := 0
	first := len(rendered)
	for i := len(rendered) - 1; i >= 0; i-- {
		n := len([]rune(rendered[i])) + 1
		if total+n > maxTranscriptRunes && first < len(rendered) {
			break
		}
		total += n
		first = i
	}
	return strings.Join(rendered[first:], "\n")
}

type summaryPayload struct {
	Summary   string   `json:"summary"`
	KeyTopics []string `json:"key_topics"`
}

func parseSummary(raw string) (string, []string, error) {
	text := strings.TrimSpace(raw)
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", nil, fmt.Errorf("%w: no json object in reply", ErrMalformedResponse)
	}

	var p summaryPayload
	if err := json.Unmarshal([]byte(text[start:end+1]), &p); err != nil {
		return "", nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	p.Summary = strings.TrimSpace(p.Summary)
	if p.Summary == "" {
		return "", nil, fmt.Errorf("%w: empty summary", ErrMalformedResponse)
	}

	topics := make([]string, 0, len(p.KeyTopics))
	seen := make(map[string]struct{}, len(p.KeyTopics))
	for _, t := range p.KeyTopics {
		t = strings.TrimSpace(t)
		key := strings.ToLower(t)
		if t == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		topics = append(topics, t)
		if len(topics) == maxKeyTopics {
			break
		}
	}
	return p.Summary, topics, nil
}
