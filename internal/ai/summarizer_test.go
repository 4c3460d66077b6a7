package ai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	reply string
	err   error
	block bool
	last  []Message
}

func (p *stubProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	p.last = append([]Message(nil), messages...)
	if p.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return p.reply, p.err
}

func (p *stubProvider) Name() string      { return "stub" }
func (p *stubProvider) ModelName() string { return "stub-1" }

func sampleLines() []TranscriptLine {
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return []TranscriptLine{
		{Timestamp: t0, Sender: "Alice", Direction: "user", Content: "Is the shop open on Sunday?"},
		{Timestamp: t0.Add(time.Minute), Sender: "", Direction: "bot", Content: "Yes, 10:00 to 16:00."},
		{Timestamp: t0.Add(2 * time.Minute), Sender: "Alice", Direction: "user", Content: "   "},
	}
}

func TestSummarize_ParsesFencedJSON(t *testing.T) {
	p := &stubProvider{reply: "```json\n{\"summary\": \"Customer asked about Sunday hours.\", \"key_topics\": [\"hours\", \"Hours\", \" sunday \"]}\n```"}
	s := NewSummarizer(p, time.Second)

	res, err := s.Summarize(context.Background(), sampleLines())
	require.NoError(t, err)
	assert.Equal(t, "Customer asked about Sunday hours.", res.Content)
	assert.Equal(t, []string{"hours", "sunday"}, res.KeyTopics)
	assert.Equal(t, "stub", res.Provider)
	assert.Equal(t, "stub-1", res.Model)

	require.Len(t, p.last, 2)
	assert.Equal(t, "system", p.last[0].Role)
	assert.Contains(t, p.last[1].Content, "Alice: Is the shop open on Sunday?")
	assert.Contains(t, p.last[1].Content, "bot: Yes, 10:00 to 16:00.")
}

func TestSummarize_MalformedReply(t *testing.T) {
	for _, reply := range []string{"sorry, I cannot", `{"summary": ""}`, `{"summary": 5}`} {
		s := NewSummarizer(&stubProvider{reply: reply}, time.Second)
		_, err := s.Summarize(context.Background(), sampleLines())
		assert.ErrorIs(t, err, ErrMalformedResponse, reply)
	}
}

func TestSummarize_Timeout(t *testing.T) {
	s := NewSummarizer(&stubProvider{block: true}, 20*time.Millisecond)
	_, err := s.Summarize(context.Background(), sampleLines())
	assert.ErrorIs(t, err, ErrUpstreamTimeout)
}

func TestSummarize_UpstreamError(t *testing.T) {
	s := NewSummarizer(&stubProvider{err: errors.New("connection refused")}, time.Second)
	_, err := s.Summarize(context.Background(), sampleLines())
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestSummarize_EmptyTranscript(t *testing.T) {
	s := NewSummarizer(&stubProvider{reply: `{"summary":"x"}`}, time.Second)
	_, err := s.Summarize(context.Background(), []TranscriptLine{{Content: "  "}})
	assert.ErrorIs(t, err, ErrEmptyTranscript)
}

func TestRenderTranscript_DropsOldestWhenTooLong(t *testing.T) {
	long := strings.Repeat("x", maxTranscriptRunes/2)
	lines := []TranscriptLine{
		{Sender: "a", Content: "first " + long},
		{Sender: "b", Content: "second " + long},
		{Sender: "c", Content: "third"},
	}
	out := renderTranscript(lines)
	assert.NotContains(t, out, "first")
	assert.Contains(t, out, "second")
	assert.Contains(t, out, "third")
}

func TestOllamaProvider_UpstreamStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	p := NewOllamaProvider(srv.URL, "missing")
	_, err := p.Chat(context.Background(), []Message{{Role: "user", Content: "hi"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUpstream)
	assert.Contains(t, err.Error(), "model not found")
}

func TestOllamaProvider_JSONMode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"{\"summary\":\"ok\"}"}}`))
	}))
	defer srv.Close()

	s := NewSummarizer(NewOllamaProvider(srv.URL, "llama3"), time.Second)
	res, err := s.Summarize(context.Background(), sampleLines())
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Content)
	assert.Equal(t, "ollama", res.Provider)
	assert.Equal(t, "llama3", res.Model)
}

func TestRegistry_UnknownProvider(t *testing.T) {
	reg := NewDefaultRegistry(ProviderSettings{})
	assert.Equal(t, []string{"ollama", "openrouter"}, reg.Names())

	_, err := reg.Get(context.Background(), "nope", "")
	require.Error(t, err)

	p, err := reg.Get(context.Background(), " OLLAMA ", "")
	require.NoError(t, err)
	assert.Equal(t, "ollama", p.(Described).Name())
}
