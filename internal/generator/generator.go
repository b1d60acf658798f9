// Package generator produces chat replies, either via a rule-based
// fallback or an Ollama-backed LLM, as specified in spec.md §4.J.
// Grounded on original_source/ai_chat_brain/generator.py for the
// retry/language-drift logic and on src/llm-stream-proxy's HTTP/JSON
// calling convention for the Go request shape.
package generator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zakirovtech/twitch-rag-buddy/internal/buffer"
	"github.com/zakirovtech/twitch-rag-buddy/internal/metrics"
	"github.com/zakirovtech/twitch-rag-buddy/internal/summarizer"
)

// Purpose identifies why a reply is being generated (spec.md §4.J).
type Purpose string

const (
	PurposeAnswerAI Purpose = "answer_ai"
	PurposeMention  Purpose = "mention"
	PurposeInitiate Purpose = "initiate"
)

// Request is everything a Generator needs to produce one reply.
type Request struct {
	Purpose  Purpose
	Channel  string
	User     string
	UserText string
	Summary  *summarizer.Summary
	Recent   []buffer.ChatItem
	MaxLen   int
}

// Generator produces a reply for a Request.
type Generator interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// RuleBased is the non-LLM fallback generator. It never errors.
type RuleBased struct{}

func topicOf(s *summarizer.Summary) string {
	if s != nil && s.Topic != "" {
		return s.Topic
	}
	return "чат"
}

func (RuleBased) Generate(_ context.Context, req Request) (string, error) {
	topic := topicOf(req.Summary)

	switch {
	case req.Purpose == PurposeAnswerAI && req.UserText != "":
		return fmt.Sprintf(
			"Понял вопрос про %s. Я пока без RAG, но уточню: тебе нужен быстрый вывод или разбор по шагам?",
			topic,
		), nil
	case req.Purpose == PurposeMention:
		if req.User != "" {
			return fmt.Sprintf("@%s я тут 👀 Про %s — что именно обсудить?", req.User, topic), nil
		}
		return fmt.Sprintf("Я тут 👀 Про %s — что именно обсудить?", topic), nil
	}

	if req.Summary != nil && len(req.Summary.Questions) > 0 {
		q := req.Summary.Questions[0]
		r := []rune(q)
		if len(r) > 120 {
			return fmt.Sprintf("Кстати, по теме (%s): %s…", topic, string(r[:120])), nil
		}
		return fmt.Sprintf("Кстати, по теме (%s): %s", topic, q), nil
	}

	return fmt.Sprintf("Слушаю чат про %s. Если хотите — задайте вопрос через !ai …", topic), nil
}

var (
	cjkRE = regexp.MustCompile(`[\x{4e00}-\x{9fff}\x{3040}-\x{30ff}\x{ac00}-\x{d7af}]`)
	cyrRE = regexp.MustCompile(`[А-Яа-яЁё]`)
	latRE = regexp.MustCompile(`[A-Za-z]`)
)

// looksRussian is the language-drift heuristic: empty text and
// emoji-only text both pass (nothing to object to), CJK fails outright,
// otherwise Cyrillic letters must outnumber Latin letters at least 2:1.
func looksRussian(text string) bool {
	if text == "" {
		return true
	}
	if cjkRE.MatchString(text) {
		return false
	}
	cyr := len(cyrRE.FindAllString(text, -1))
	lat := len(latRE.FindAllString(text, -1))
	if cyr == 0 && lat == 0 {
		return true
	}
	minLat := 1
	if lat*2 > minLat {
		minLat = lat * 2
	}
	return cyr >= minLat
}

func formatRecent(items []buffer.ChatItem, maxN int) string {
	if len(items) == 0 {
		return ""
	}
	if len(items) > maxN {
		items = items[len(items)-maxN:]
	}
	lines := make([]string, len(items))
	for i, it := range items {
		lines[i] = it.User + ": " + it.Text
	}
	return strings.Join(lines, "\n")
}

// OllamaConfig configures the LLM-backed generator (spec.md §6).
type OllamaConfig struct {
	URL            string
	Model          string
	TimeoutSec     int
	Temperature    float64
	NumCtx         int
	NumPredict     int
	TopP           float64
	RepeatPenalty  float64
	Think          bool
	ForceRU        bool
	RetryNonRU     bool
	MaxContextMsgs int
}

// Ollama is the LLM-backed generator, falling back to RuleBased on any
// failure so a reply is always produced.
type Ollama struct {
	Config   OllamaConfig
	Client   *http.Client
	Fallback Generator
}

// NewOllama builds an Ollama generator with a timeout-bound HTTP
// client and RuleBased as the fallback.
func NewOllama(cfg OllamaConfig) *Ollama {
	return &Ollama{
		Config:   cfg,
		Client:   &http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second},
		Fallback: RuleBased{},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature   float64 `json:"temperature"`
	NumCtx        int     `json:"num_ctx"`
	NumPredict    int     `json:"num_predict"`
	TopP          float64 `json:"top_p"`
	RepeatPenalty float64 `json:"repeat_penalty"`
}

type chatPayload struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
	Think    bool          `json:"think"`
	Options  chatOptions   `json:"options"`
}

type chatResponse struct {
	Message *struct {
		Content  string `json:"content"`
		Thinking string `json:"thinking"`
	} `json:"message"`
	Response   string `json:"response"`
	DoneReason string `json:"done_reason"`
	Error      string `json:"error"`
}

func (g *Ollama) buildSystemPrompt() string {
	system := "Ты участник чата Twitch-стрима. " +
		"Пиши ОДНО короткое сообщение (1–2 предложения), без простыней, без ссылок, без токсичности. " +
		"Не спамь эмодзи. Не повторяйся. " +
		"Если не хватает контекста — задай один уточняющий вопрос. " +
		"НЕ ПИШИ рассуждения/chain-of-thought. Выведи только финальный ответ."
	if g.Config.ForceRU {
		system += " ВАЖНО: отвечай ТОЛЬКО на русском языке. " +
			"Запрещено использовать китайский и английский. " +
			"Если начал не на русском — перепиши ответ на русском."
	}
	return system
}

func (g *Ollama) buildUserPrompt(req Request) string {
	topic := topicOf(req.Summary)
	recent := formatRecent(req.Recent, g.Config.MaxContextMsgs)

	var keywords, questions string
	if req.Summary != nil {
		n := min(8, len(req.Summary.Keywords))
		keywords = strings.Join(req.Summary.Keywords[:n], ", ")
		qn := min(3, len(req.Summary.Questions))
		questions = strings.Join(req.Summary.Questions[:qn], " | ")
	}

	switch req.Purpose {
	case PurposeInitiate:
		return fmt.Sprintf(
			"Текущая тема чата: %s\nКлючевые слова: %s\nВопросы в чате: %s\n\nПоследние сообщения:\n%s\n\nСформулируй уместную реплику, чтобы поддержать разговор по теме.",
			topic, keywords, questions, recent,
		)
	case PurposeMention:
		return fmt.Sprintf(
			"Тебя упомянули в чате. Пользователь: %s\nСообщение пользователя: %s\n\nКонтекст/тема: %s\nПоследние сообщения:\n%s\n\nОтветь коротко и по делу (1 сообщение).",
			req.User, req.UserText, topic, recent,
		)
	default: // answer_ai
		return fmt.Sprintf(
			"Пользователь задаёт вопрос через !ai. Пользователь: %s\nВопрос: %s\n\nТема чата: %s\nПоследние сообщения:\n%s\n\nДай короткий полезный ответ (1–2 предложения).",
			req.User, req.UserText, topic, recent,
		)
	}
}

func (g *Ollama) basePayload(req Request) chatPayload {
	return chatPayload{
		Model: g.Config.Model,
		Messages: []chatMessage{
			{Role: "system", Content: g.buildSystemPrompt()},
			{Role: "user", Content: g.buildUserPrompt(req)},
		},
		Stream: false,
		Think:  g.Config.Think,
		Options: chatOptions{
			Temperature:   g.Config.Temperature,
			NumCtx:        g.Config.NumCtx,
			NumPredict:    g.Config.NumPredict,
			TopP:          g.Config.TopP,
			RepeatPenalty: g.Config.RepeatPenalty,
		},
	}
}

func (g *Ollama) postChat(ctx context.Context, correlationID string, payload chatPayload) (chatResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return chatResponse{}, err
	}

	url := strings.TrimRight(g.Config.URL, "/") + "/api/chat"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return chatResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.Client.Do(httpReq)
	if err != nil {
		return chatResponse{}, fmt.Errorf("ollama[%s]: request failed: %w", correlationID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return chatResponse{}, fmt.Errorf("ollama[%s]: HTTP %d", correlationID, resp.StatusCode)
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return chatResponse{}, fmt.Errorf("ollama[%s]: decode failed: %w", correlationID, err)
	}
	if out.Error != "" {
		return chatResponse{}, fmt.Errorf("ollama[%s]: %s", correlationID, out.Error)
	}
	return out, nil
}

func extractContent(r chatResponse) string {
	if r.Message != nil && r.Message.Content != "" {
		return strings.TrimSpace(r.Message.Content)
	}
	return strings.TrimSpace(r.Response)
}

// fallback counts the fallback-to-rule-based signal (SPEC_FULL.md §6)
// before delegating to g.Fallback.
func (g *Ollama) fallback(ctx context.Context, req Request) (string, error) {
	metrics.BrainGeneratorFallbackTotal.Inc()
	return g.Fallback.Generate(ctx, req)
}

// Generate calls Ollama, retrying once if the first reply comes back
// empty or truncated (done_reason=="length"), and once more if the
// result drifts out of Russian while ForceRU and RetryNonRU are set.
// A failed first call, a failed or empty length retry, or empty final
// content falls back to RuleBased; a failed or empty language retry
// keeps the earlier content.
func (g *Ollama) Generate(ctx context.Context, req Request) (string, error) {
	correlationID := uuid.NewString()
	payload := g.basePayload(req)

	resp, err := g.postChat(ctx, correlationID, payload)
	if err != nil {
		slog.Warn("ollama request failed, falling back", "correlation_id", correlationID, "err", err)
		return g.fallback(ctx, req)
	}

	content := extractContent(resp)
	if content == "" || resp.DoneReason == "length" {
		retry := payload
		retry.Think = false
		if retry.Options.Temperature > 0.2 {
			retry.Options.Temperature = 0.2
		}
		if retry.Options.NumPredict < 192 {
			retry.Options.NumPredict = 192
		}
		retry.Messages = append([]chatMessage(nil), payload.Messages...)
		retry.Messages[0].Content += " СЕЙЧАС ВЕРНИ ТОЛЬКО ФИНАЛЬНЫЙ ОТВЕТ (БЕЗ РАССУЖДЕНИЙ)."

		resp2, err := g.postChat(ctx, correlationID, retry)
		if err != nil {
			slog.Warn("ollama length-retry failed, falling back", "correlation_id", correlationID, "err", err)
			return g.fallback(ctx, req)
		}
		content2 := extractContent(resp2)
		if content2 == "" {
			slog.Warn("ollama returned empty content twice, falling back", "correlation_id", correlationID)
			return g.fallback(ctx, req)
		}
		content = content2
	}

	if g.Config.ForceRU && g.Config.RetryNonRU && content != "" && !looksRussian(content) {
		retry := payload
		retry.Think = false
		if retry.Options.Temperature > 0.2 {
			retry.Options.Temperature = 0.2
		}
		if retry.Options.NumPredict < 192 {
			retry.Options.NumPredict = 192
		}
		retry.Messages = append([]chatMessage(nil), payload.Messages...)
		retry.Messages[0].Content += " СЕЙЧАС ВЕРНИ РОВНО ОДНО СООБЩЕНИЕ НА РУССКОМ. НИКАКИХ ДРУГИХ ЯЗЫКОВ."

		resp3, err := g.postChat(ctx, correlationID, retry)
		if err == nil {
			if content3 := extractContent(resp3); content3 != "" {
				content = content3
			}
		}
	}

	content = strings.Join(strings.Fields(content), " ")
	if content == "" {
		return g.fallback(ctx, req)
	}

	maxLen := req.MaxLen
	if maxLen > 0 {
		r := []rune(content)
		if len(r) > maxLen {
			truncated := string(r[:maxLen])
			if i := strings.LastIndexByte(truncated, ' '); i > 0 {
				truncated = truncated[:i]
			}
			content = truncated + "…"
		}
	}
	return content, nil
}

// Build selects Ollama when a URL is configured, else RuleBased — the
// two-variant reply generator of spec.md §4.J.
func Build(cfg OllamaConfig) Generator {
	if cfg.URL != "" {
		return NewOllama(cfg)
	}
	return RuleBased{}
}
