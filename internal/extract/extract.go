// Package extract turns downloaded case documents into structured creditor
// fields by asking a chat model and validating its JSON answer.
package extract

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ledongthuc/pdf"
	gocache "github.com/patrickmn/go-cache"
	openai "github.com/sashabaranov/go-openai"

	"github.com/kalambet/docketd/internal/blobstore"
	"github.com/kalambet/docketd/internal/caseerr"
	"github.com/kalambet/docketd/internal/config"
	"github.com/kalambet/docketd/internal/storage"
)

const (
	maxAttempts    = 2
	cacheTTL       = 24 * time.Hour
	minPDFTextSize = 200
	maxResponseTok = 2048
)

// Document is the input to one extraction.
type Document struct {
	Title       string
	Kind        storage.DocumentKind
	ContentType string
	Checksum    string
	Content     []byte
}

// Options carry what the case still needs from the document.
type Options struct {
	CreditorName       string
	IsBusiness         bool
	AssociatedParties  []string
	WantPartyAddresses bool
	// Reprocess bypasses the result cache.
	Reprocess bool
}

// Fields are the values a document yielded. Empty means not stated.
type Fields struct {
	CreditorName           string          `json:"creditor_name,omitempty"`
	CreditorAddress        string          `json:"creditor_address,omitempty"`
	RegistrationState      string          `json:"creditor_registration_state,omitempty"`
	JudgmentAmount         string          `json:"judgment_amount,omitempty"`
	JudgmentAwarded        string          `json:"judgment_awarded_to_creditor,omitempty"`
	JudgmentAwardedContext string          `json:"judgment_awarded_context,omitempty"`
	AssociatedParties      []storage.Party `json:"associated_parties,omitempty"`
}

type Result struct {
	Fields   Fields
	Raw      json.RawMessage
	Cached   bool
	Attempts int
}

// Engine runs extractions. It is safe for concurrent use.
type Engine struct {
	cache  *gocache.Cache
	logger *slog.Logger
}

func New() *Engine {
	return &Engine{
		cache:  gocache.New(cacheTTL, time.Hour),
		logger: slog.Default(),
	}
}

// Extract asks the model configured in cfg for the fields of doc. A response
// that is not valid JSON or fails the schema is retried once with a stricter
// prompt. Errors are *caseerr.ExtractionError.
func (e *Engine) Extract(ctx context.Context, cfg config.LLMConfig, doc Document, opts Options) (Result, error) {
	key := cacheKey(cfg.Model, doc, opts)
	cacheable := doc.Checksum != ""
	if cacheable && !opts.Reprocess {
		if v, ok := e.cache.Get(key); ok {
			r := v.(Result)
			r.Cached = true
			return r, nil
		}
	}

	reqID := uuid.NewString()
	log := e.logger.With("request_id", reqID, "checksum", doc.Checksum, "kind", doc.Kind)

	c, err := render(doc)
	if err != nil {
		return Result{}, &caseerr.ExtractionError{Reason: "unreadable document", Err: err}
	}
	schema, err := compileSchema(doc.Kind)
	if err != nil {
		return Result{}, &caseerr.ExtractionError{Reason: "schema", Err: err}
	}

	client := newClient(cfg)
	var (
		problem string
		lastErr error
		reason  string
	)
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		log.Info("extract.start", "attempt", attempt, "model", cfg.Model, "image", c.dataURL != "")

		raw, err := e.call(ctx, client, cfg, buildMessages(doc, opts, c, problem))
		if err != nil {
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			log.Warn("extract.call_failed", "attempt", attempt, "error", err)
			lastErr, reason = err, "model call failed"
			problem = "the request failed"
			continue
		}

		v, err := parseResponse(raw)
		if err == nil {
			err = schema.Validate(v)
		}
		if err != nil {
			log.Warn("extract.schema_invalid", "attempt", attempt, "error", err)
			lastErr, reason = err, "response failed schema validation"
			problem = firstLine(err.Error())
			continue
		}

		clean, err := json.Marshal(v)
		if err != nil {
			return Result{}, &caseerr.ExtractionError{Reason: "encode fields", Err: err}
		}
		var fields Fields
		if err := json.Unmarshal(clean, &fields); err != nil {
			return Result{}, &caseerr.ExtractionError{Reason: "decode fields", Err: err}
		}
		res := Result{Fields: fields, Raw: clean, Attempts: attempt}
		if cacheable {
			e.cache.Set(key, res, gocache.DefaultExpiration)
		}
		log.Info("extract.ok", "attempt", attempt, "creditor_name", fields.CreditorName)
		return res, nil
	}
	return Result{}, &caseerr.ExtractionError{Reason: reason, Err: lastErr}
}

// Forget drops every cached result, so the next extraction of any document
// calls the model again.
func (e *Engine) Forget() { e.cache.Flush() }

func (e *Engine) call(ctx context.Context, client *openai.Client, cfg config.LLMConfig, msgs []openai.ChatCompletionMessage) (string, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	resp, err := client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       cfg.Model,
		Messages:    msgs,
		MaxTokens:   maxResponseTok,
		Temperature: 0,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return resp.Choices[0].Message.Content, nil
}

func newClient(cfg config.LLMConfig) *openai.Client {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return openai.NewClientWithConfig(clientConfig)
}

func parseResponse(raw string) (map[string]any, error) {
	body := stripFences(raw)
	if body == "" {
		return nil, errors.New("empty response")
	}
	var v map[string]any
	if err := json.Unmarshal([]byte(body), &v); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}
	normalizeNotFound(v)
	return v, nil
}

func render(doc Document) (content, error) {
	if len(doc.Content) == 0 {
		return content{}, errors.New("empty document")
	}
	switch doc.ContentType {
	case blobstore.ContentTypePDF:
		text, err := pdfText(doc.Content)
		if err == nil && len(strings.TrimSpace(text)) >= minPDFTextSize {
			return content{text: truncateRunes(text, maxTextRunes)}, nil
		}
		return content{dataURL: dataURL(doc.ContentType, doc.Content)}, nil
	case blobstore.ContentTypeTIFF:
		return content{dataURL: dataURL(doc.ContentType, doc.Content)}, nil
	default:
		return content{}, fmt.Errorf("unsupported content type %q", doc.ContentType)
	}
}

func pdfText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pdf parser: %v", r)
		}
	}()
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", err
	}
	b, err := io.ReadAll(plain)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func dataURL(contentType string, b []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(b)
}

// cacheKey identifies an extraction by document content and everything that
// shapes the prompt.
func cacheKey(model string, doc Document, opts Options) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s\x00%t\x00%t\x00%s",
		model, doc.Checksum, doc.Kind, opts.CreditorName, opts.IsBusiness, opts.WantPartyAddresses,
		strings.Join(opts.AssociatedParties, "\x1f"))
	return hex.EncodeToString(h.Sum(nil))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
