package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
	kList
)

type keySpec struct {
	key     string
	typ     keyType
	env     string
	secret  bool
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DOCKETD_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.api_token", typ: kString, env: "DOCKETD_API_TOKEN",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Server.APIToken = v.(string) },
		extract: func(cfg Config) any { return cfg.Server.APIToken },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DOCKETD_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "log.level", typ: kString, env: "DOCKETD_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "portal.base_url", typ: kString, env: "DOCKETD_PORTAL_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.Portal.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.Portal.BaseURL },
	},
	{
		key: "portal.email", typ: kString, env: "DOCKETD_PORTAL_EMAIL",
		apply:   func(cfg *Config, v any) { cfg.Portal.Email = v.(string) },
		extract: func(cfg Config) any { return cfg.Portal.Email },
	},
	{
		key: "portal.password", typ: kString, env: "DOCKETD_PORTAL_PASSWORD",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.Portal.Password = v.(string) },
		extract: func(cfg Config) any { return cfg.Portal.Password },
	},
	{
		key: "portal.requests_per_second", typ: kFloat, env: "DOCKETD_PORTAL_REQUESTS_PER_SECOND",
		apply:   func(cfg *Config, v any) { cfg.Portal.RequestsPerSecond = v.(float64) },
		extract: func(cfg Config) any { return cfg.Portal.RequestsPerSecond },
	},
	{
		key: "portal.request_timeout", typ: kDuration, env: "DOCKETD_PORTAL_REQUEST_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Portal.RequestTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Portal.RequestTimeout },
	},
	{
		key: "portal.session_max_age", typ: kDuration, env: "DOCKETD_PORTAL_SESSION_MAX_AGE",
		apply:   func(cfg *Config, v any) { cfg.Portal.SessionMaxAge = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Portal.SessionMaxAge },
	},
	{
		key: "portal.min_delay", typ: kDuration, env: "DOCKETD_PORTAL_MIN_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Portal.MinDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Portal.MinDelay },
	},
	{
		key: "portal.max_delay", typ: kDuration, env: "DOCKETD_PORTAL_MAX_DELAY",
		apply:   func(cfg *Config, v any) { cfg.Portal.MaxDelay = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Portal.MaxDelay },
	},
	{
		key: "pipeline.max_workers", typ: kInt, env: "DOCKETD_PIPELINE_MAX_WORKERS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxWorkers = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxWorkers },
	},
	{
		key: "pipeline.queue_size", typ: kInt, env: "DOCKETD_PIPELINE_QUEUE_SIZE",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.QueueSize = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.QueueSize },
	},
	{
		key: "pipeline.max_attempts", typ: kInt, env: "DOCKETD_PIPELINE_MAX_ATTEMPTS",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxAttempts = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxAttempts },
	},
	{
		key: "pipeline.initial_backoff", typ: kDuration, env: "DOCKETD_PIPELINE_INITIAL_BACKOFF",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.InitialBackoff = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.InitialBackoff },
	},
	{
		key: "pipeline.drain_timeout", typ: kDuration, env: "DOCKETD_PIPELINE_DRAIN_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.DrainTimeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Pipeline.DrainTimeout },
	},
	{
		key: "pipeline.disambiguation", typ: kString, env: "DOCKETD_PIPELINE_DISAMBIGUATION",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.Disambiguation = v.(string) },
		extract: func(cfg Config) any { return cfg.Pipeline.Disambiguation },
	},
	{
		key: "pipeline.name_similarity", typ: kFloat, env: "DOCKETD_PIPELINE_NAME_SIMILARITY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.NameSimilarity = v.(float64) },
		extract: func(cfg Config) any { return cfg.Pipeline.NameSimilarity },
	},
	{
		key: "pipeline.download_concurrency", typ: kInt, env: "DOCKETD_PIPELINE_DOWNLOAD_CONCURRENCY",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.DownloadConcurrency = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.DownloadConcurrency },
	},
	{
		key: "pipeline.max_document_bytes", typ: kInt, env: "DOCKETD_PIPELINE_MAX_DOCUMENT_BYTES",
		apply:   func(cfg *Config, v any) { cfg.Pipeline.MaxDocumentBytes = v.(int) },
		extract: func(cfg Config) any { return cfg.Pipeline.MaxDocumentBytes },
	},
	{
		key: "llm.base_url", typ: kString, env: "DOCKETD_LLM_BASE_URL",
		apply:   func(cfg *Config, v any) { cfg.LLM.BaseURL = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.BaseURL },
	},
	{
		key: "llm.api_key", typ: kString, env: "DOCKETD_LLM_API_KEY",
		secret:  true,
		apply:   func(cfg *Config, v any) { cfg.LLM.APIKey = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.APIKey },
	},
	{
		key: "llm.model", typ: kString, env: "DOCKETD_LLM_MODEL",
		apply:   func(cfg *Config, v any) { cfg.LLM.Model = v.(string) },
		extract: func(cfg Config) any { return cfg.LLM.Model },
	},
	{
		key: "llm.timeout", typ: kDuration, env: "DOCKETD_LLM_TIMEOUT",
		apply:   func(cfg *Config, v any) { cfg.LLM.Timeout = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.LLM.Timeout },
	},
	{
		key: "features.extract_associated_parties", typ: kBool, env: "DOCKETD_FEATURES_EXTRACT_ASSOCIATED_PARTIES",
		apply:   func(cfg *Config, v any) { cfg.Features.ExtractAssociatedParties = v.(bool) },
		extract: func(cfg Config) any { return cfg.Features.ExtractAssociatedParties },
	},
	{
		key: "features.extract_associated_party_addresses", typ: kBool, env: "DOCKETD_FEATURES_EXTRACT_ASSOCIATED_PARTY_ADDRESSES",
		apply:   func(cfg *Config, v any) { cfg.Features.ExtractAssociatedPartyAddresses = v.(bool) },
		extract: func(cfg Config) any { return cfg.Features.ExtractAssociatedPartyAddresses },
	},
	{
		key: "features.check_voluntary_dismissal", typ: kBool, env: "DOCKETD_FEATURES_CHECK_VOLUNTARY_DISMISSAL",
		apply:   func(cfg *Config, v any) { cfg.Features.CheckVoluntaryDismissal = v.(bool) },
		extract: func(cfg Config) any { return cfg.Features.CheckVoluntaryDismissal },
	},
	{
		key: "documents.judgment_keywords", typ: kList, env: "DOCKETD_DOCUMENTS_JUDGMENT_KEYWORDS",
		apply:   func(cfg *Config, v any) { cfg.Documents.JudgmentKeywords = v.([]string) },
		extract: func(cfg Config) any { return cfg.Documents.JudgmentKeywords },
	},
	{
		key: "documents.complaint_keywords", typ: kList, env: "DOCKETD_DOCUMENTS_COMPLAINT_KEYWORDS",
		apply:   func(cfg *Config, v any) { cfg.Documents.ComplaintKeywords = v.([]string) },
		extract: func(cfg Config) any { return cfg.Documents.ComplaintKeywords },
	},
}

func findSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parseValue converts a raw string into the Go type for typ.
func parseValue(typ keyType, raw string) (any, error) {
	switch typ {
	case kString:
		return raw, nil
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	case kList:
		return splitList(raw), nil
	}
	return nil, fmt.Errorf("unknown key type %d", typ)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.secret {
			continue
		}
		switch s.typ {
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kList:
			v, ok, err := b.GetStrings(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		default:
			raw, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if !ok || (s.typ != kString && raw == "") {
				continue
			}
			v, err := parseValue(s.typ, raw)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse config key %s=%q: %v. Using default value.\n", s.key, raw, err)
				continue
			}
			s.apply(cfg, v)
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := parseValue(s.typ, raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
