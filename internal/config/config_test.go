package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaultsForDevProfile(t *testing.T) {
	cfg, err := Load("dataviz-api", mapLookup(map[string]string{}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Profile != ProfileDev {
		t.Fatalf("Profile = %q, want %q", cfg.Profile, ProfileDev)
	}
	if cfg.HTTP.Address != ":8080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
	if cfg.Observability.LogLevel != slog.LevelDebug {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if cfg.Conversation.Driver != ConversationDriverPostgres {
		t.Fatalf("Conversation.Driver = %q", cfg.Conversation.Driver)
	}
	if cfg.AI.Timeout != 30*time.Second {
		t.Fatalf("AI.Timeout = %s", cfg.AI.Timeout)
	}
	if cfg.AI.MaxRetries != 2 {
		t.Fatalf("AI.MaxRetries = %d", cfg.AI.MaxRetries)
	}
	if cfg.AI.Temperature != 0 {
		t.Fatalf("AI.Temperature = %f", cfg.AI.Temperature)
	}
	if cfg.Query.Timeout != 60*time.Second {
		t.Fatalf("Query.Timeout = %s", cfg.Query.Timeout)
	}
	if cfg.Pipeline.ContextTurns != 3 {
		t.Fatalf("Pipeline.ContextTurns = %d", cfg.Pipeline.ContextTurns)
	}
	if cfg.Pipeline.SynthesisAttempts != 1 {
		t.Fatalf("Pipeline.SynthesisAttempts = %d", cfg.Pipeline.SynthesisAttempts)
	}
	if cfg.Retention.MaxAge != 30*24*time.Hour {
		t.Fatalf("Retention.MaxAge = %s", cfg.Retention.MaxAge)
	}
}

func TestLoadProfileDefaults(t *testing.T) {
	cfg, err := Load("dataviz-api", mapLookup(map[string]string{"DATAVIZ_PROFILE": "prod"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Observability.LogLevel != slog.LevelInfo {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
	if !cfg.ObjectStore.UseSSL {
		t.Fatal("ObjectStore.UseSSL should default to true in prod")
	}
	if cfg.ObjectStore.AutoCreateBucket {
		t.Fatal("ObjectStore.AutoCreateBucket should default to false in prod")
	}

	cfg, err = Load("dataviz-api", mapLookup(map[string]string{"DATAVIZ_PROFILE": "TEST"}))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Conversation.Driver != ConversationDriverMemory {
		t.Fatalf("Conversation.Driver = %q, want memory in test", cfg.Conversation.Driver)
	}
	if cfg.HTTP.Address != ":18080" {
		t.Fatalf("HTTP.Address = %q", cfg.HTTP.Address)
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	lookup := mapLookup(map[string]string{
		"DATAVIZ_SERVICE_NAME":                    "dataviz-custom",
		"DATAVIZ_HTTP_ADDR":                       ":9999",
		"DATAVIZ_HTTP_READ_TIMEOUT":               "2s",
		"DATAVIZ_HTTP_MAX_BODY_BYTES":             "1024",
		"DATAVIZ_CATALOG_DSN":                     "postgres://example",
		"DATAVIZ_CATALOG_MAX_OPEN_CONNS":          "42",
		"DATAVIZ_CONVERSATION_DRIVER":             "sqlite",
		"DATAVIZ_CONVERSATION_SQLITE_PATH":        "/tmp/chat.db",
		"DATAVIZ_OBJECTSTORE_BUCKET":              "dataviz-prod",
		"DATAVIZ_OBJECTSTORE_USE_SSL":             "true",
		"DATAVIZ_OBJECTSTORE_AUTO_CREATE_BUCKET":  "false",
		"DATAVIZ_QUERY_TIMEOUT":                   "2m",
		"DATAVIZ_QUERY_VALIDATION_ROW_LIMIT":      "5",
		"DATAVIZ_QUERY_SCHEMA_SAMPLE_ROWS":        "7",
		"DATAVIZ_QUERY_ANSWER_ROW_LIMIT":          "50",
		"DATAVIZ_AI_PROVIDER":                     "ollama",
		"DATAVIZ_AI_BASE_URL":                     "http://localhost:11434",
		"DATAVIZ_AI_API_KEY":                      "secret-key",
		"DATAVIZ_AI_MODEL":                        "llama3.1",
		"DATAVIZ_AI_TEMPERATURE":                  "0.3",
		"DATAVIZ_AI_TIMEOUT":                      "21s",
		"DATAVIZ_AI_MAX_RETRIES":                  "4",
		"DATAVIZ_PIPELINE_CONTEXT_TURNS":          "5",
		"DATAVIZ_PIPELINE_SYNTHESIS_ATTEMPTS":     "3",
		"DATAVIZ_PIPELINE_NOUN_PROBE_CONCURRENCY": "2",
		"DATAVIZ_RETENTION_INTERVAL":              "15m",
		"DATAVIZ_RETENTION_MAX_AGE":               "72h",
		"DATAVIZ_RETENTION_ORPHAN_GRACE":          "0s",
		"DATAVIZ_LOG_LEVEL":                       "error",
	})
	cfg, err := Load("dataviz-api", lookup)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Service.Name != "dataviz-custom" {
		t.Fatalf("Service.Name = %q", cfg.Service.Name)
	}
	if cfg.HTTP.Address != ":9999" || cfg.HTTP.ReadTimeout != 2*time.Second || cfg.HTTP.MaxBodyBytes != 1024 {
		t.Fatalf("HTTP = %+v", cfg.HTTP)
	}
	if cfg.Catalog.DSN != "postgres://example" || cfg.Catalog.MaxOpenConns != 42 {
		t.Fatalf("Catalog = %+v", cfg.Catalog)
	}
	if cfg.Conversation.Driver != ConversationDriverSQLite || cfg.Conversation.SQLitePath != "/tmp/chat.db" {
		t.Fatalf("Conversation = %+v", cfg.Conversation)
	}
	if cfg.ObjectStore.Bucket != "dataviz-prod" || !cfg.ObjectStore.UseSSL || cfg.ObjectStore.AutoCreateBucket {
		t.Fatalf("ObjectStore = %+v", cfg.ObjectStore)
	}
	if cfg.Query.Timeout != 2*time.Minute || cfg.Query.ValidationRowLimit != 5 || cfg.Query.SchemaSampleRows != 7 || cfg.Query.AnswerRowLimit != 50 {
		t.Fatalf("Query = %+v", cfg.Query)
	}
	if cfg.AI.Provider != AIProviderOllama {
		t.Fatalf("AI.Provider = %q", cfg.AI.Provider)
	}
	if cfg.AI.BaseURL != "http://localhost:11434" || cfg.AI.APIKey != "secret-key" || cfg.AI.Model != "llama3.1" {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.AI.Temperature != 0.3 || cfg.AI.Timeout != 21*time.Second || cfg.AI.MaxRetries != 4 {
		t.Fatalf("AI = %+v", cfg.AI)
	}
	if cfg.Pipeline.ContextTurns != 5 || cfg.Pipeline.SynthesisAttempts != 3 || cfg.Pipeline.NounProbeConcurrency != 2 {
		t.Fatalf("Pipeline = %+v", cfg.Pipeline)
	}
	if cfg.Retention.Interval != 15*time.Minute || cfg.Retention.MaxAge != 72*time.Hour || cfg.Retention.OrphanGrace != 0 {
		t.Fatalf("Retention = %+v", cfg.Retention)
	}
	if cfg.Observability.LogLevel != slog.LevelError {
		t.Fatalf("LogLevel = %v", cfg.Observability.LogLevel)
	}
}

func TestLoadErrorsOnInvalidValues(t *testing.T) {
	tests := []map[string]string{
		{"DATAVIZ_PROFILE": "oops"},
		{"DATAVIZ_HTTP_READ_TIMEOUT": "NaN"},
		{"DATAVIZ_CATALOG_MAX_OPEN_CONNS": "oops"},
		{"DATAVIZ_AI_TEMPERATURE": "bad"},
		{"DATAVIZ_AI_PROVIDER": "palm"},
		{"DATAVIZ_AI_MAX_RETRIES": "-1"},
		{"DATAVIZ_CONVERSATION_DRIVER": "mysql"},
		{"DATAVIZ_CONVERSATION_DRIVER": "sqlite", "DATAVIZ_CONVERSATION_SQLITE_PATH": ""},
		{"DATAVIZ_QUERY_TIMEOUT": "5s"},
		{"DATAVIZ_PIPELINE_SYNTHESIS_ATTEMPTS": "4"},
		{"DATAVIZ_QUERY_ANSWER_ROW_LIMIT": "-5"},
		{"DATAVIZ_PIPELINE_CONTEXT_TURNS": "0"},
		{"DATAVIZ_RETENTION_ENABLED": "not-bool"},
		{"DATAVIZ_RETENTION_ORPHAN_GRACE": "-1h"},
		{"DATAVIZ_LOG_LEVEL": "verbose"},
		{"DATAVIZ_PROFILE": "staging"},
	}
	for _, env := range tests {
		_, err := Load("dataviz-api", mapLookup(env))
		if err == nil {
			t.Fatalf("Load() expected error for env %#v", env)
		}
	}
}

func TestLoadReportsFirstInvalidKey(t *testing.T) {
	_, err := Load("dataviz-api", mapLookup(map[string]string{
		"DATAVIZ_HTTP_READ_TIMEOUT": "soon",
		"DATAVIZ_AI_TIMEOUT":        "later",
	}))
	if err == nil {
		t.Fatal("Load() expected error")
	}
	if !strings.Contains(err.Error(), "DATAVIZ_HTTP_READ_TIMEOUT") {
		t.Fatalf("error = %v, want first invalid key", err)
	}
}

func mapLookup(values map[string]string) LookupFunc {
	return func(key string) (string, bool) {
		value, ok := values[key]
		return value, ok
	}
}
