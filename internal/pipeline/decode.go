package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
)

const FallbackVisualizationReason = "Bar chart is suitable for comparing data across categories."

// DecodeInterpretation parses the interpreter's JSON reply. Markdown fences and
// prose around the object are tolerated; a missing is_relevant or a table
// entry without a name is not.
func DecodeInterpretation(text string) (Interpretation, error) {
	body := stripFence(strings.TrimSpace(text), "json")
	start := strings.Index(body, "{")
	end := strings.LastIndex(body, "}")
	if start < 0 || end < start {
		return Interpretation{}, fmt.Errorf("%w: no JSON object in interpreter reply", ErrMalformedOutput)
	}

	var raw struct {
		IsRelevant     *bool `json:"is_relevant"`
		RelevantTables []struct {
			TableName   string   `json:"table_name"`
			Columns     []string `json:"columns"`
			NounColumns []string `json:"noun_columns"`
		} `json:"relevant_tables"`
	}
	if err := json.Unmarshal([]byte(body[start:end+1]), &raw); err != nil {
		return Interpretation{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if raw.IsRelevant == nil {
		return Interpretation{}, fmt.Errorf("%w: is_relevant is missing", ErrMalformedOutput)
	}

	out := Interpretation{IsRelevant: *raw.IsRelevant, RelevantTables: []RelevantTable{}}
	for i, table := range raw.RelevantTables {
		name := strings.TrimSpace(table.TableName)
		if name == "" {
			return Interpretation{}, fmt.Errorf("%w: relevant_tables[%d] has no table_name", ErrMalformedOutput, i)
		}
		out.RelevantTables = append(out.RelevantTables, RelevantTable{
			TableName:   name,
			Columns:     dedupe(table.Columns),
			NounColumns: dedupe(table.NounColumns),
		})
	}
	return out, nil
}

// CleanSQL strips a leading ```sql or ``` fence and a trailing ``` fence.
// Already clean text comes back unchanged apart from surrounding whitespace.
func CleanSQL(text string) string {
	cleaned := strings.TrimSpace(text)
	if len(cleaned) >= 6 && strings.EqualFold(cleaned[:6], "```sql") {
		cleaned = cleaned[6:]
	}
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	return strings.TrimSpace(cleaned)
}

// DecodeSQL maps the synthesizer reply to a statement or the NOT_RELEVANT
// sentinel.
func DecodeSQL(text string) string {
	cleaned := CleanSQL(text)
	switch cleaned {
	case SentinelNotEnoughInfo, SentinelNotRelevant:
		return SentinelNotRelevant
	}
	return cleaned
}

// DecodeVisualization reads the two-line advisor reply. ok is false when no
// chart kind could be recognized; the bar fallback is returned in that case.
// A recognized kind without a reason line keeps the fallback reason.
func DecodeVisualization(text string) (kind Visualization, reason string, ok bool) {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.ReplaceAll(line, "**", ""))
		line = strings.TrimLeft(line, "-*# ")
		lower := strings.ToLower(line)
		switch {
		case strings.HasPrefix(lower, "recommended visualization:"):
			if parsed, found := parseVisualizationKind(afterColon(lower)); found && !ok {
				kind, ok = parsed, true
			}
		case strings.HasPrefix(lower, "reason:"):
			if reason == "" {
				reason = afterColon(line)
			}
		}
	}
	if !ok {
		return VisualizationBar, FallbackVisualizationReason, false
	}
	if reason == "" {
		reason = FallbackVisualizationReason
	}
	return kind, reason, true
}

// parseVisualizationKind checks "horizontal" before "bar".
func parseVisualizationKind(value string) (Visualization, bool) {
	switch {
	case strings.Contains(value, "horizontal") && strings.Contains(value, "bar"):
		return VisualizationHorizontalBar, true
	case strings.Contains(value, "bar"):
		return VisualizationBar, true
	case strings.Contains(value, "line"):
		return VisualizationLine, true
	case strings.Contains(value, "pie"):
		return VisualizationPie, true
	case strings.Contains(value, "scatter"):
		return VisualizationScatter, true
	case strings.Contains(value, "none"):
		return VisualizationNone, true
	}
	return "", false
}

// DecodeAnswer folds the formatter reply onto one line.
func DecodeAnswer(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

func afterColon(line string) string {
	_, rest, _ := strings.Cut(line, ":")
	return strings.TrimSpace(rest)
}

func stripFence(text, lang string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	text = strings.TrimPrefix(text, "```")
	if len(text) >= len(lang) && strings.EqualFold(text[:len(lang)], lang) {
		text = text[len(lang):]
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(text), "```"))
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}
