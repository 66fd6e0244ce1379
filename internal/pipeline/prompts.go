package pipeline

import "github.com/shubhpsd/data-viz/internal/llm"

type interpretVars struct {
	Context  string
	Schema   string
	Question string
}

type synthesizeVars struct {
	Context  string
	Schema   string
	Question string
	Tables   string
	Nouns    string
	Previous *previousAttempt
}

type previousAttempt struct {
	SQL   string
	Issue string
}

type answerVars struct {
	Question string
	Results  string
	Error    string
}

type visualizeVars struct {
	Question string
	SQL      string
	Results  string
}

var interpretPrompt = llm.MustTemplate("interpret", `
You are a data analyst who reads database schemas and user questions.
Given the schema, the question and any earlier conversation, decide whether the question can be answered from this database and name the tables and columns it needs.

Exploratory questions such as "what data is there", "describe the data" or "show me the data" are always relevant: answer them by including every table with its main descriptive columns.
Mark a question irrelevant only when it has nothing to do with data analysis, for example "What's the weather?" or "Tell me a joke".
The question may follow up on an earlier one; use the conversation to resolve references like "those" or "the same period".

Reply with JSON only, in exactly this shape:
{
  "is_relevant": true,
  "relevant_tables": [
    {"table_name": "sales", "columns": ["product_name", "quantity"], "noun_columns": ["product_name"]}
  ]
}

noun_columns lists only columns whose values are names or other proper nouns the question may refer to, such as a product or artist name. Never list identifier or numeric columns there.
`, `
{{.Context}}=== Database schema:
{{.Schema}}

=== User question:
{{.Question}}

Identify the relevant tables and columns:
`)

var synthesizePrompt = llm.MustTemplate("synthesize_sql", `
You write DuckDB SQL that answers a user's question about the database described below.
Use the conversation context when the question refers back to earlier questions or results.
If the information is not enough to write a query, reply with exactly NOT_ENOUGH_INFO.

The result must have two or three columns, shaped as [x, y] or [label, x, y] rows, so it can be charted.
The query itself must exclude rows where any selected column is NULL, an empty string or 'N/A'.
Quote table and column names with double quotes. Use string literals spelled exactly as they appear in the list of known values.

Example. Question: What is the top selling product?
SELECT "product_name", SUM("quantity") AS total_quantity FROM "sales" WHERE "product_name" IS NOT NULL AND "quantity" IS NOT NULL AND CAST("product_name" AS VARCHAR) NOT IN ('', 'N/A') GROUP BY "product_name" ORDER BY total_quantity DESC LIMIT 1

Example. Question: Plot the distribution of income
SELECT "income", COUNT(*) AS count FROM "users" WHERE "income" IS NOT NULL AND CAST("income" AS VARCHAR) NOT IN ('', 'N/A') GROUP BY "income"

For a distribution question, count how often each value occurs: the value is the x axis and the count is the y axis.
Reply with the raw SQL statement only. No markdown, no code fences, no explanation.
`, `
{{.Context}}=== Database schema:
{{.Schema}}

=== User question:
{{.Question}}

=== Relevant tables and columns:
{{.Tables}}

=== Known values in relevant columns:
{{.Nouns}}
{{- with .Previous}}

=== Your previous query failed:
{{.SQL}}
Error: {{.Issue}}
Write a corrected query.
{{- end}}

SQL query:
`)

var answerPrompt = llm.MustTemplate("format_result", `
You turn database query results into a short answer for the user.
State the conclusion the results support for the user's question.
Reply in plain text on a single line. Do not use markdown.
If the query failed, say so plainly and do not invent numbers.
`, `
User question: {{.Question}}

Query results: {{.Results}}
{{- if .Error}}

Query error: {{.Error}}
{{- end}}

Answer:
`)

var visualizePrompt = llm.MustTemplate("choose_visualization", `
You recommend a chart for the results of a database query, or none when a chart would not help.

Chart kinds:
- bar: compares categories, best when there are more than two categories of similar size. "What are the sales for each product?"
- horizontal_bar: compares few categories, or categories with very different magnitudes. "How do the revenues of A and B compare?"
- scatter: relationship or distribution between two continuous variables. "Is ad spend related to sales?", "Plot the distribution of fares"
- line: trend of a continuous or time-based x axis. "How did visits change over the year?"
- pie: parts of a whole. "What share of revenue comes from each product?"
- none: a single value or data that does not chart well.

A single result row usually needs no chart.

Reply in exactly two lines:
Recommended Visualization: <one of bar, horizontal_bar, line, pie, scatter, none>
Reason: <one sentence>
`, `
User question: {{.Question}}
SQL query: {{.SQL}}
Query results: {{.Results}}

Recommend a visualization:
`)
