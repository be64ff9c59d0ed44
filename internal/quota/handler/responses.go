package handler

import (
	"explaind/internal/explain"
	"explaind/internal/quota/models"
)

// ChunkEvent carries one streamed text increment.
type ChunkEvent struct {
	Text string `json:"text"`
}

// ErrorEvent reports a failure after the stream already started.
type ErrorEvent struct {
	Error       string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// Summary is the terminal event of an explanation stream.
type Summary struct {
	Completed    bool                  `json:"completed"`
	Truncated    bool                  `json:"truncated"`
	InputTokens  int                   `json:"input_tokens"`
	OutputTokens int                   `json:"output_tokens"`
	Warning      string                `json:"warning,omitempty"`
	Error        string                `json:"error,omitempty"`
	Quota        *models.QuotaSnapshot `json:"quota,omitempty"`
}

// HistoryResponse wraps the request-log entries for GET /history.
type HistoryResponse struct {
	Entries []*models.RequestLogEntry `json:"entries"`
}

// SummaryFrom builds the terminal event from the settled response.
func SummaryFrom(resp *explain.Response) Summary {
	return Summary{
		Completed:    resp.Result.Completed,
		Truncated:    resp.Result.Truncated,
		InputTokens:  resp.Result.InputTokens,
		OutputTokens: resp.Result.OutputTokens,
		Warning:      resp.Warning,
		Error:        resp.Result.ErrMsg,
		Quota:        resp.Quota,
	}
}
