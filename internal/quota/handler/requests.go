package handler

// ExplainRequest is the POST /explain body. Context is optional prior
// conversation to ground the answer in.
type ExplainRequest struct {
	Topic   string `json:"topic"`
	Context string `json:"context,omitempty"`
}
