package models

// ScrapeResult is the persisted record for one prompt. Exactly one is
// produced per prompt in the batch window.
type ScrapeResult struct {
	// PromptID is the identifier of the source prompt record.
	PromptID string `json:"prompt_id"`

	// Prompt is the sanitized text that was (or would have been) sent.
	Prompt string `json:"prompt"`

	// Response is the reply text on success, or "Error: <message>".
	Response string `json:"response"`

	// ErrorKind is empty on success.
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	// Screenshot is the path of the capture taken for this prompt, if any.
	Screenshot *string `json:"screenshot"`

	// CaptchaType names the anti-bot challenge seen during the session
	// attempt that produced this record, or null.
	CaptchaType *string `json:"captcha_type"`

	BatchID    int `json:"batch_id"`
	QueryIndex int `json:"query_index"`

	// DuplicateOfPrevious is set when the reply matches the previous
	// successful reply, which usually means the new message never rendered.
	DuplicateOfPrevious bool `json:"duplicate_of_previous,omitempty"`
}

// Succeeded reports whether the record holds a reply rather than an error.
func (r ScrapeResult) Succeeded() bool {
	return r.ErrorKind == ""
}

// StringPtr returns nil for an empty string, otherwise a pointer to s.
func StringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
