package tools

// Result is the unified return type from tool execution.
type Result struct {
	Success bool           `json:"success"`
	Output  string         `json:"output"`
	Error   string         `json:"error,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

func NewResult(output string) *Result {
	return &Result{Success: true, Output: output}
}

func ErrorResult(message string) *Result {
	return &Result{Success: false, Error: message}
}

func (r *Result) WithData(key string, value any) *Result {
	if r.Data == nil {
		r.Data = make(map[string]any)
	}
	r.Data[key] = value
	return r
}

// ForLLM returns the text fed back to the model for this result.
func (r *Result) ForLLM() string {
	if r.Success {
		return r.Output
	}
	return "Error: " + r.Error
}
