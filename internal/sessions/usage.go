package sessions

// Usage is the token accounting for a single turn. Any field may be nil when
// the upstream response did not report that counter; a nil *Usage means "no
// usage information at all", which is distinct from an all-zero Usage.
type Usage struct {
	InputTokens  *int `json:"input_tokens,omitempty"`
	OutputTokens *int `json:"output_tokens,omitempty"`
	TotalTokens  *int `json:"total_tokens,omitempty"`
}

// NewUsage builds a fully-populated Usage from explicit counts.
func NewUsage(input, output, total int) *Usage {
	return &Usage{
		InputTokens:  &input,
		OutputTokens: &output,
		TotalTokens:  &total,
	}
}

// Totals is the running token sum across all turns of a conversation.
type Totals struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Stats is the running aggregate for one conversation.
type Stats struct {
	Turns int    `json:"turns"`
	Total Totals `json:"total"`
	Last  *Usage `json:"last"`
}

// Apply merges one turn's usage into the aggregate: present counters are added
// to the totals, Last is set to the usage as reported (nil when the turn
// produced no usage), and the turn counter advances.
func (s *Stats) Apply(u *Usage) {
	if u != nil {
		if u.InputTokens != nil {
			s.Total.InputTokens += *u.InputTokens
		}
		if u.OutputTokens != nil {
			s.Total.OutputTokens += *u.OutputTokens
		}
		if u.TotalTokens != nil {
			s.Total.TotalTokens += *u.TotalTokens
		}
	}
	s.Last = u
	s.Turns++
}
