package note

// Summary is the serialisable view of a Note returned by the CLI, MCP and HTTP surfaces.
type Summary struct {
	ID        string     `json:"id"`
	Author    string     `json:"author"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Content   string     `json:"content"`
	Tags      [][]string `json:"tags,omitempty"`

	// ReplyTo is the event id this note replies to, if any
	ReplyTo string `json:"reply_to,omitempty"`

	TrustScore float64 `json:"trust_score"`

	// Distance is nil when the author is unreachable in the trust graph
	Distance *int `json:"distance,omitempty"`

	Trusted       bool    `json:"trusted"`
	PathCount     int     `json:"path_count"`
	Scored        bool    `json:"scored"`
	CombinedScore float64 `json:"combined_score"`
}

// ToSummary converts a Note for output.
func (n *Note) ToSummary() Summary {
	s := Summary{
		ID:            n.Event.ID,
		Author:        n.Event.PubKey,
		CreatedAt:     int64(n.Event.CreatedAt),
		Kind:          n.Event.Kind,
		Content:       n.Event.Content,
		ReplyTo:       n.ReplyTarget,
		TrustScore:    n.TrustScore,
		Trusted:       n.Trusted,
		PathCount:     n.PathCount,
		Scored:        n.Scored,
		CombinedScore: n.CombinedScore,
	}
	if len(n.Event.Tags) > 0 {
		s.Tags = make([][]string, len(n.Event.Tags))
		for i, tag := range n.Event.Tags {
			s.Tags[i] = []string(tag)
		}
	}
	if n.Distance >= 0 && n.Distance < Unreachable {
		d := n.Distance
		s.Distance = &d
	}
	return s
}

// Summaries converts a slice of notes, never returning nil.
func Summaries(notes []*Note) []Summary {
	out := make([]Summary, 0, len(notes))
	for _, n := range notes {
		out = append(out, n.ToSummary())
	}
	return out
}
