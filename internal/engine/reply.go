package engine

import (
	"time"

	"github.com/sievemail/scan_engine/internal/scan"
)

// SymbolReply is one symbol entry of the scan reply.
type SymbolReply struct {
	Score       float64  `json:"score"`
	Options     []string `json:"options,omitempty"`
	Description string   `json:"description,omitempty"`
	Group       string   `json:"group,omitempty"`
}

// Reply is the serialized scan result returned to the submitter.
type Reply struct {
	MessageID     string                 `json:"message_id"`
	Score         float64                `json:"score"`
	RequiredScore float64                `json:"required_score"`
	Action        string                 `json:"action"`
	Symbols       map[string]SymbolReply `json:"symbols"`
	Groups        map[string]float64     `json:"groups,omitempty"`
	Messages      map[string]string      `json:"messages,omitempty"`
	ScanTimeMS    int64                  `json:"scan_time_ms"`
}

// BuildReply serializes the task's accumulator into the wire reply. A task
// that ran out of deadline without a passthrough is soft-rejected.
func BuildReply(task *scan.Task) *Reply {
	res := task.Result
	action, message := res.Action()

	if _, hasPT := res.Passthrough(); !hasPT && task.Expired() {
		action = scan.ActionSoftReject
		message = "timeout"
	}

	reply := &Reply{
		MessageID: task.ID.String(),
		Score:     res.Score(),
		Action:    action,
		Symbols:   make(map[string]SymbolReply, len(res.Records())),
	}
	if rt, ok := res.Profile().RejectThreshold(); ok {
		reply.RequiredScore = rt
	}

	for _, rec := range res.Records() {
		reply.Symbols[rec.Name] = SymbolReply{
			Score:       rec.Score,
			Options:     rec.Options,
			Description: rec.Description,
			Group:       rec.Group,
		}
	}

	groups := res.Groups()
	if len(groups) > 0 {
		reply.Groups = make(map[string]float64, len(groups))
		for _, g := range groups {
			if g.Group == "" {
				continue
			}
			reply.Groups[g.Group] = g.Score
		}
	}

	if message != "" {
		reply.Messages = map[string]string{"smtp_message": message}
	}

	reply.ScanTimeMS = time.Since(task.Started).Milliseconds()
	return reply
}
