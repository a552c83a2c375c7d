package tools

import (
	"context"
	"encoding/json"
)

const completeSchema = `{
  "type": "object",
  "properties": {
    "summary": {
      "type": "string",
      "description": "What was accomplished this turn, written for the orchestrator."
    }
  },
  "required": ["summary"],
  "additionalProperties": false
}`

const endConversationSchema = `{
  "type": "object",
  "properties": {
    "summary": {
      "type": "string",
      "description": "Final summary of the conversation outcome."
    },
    "reason": {
      "type": "string",
      "description": "Why no further work is needed."
    }
  },
  "required": ["summary"],
  "additionalProperties": false
}`

// RegisterBuiltins installs the termination tools every agent gets. They do
// no work themselves; the control marker on the result tells the runtime the
// agent explicitly ended its turn.
func RegisterBuiltins(r *Registry) error {
	complete := &Tool{
		Name:        "complete",
		Description: "Signal that this turn's work is done and hand control back to the orchestrator.",
		Schema:      json.RawMessage(completeSchema),
		Handler: func(ctx context.Context, call Call) (*Result, error) {
			var args struct {
				Summary string `json:"summary"`
			}
			if err := DecodeArgs(call, &args); err != nil {
				return nil, err
			}
			return &Result{
				Output:   "turn completed",
				Control:  ControlComplete,
				Metadata: map[string]string{"summary": args.Summary},
			}, nil
		},
	}

	end := &Tool{
		Name:        "end_conversation",
		Description: "Signal that the conversation has reached its natural end and no routing should follow.",
		Schema:      json.RawMessage(endConversationSchema),
		Handler: func(ctx context.Context, call Call) (*Result, error) {
			var args struct {
				Summary string `json:"summary"`
				Reason  string `json:"reason"`
			}
			if err := DecodeArgs(call, &args); err != nil {
				return nil, err
			}
			md := map[string]string{"summary": args.Summary}
			if args.Reason != "" {
				md["reason"] = args.Reason
			}
			return &Result{
				Output:   "conversation ended",
				Control:  ControlEndConversation,
				Metadata: md,
			}, nil
		},
	}

	if err := r.Register(complete); err != nil {
		return err
	}
	return r.Register(end)
}
