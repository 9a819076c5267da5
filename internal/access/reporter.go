package access

import (
	"github.com/rs/zerolog"

	"github.com/davidahmann/docflow/pkg/types"
)

// Reporter receives every access decision.
type Reporter interface {
	Report(user types.User, doc types.Document, action Action, ctx *Context, d Decision)
}

type NopReporter struct{}

func (NopReporter) Report(types.User, types.Document, Action, *Context, Decision) {}

// LogReporter writes decisions to the audit log stream.
type LogReporter struct {
	Log zerolog.Logger
}

func (r LogReporter) Report(user types.User, doc types.Document, action Action, ctx *Context, d Decision) {
	event := r.Log.Info()
	if !d.Allowed {
		event = r.Log.Warn()
	}
	event.
		Str("event", "access_decision").
		Str("user_id", user.ID).
		Str("document_id", doc.ID).
		Str("action", string(action)).
		Bool("allowed", d.Allowed).
		Str("rule", d.Rule).
		Str("reason", d.Reason).
		Str("ip_address", ctx.IPAddress).
		Msg("access evaluated")
}
