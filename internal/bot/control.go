package bot

import (
	"fmt"
	"time"

	"voxmail/internal/ipc"
)

// Control answers voxmail-ctl commands.
func (b *Bot) Control(msg ipc.ControlMessage) ipc.ControlReply {
	switch msg.Cmd {
	case "status":
		return ipc.ControlReply{OK: true, Data: map[string]any{
			"active":         b.active.Load(),
			"pending":        b.pending.Len(),
			"max_concurrent": b.cfg.MaxConcurrent,
			"uptime":         time.Since(b.started).Round(time.Second).String(),
		}}
	case "flush":
		n := b.pending.Flush()
		b.metrics.SetPending(b.pending.Len())
		b.logger.Info("Flushed pending drafts", "count", n)
		return ipc.ControlReply{OK: true, Data: map[string]any{"flushed": n}}
	default:
		b.logger.Warn("Unknown command", "cmd", msg.Cmd)
		return ipc.ControlReply{Error: fmt.Sprintf("unknown command %q", msg.Cmd)}
	}
}
