package agent

import "github.com/agentmux/agentmux/protocol"

// Control is the outgoing half of a session's protocol connection. It
// frames user turns and control requests and writes them to the
// supervisor's stdin.
type Control struct {
	sup ProcessSupervisor
}

// NewControl creates a Control bound to the given supervisor.
func NewControl(sup ProcessSupervisor) *Control {
	return &Control{sup: sup}
}

// SendText writes a plain text user turn.
func (c *Control) SendText(text string) error {
	return c.sup.Send(protocol.NewTextMessage(text))
}

// SendContent writes a user turn with structured content blocks, used
// for multimodal input such as text plus images.
func (c *Control) SendContent(blocks []protocol.ContentBlock) error {
	return c.sup.Send(protocol.NewContentMessage(blocks))
}

// Compact asks the CLI to compact its conversation context, optionally
// with custom instructions about what to preserve.
func (c *Control) Compact(instructions string) error {
	return c.sup.Send(protocol.NewCompactRequest(instructions))
}

// Interrupt writes an in-band cancel request. The CLI does not honor
// these reliably mid-generation; Supervisor.RequestCancel is the
// dependable path. Kept for CLI versions that do handle it.
func (c *Control) Interrupt() error {
	return c.sup.Send(protocol.NewControlRequest(protocol.ControlCancel))
}
