package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/yanmxa/gembridge/internal/protocol"
)

// Invoke dispatches one named operation with raw JSON params. The bridge
// routes {op, id, params} frames here; local callers use the typed methods
// directly.
func (c *Coordinator) Invoke(ctx context.Context, op string, params json.RawMessage) (any, error) {
	switch op {
	case protocol.OpCheckCLIInstalled:
		return c.CheckCLIInstalled(), nil

	case protocol.OpStartSession:
		var p protocol.StartSessionParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%s params: %w", op, err)
		}
		return nil, c.StartSession(ctx, p)

	case protocol.OpSendMessage:
		var p protocol.SendMessageParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%s params: %w", op, err)
		}
		return nil, c.SendMessage(ctx, p)

	case protocol.OpProcessStatuses:
		return c.ProcessStatuses(), nil

	case protocol.OpKillProcess:
		var p protocol.KillProcessParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%s params: %w", op, err)
		}
		return nil, c.KillProcess(p.ConversationID)

	case protocol.OpConfirmToolCall:
		var p protocol.ConfirmationResponseParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%s params: %w", op, err)
		}
		return nil, c.ConfirmToolCall(p)

	case protocol.OpGenerateTitle:
		var p protocol.GenerateTitleParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, fmt.Errorf("%s params: %w", op, err)
		}
		return c.GenerateTitle(ctx, p), nil

	default:
		return nil, fmt.Errorf("unknown operation %q", op)
	}
}
