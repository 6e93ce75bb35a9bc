package orchestrator

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"

	"github.com/secflow/engine/internal/domain"
)

// SlackNotifier posts an approval-gate message carrying the approve/reject
// token URLs to a fixed channel, an optional out-of-band ping an operator
// may wire in when a human-in-the-loop node suspends (spec §4.F, §9
// "approval gates ... suspend"). A nil *SlackNotifier is never constructed
// by callers who don't configure a bot token; Engine.Notifier itself stays
// nil in that case, which is a valid no-op per the Engine field's doc.
type SlackNotifier struct {
	client    *slack.Client
	channelID string
	baseURL   string // e.g. https://secflow.example.com/approvals
}

// NewSlackNotifier builds a notifier posting to channelID with botToken.
func NewSlackNotifier(botToken, channelID, baseURL string) *SlackNotifier {
	return &SlackNotifier{
		client:    slack.New(botToken),
		channelID: channelID,
		baseURL:   baseURL,
	}
}

var _ ApprovalNotifier = (*SlackNotifier)(nil)

// NotifyApproval posts a message with links embedding req's single-use
// tokens. Secrets never appear in the message body; only ApprovalRequest
// metadata and the token URLs do.
func (n *SlackNotifier) NotifyApproval(ctx context.Context, req *domain.ApprovalRequest) error {
	title := req.Title
	if title == "" {
		title = fmt.Sprintf("Approval required: run %s, node %s", req.RunID, req.NodeRef)
	}
	text := fmt.Sprintf("*%s*\n%s\n<%s/approve/%s|Approve> | <%s/reject/%s|Reject>",
		title, req.Description, n.baseURL, req.ApproveToken, n.baseURL, req.RejectToken)

	_, _, err := n.client.PostMessageContext(ctx, n.channelID, slack.MsgOptionText(text, false))
	if err != nil {
		return fmt.Errorf("post approval notification to slack: %w", err)
	}
	return nil
}
