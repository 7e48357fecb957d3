package answer

import (
	"context"
	"fmt"

	"github.com/kelpejol/agentpay/internal/settlement"
)

// Echo answers locally without a knowledge service. It backs development
// mode when no ANSWER_URL is configured.
func Echo() settlement.Answerer {
	return settlement.AnswererFunc(func(_ context.Context, req settlement.AnswerRequest) (string, error) {
		return fmt.Sprintf("[agent %d] received %q (proof %s)", req.AgentID, req.Question, req.PaymentProof), nil
	})
}
