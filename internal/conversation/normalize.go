package conversation

import (
	"strings"

	"github.com/BTreeMap/PawPipe/internal/genai"
	"github.com/BTreeMap/PawPipe/internal/models"
)

const emptyInboundPlaceholder = "(empty message)"

// NormalizeHistory turns stored messages (oldest first) plus the new inbound
// text into a dialogue the model accepts: it starts with a user turn and user
// and assistant turns strictly alternate. System audit messages are dropped,
// consecutive same-role turns are merged with a newline, and the inbound text
// becomes the trailing user turn.
func NormalizeHistory(stored []models.Message, inbound string) []genai.Turn {
	turns := make([]genai.Turn, 0, len(stored)+1)
	appendText := func(role genai.Role, text string) {
		text = strings.TrimSpace(text)
		if text == "" {
			return
		}
		if n := len(turns); n > 0 && turns[n-1].Role == role && turns[n-1].IsPlainText() {
			turns[n-1] = genai.Turn{Role: role, Blocks: []genai.Block{genai.TextBlock(turns[n-1].Text() + "\n" + text)}}
			return
		}
		if len(turns) == 0 && role != genai.RoleUser {
			return
		}
		turns = append(turns, genai.Turn{Role: role, Blocks: []genai.Block{genai.TextBlock(text)}})
	}

	for _, m := range stored {
		switch m.Role {
		case models.MessageRoleCustomer:
			appendText(genai.RoleUser, m.Content)
		case models.MessageRoleAssistant:
			appendText(genai.RoleAssistant, m.Content)
		}
	}
	if strings.TrimSpace(inbound) == "" {
		inbound = emptyInboundPlaceholder
	}
	appendText(genai.RoleUser, inbound)
	return turns
}
