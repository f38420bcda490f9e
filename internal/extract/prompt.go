package extract

import (
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kalambet/docketd/internal/storage"
)

const systemPrompt = `You are a legal document extraction engine. You read court filings from consumer debt cases and report facts about the creditor. Your output must be ONLY a single valid JSON object. Do not include any other text, prose, or markdown.

Rules:
- Copy names, addresses and amounts exactly as written in the document.
- Use null for anything the document does not state. Never guess.
- judgment_awarded_to_creditor is "Y" when the court entered judgment for the creditor, "N" when it did not, null when the document does not say.
- judgment_amount is the total awarded, including the currency symbol.`

const strictSuffix = `

Your previous answer was rejected: %s
Respond again with ONLY the JSON object. Every key listed below must be present; use null when the value is not in the document.`

// maxTextRunes caps the document text sent to the model.
const maxTextRunes = 60000

// content is what the model sees of a document: extracted text, or the raw
// bytes as a data URL when there is no text layer.
type content struct {
	text    string
	dataURL string
}

func buildMessages(doc Document, opts Options, c content, problem string) []openai.ChatCompletionMessage {
	var sb strings.Builder
	sb.WriteString(systemPrompt)
	if problem != "" {
		fmt.Fprintf(&sb, strictSuffix, problem)
	}
	sb.WriteString("\n\n")
	sb.WriteString(fieldInstructions(doc.Kind, opts))

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: sb.String()},
	}

	header := fmt.Sprintf("Document title: %s\nDeclared creditor: %s", doc.Title, opts.CreditorName)
	if c.dataURL == "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: header + "\n\n" + c.text,
		})
		return messages
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser,
		MultiContent: []openai.ChatMessagePart{
			{Type: openai.ChatMessagePartTypeText, Text: header},
			{Type: openai.ChatMessagePartTypeImageURL, ImageURL: &openai.ChatMessageImageURL{
				URL:    c.dataURL,
				Detail: openai.ImageURLDetailHigh,
			}},
		},
	})
	return messages
}

// fieldInstructions lists the keys to return for a document of kind.
// Party addresses are asked for only when opts wants them.
func fieldInstructions(kind storage.DocumentKind, opts Options) string {
	var sb strings.Builder
	sb.WriteString("Return these keys:\n")
	sb.WriteString("- creditor_name: the original creditor or plaintiff named in the document\n")
	sb.WriteString("- creditor_address: the creditor's mailing address\n")
	if opts.IsBusiness {
		sb.WriteString("- creditor_registration_state: the state where the creditor business is incorporated or registered\n")
	}
	if kind == storage.KindFinalJudgment {
		sb.WriteString("- judgment_amount: the total amount of the judgment\n")
		sb.WriteString("- judgment_awarded_to_creditor: \"Y\" or \"N\"\n")
		sb.WriteString("- judgment_awarded_context: the sentence that shows who the judgment was awarded to\n")
	}
	if len(opts.AssociatedParties) > 0 {
		sb.WriteString("- associated_parties: an array of {\"name\", \"address\"} for these parties: ")
		sb.WriteString(strings.Join(opts.AssociatedParties, "; "))
		if !opts.WantPartyAddresses {
			sb.WriteString(" (set address to null)")
		}
		sb.WriteString("\n")
	}
	fmt.Fprintf(&sb, "Required keys: %s", strings.Join(requiredFields(kind), ", "))
	return sb.String()
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
