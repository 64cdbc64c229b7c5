package chat

import (
	"errors"
	"fmt"
	"strings"
)

// Context dataset tags recognized by the persona builders.
const (
	DatasetConvAI2             = "convai2"
	DatasetEmpatheticDialogues = "empathetic_dialogues"
	DatasetWizardOfWikipedia   = "wizard_of_wikipedia"
)

// ErrUnknownContextDataset is returned for an unrecognized context-dataset
// tag. Configuration errors are fatal to the conversation.
var ErrUnknownContextDataset = errors.New("context dataset unrecognized")

// ContextInfo is the optional conversation-start bundle. It is immutable
// once a conversation is created; a nil ContextInfo means a cold start with
// no prior persona.
type ContextInfo struct {
	Persona1Strings      []string `json:"persona_1_strings"`
	Persona2Strings      []string `json:"persona_2_strings"`
	ContextDataset       string   `json:"context_dataset"`
	Person1SeedUtterance string   `json:"person1_seed_utterance"`
	Person2SeedUtterance string   `json:"person2_seed_utterance"`
	AdditionalContext    string   `json:"additional_context"`
}

// botContext renders the persona block the bot observes before the
// conversation starts. Only the wizard_of_wikipedia dataset carries an
// extra topic line; other datasets add nothing beyond the persona strings.
func botContext(personaStrings []string, contextDataset, additionalContext string) string {
	pieces := make([]string, 0, len(personaStrings)+1)
	for _, s := range personaStrings {
		pieces = append(pieces, "your persona: "+strings.TrimSpace(s))
	}
	if contextDataset == DatasetWizardOfWikipedia && additionalContext != "" {
		pieces = append(pieces, additionalContext)
	}
	return strings.Join(pieces, "\n")
}

// HumanIntro renders the instruction text shown to the worker when they are
// matched, including their character description and the dataset-specific
// framing sentence. An unrecognized dataset tag is a configuration error.
func HumanIntro(personaStrings []string, contextDataset, additionalContext string, numTurns int) (string, error) {
	var lastSentence string
	switch contextDataset {
	case DatasetConvAI2:
		lastSentence = "Pretend that the conversation has already begun."
	case DatasetEmpatheticDialogues:
		lastSentence = fmt.Sprintf(
			"Pretend that the conversation has already begun, and that you had been talking about the following situation: <b>%q</b>",
			additionalContext,
		)
	case DatasetWizardOfWikipedia:
		lastSentence = fmt.Sprintf(
			"Pretend that the conversation has already begun, and that you had been talking about <b>%s</b>.",
			additionalContext,
		)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownContextDataset, contextDataset)
	}

	joined := strings.Join(personaStrings, "\n")
	return fmt.Sprintf(
		"\nSuccessfully matched with another user! Now let's get to know each other "+
			"through the chat. You need to finish at least <b>%d chat turns</b>, and "+
			"after that you can click the \"Done\" button to end the chat.\n\n"+
			"<b>Your character description is:\n<span style=\"color:blue\">%s</span></b>\n\n"+
			"<b>Remember that you can get to know each other as your characters, talk "+
			"about any topic, or talk about a situation that might have happened to "+
			"your character.</b>\n<b>Do not trivially copy the character descriptions "+
			"into the message.</b><br><br>%s",
		numTurns, joined, lastSentence,
	), nil
}

// validDataset reports whether tag names a recognized context dataset.
func validDataset(tag string) bool {
	switch tag {
	case DatasetConvAI2, DatasetEmpatheticDialogues, DatasetWizardOfWikipedia:
		return true
	}
	return false
}
