package dialog

import (
	"fmt"
	"strings"

	"github.com/harun/chatguard/pkg/moderation"
)

const (
	msgRestart          = "Something went wrong. Please start again with /config."
	msgNoChats          = "I could not find any chats where you are an administrator.\n\nAdd me to a group, make me an administrator and run /settings there first."
	msgInvalidChat      = "Invalid chat number. Please choose a chat from the list."
	msgChatNumber       = "Please send the number of a chat from the list."
	msgInvalidOption    = "Invalid option number. Please choose an option from the menu."
	msgOptionNumber     = "Please send the number of an option from the menu."
	msgToggleChoice     = "Please choose 1 (Enable) or 2 (Disable)."
	msgMuteRange        = "Please send a value from 1 to 10080 minutes (7 days)."
	msgNumeric          = "Please send a number."
	msgAddWordPrompt    = "Send the word to add to the banned list."
	msgEmptyWord        = "The word cannot be empty."
	msgWordsEmpty       = "The banned words list is empty."
	msgInvalidWord      = "Invalid word number. Please choose a word from the list."
	msgWordNumber       = "Please send the number of a word from the list."
	msgCancelled        = "Configuration cancelled."
	msgNothingToCancel  = "Nothing to cancel."
	msgMuteDurationHint = "Send the mute duration in minutes (1 to 10080)."
)

var actionChoices = []moderation.ActionType{
	moderation.ActionDelete,
	moderation.ActionWarn,
	moderation.ActionMute,
	moderation.ActionBan,
}

var actionLabels = map[moderation.ActionType]string{
	moderation.ActionDelete: "Delete the message",
	moderation.ActionWarn:   "Warn the user",
	moderation.ActionMute:   "Mute the user",
	moderation.ActionBan:    "Ban the user",
}

func onOff(v bool) string {
	if v {
		return "enabled"
	}
	return "disabled"
}

func renderChatList(chats []ChatRef) string {
	var b strings.Builder
	b.WriteString("Choose a chat to configure:\n\n")
	for i, c := range chats {
		fmt.Fprintf(&b, "%d. %s\n", i+1, c.Title)
	}
	b.WriteString("\nSend the chat number.")
	return b.String()
}

func renderSettingsMenu(title string, cfg moderation.ChatConfig) string {
	return fmt.Sprintf("Settings for %s:\n\n"+
		"1. Profanity filter: %s\n"+
		"2. Link filter: %s\n"+
		"3. Keyword filter: %s\n"+
		"4. Action on violation: %s\n"+
		"5. Mute duration: %d minutes\n"+
		"6. Manage banned words\n\n"+
		"Send the number of the setting to change, or \"back\" to choose another chat.",
		title,
		onOff(cfg.FilterObscene),
		onOff(cfg.FilterLinks),
		onOff(cfg.FilterKeywords),
		cfg.Action,
		cfg.MuteDuration/60,
	)
}

func renderTogglePrompt(name string) string {
	return name + ":\n\n1. Enable\n2. Disable\n\nChoose an option."
}

func renderActionPrompt() string {
	var b strings.Builder
	b.WriteString("Action on violation:\n\n")
	for i, a := range actionChoices {
		fmt.Fprintf(&b, "%d. %s\n", i+1, actionLabels[a])
	}
	b.WriteString("\nChoose an option.")
	return b.String()
}

func renderBannedWordsMenu(words []moderation.BannedWord) string {
	var b strings.Builder
	b.WriteString("Banned words:\n\n")
	if len(words) == 0 {
		b.WriteString("The list is empty\n")
	}
	for i, w := range words {
		fmt.Fprintf(&b, "%d. %s\n", i+1, w.Word)
	}
	b.WriteString("\nChoose an action:\n1. Add a word\n2. Remove a word\n3. Back to settings")
	return b.String()
}

func renderDeleteList(words []moderation.BannedWord) string {
	var b strings.Builder
	b.WriteString("Send the number of the word to remove:\n\n")
	for i, w := range words {
		fmt.Fprintf(&b, "%d. %s\n", i+1, w.Word)
	}
	return strings.TrimRight(b.String(), "\n")
}
