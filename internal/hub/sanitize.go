package hub

import (
	"fmt"
	"strings"

	"github.com/you/stream-nexus/internal/core"
)

// escapeHTML replaces the five HTML metacharacters, in this fixed order,
// exactly once. Ampersand must go first so it never re-escapes the entities
// the later replacements introduce.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	s = strings.ReplaceAll(s, "'", "&#039;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// sanitize escapes the untrusted username and message text and composites
// the emoji substitution layer into the message. The input message must be
// pre-escaping raw text; Message on return contains escaped text plus emoji
// <img> markup.
func sanitize(msg *core.ChatMessage) {
	msg.Username = escapeHTML(msg.Username)
	msg.Message = escapeHTML(msg.Message)
	msg.Message = substituteEmojis(msg.Message, msg.Emojis)
}

// substituteEmojis applies the emoji triples in arrival order using a
// two-phase token scheme. Phase one replaces each find-pattern with an
// opaque token; phase two replaces tokens with the final <img> markup. The
// indirection is required because an emoji's URL or name may itself contain
// another emoji's find-pattern, or text indistinguishable from escaped HTML;
// substituting markup directly could then replace inside already-produced
// output. Tokens use a sentinel proven absent from every input string, so
// correctness does not rest on randomness.
func substituteEmojis(text string, emojis []core.Emoji) string {
	if len(emojis) == 0 {
		return text
	}

	// Tokens are built solely from two sentinel runes proven absent from the
	// text and every emoji field, so no find-pattern can ever match inside
	// (or across) a token: sep mark{i+1} sep.
	sep, mark := pickSentinels(text, emojis)
	token := func(i int) string {
		return string(sep) + strings.Repeat(string(mark), i+1) + string(sep)
	}

	markup := make([]string, len(emojis))
	for i, emoji := range emojis {
		if emoji.Find == "" {
			continue
		}
		url := escapeHTML(emoji.URL)
		markup[i] = fmt.Sprintf(`<img class="emoji" src="%s" data-emoji="%s" alt="%s" />`,
			url, emoji.Name, emoji.Name)
		text = strings.ReplaceAll(text, emoji.Find, token(i))
	}

	for i := range emojis {
		if emojis[i].Find == "" {
			continue
		}
		text = strings.ReplaceAll(text, token(i), markup[i])
	}
	return text
}

// pickSentinels returns two distinct runes that appear in neither the text
// nor any emoji field, scanning up from the control-character range.
func pickSentinels(text string, emojis []core.Emoji) (rune, rune) {
	var found []rune
	for r := rune(1); len(found) < 2; r++ {
		if !runeAnywhere(r, text, emojis) {
			found = append(found, r)
		}
	}
	return found[0], found[1]
}

func runeAnywhere(r rune, text string, emojis []core.Emoji) bool {
	if strings.ContainsRune(text, r) {
		return true
	}
	for _, emoji := range emojis {
		if strings.ContainsRune(emoji.Find, r) ||
			strings.ContainsRune(emoji.URL, r) ||
			strings.ContainsRune(emoji.Name, r) {
			return true
		}
	}
	return false
}
