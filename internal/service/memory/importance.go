package memory

import (
	"strings"
	"unicode"

	"github.com/sandevgo/tuskmem/internal/core"
)

const (
	recencyWeight  = 0.25
	questionBonus  = 0.1
	imperativeBump = 0.15
	entityBonus    = 0.1
	digitBonus     = 0.05
)

var roleWeights = map[string]float64{
	core.RoleUser:      0.35,
	core.RoleTool:      0.25,
	core.RoleAssistant: 0.2,
	core.RoleSystem:    0.1,
}

var imperativeVerbs = map[string]struct{}{
	"add": {}, "build": {}, "call": {}, "change": {}, "check": {}, "create": {},
	"delete": {}, "deploy": {}, "do": {}, "email": {}, "find": {}, "fix": {},
	"install": {}, "make": {}, "move": {}, "open": {}, "remember": {}, "remind": {},
	"remove": {}, "run": {}, "schedule": {}, "send": {}, "set": {}, "update": {},
	"use": {}, "write": {}, "book": {}, "cancel": {}, "buy": {}, "please": {},
}

var acknowledgements = map[string]struct{}{
	"ok": {}, "okay": {}, "sure": {}, "thanks": {}, "thank you": {}, "got it": {},
	"great": {}, "no problem": {}, "you're welcome": {}, "noted": {}, "cool": {},
}

// Importance scores a segment in [0,1]. position and total place the segment
// within its batch so that later segments weigh more.
func Importance(turns []core.Turn, position, total int) float64 {
	if len(turns) == 0 {
		return 0
	}

	score := 0.0
	if total > 0 {
		score += recencyWeight * float64(position+1) / float64(total)
	}

	role := 0.0
	for _, t := range turns {
		w := roleWeights[t.Role]
		if t.Role == core.RoleAssistant && isAcknowledgement(t.Content) {
			w = 0.05
		}
		role = max(role, w)
	}
	score += role

	var question, imperative, entity, digit bool
	for _, t := range turns {
		if t.Role == core.RoleSystem {
			continue
		}
		question = question || strings.Contains(t.Content, "?")
		imperative = imperative || hasImperative(t.Content)
		entity = entity || hasNamedEntity(t.Content)
		digit = digit || strings.IndexFunc(t.Content, unicode.IsDigit) >= 0
	}
	if question {
		score += questionBonus
	}
	if imperative {
		score += imperativeBump
	}
	if entity {
		score += entityBonus
	}
	if digit {
		score += digitBonus
	}

	return min(max(score, 0), 1)
}

// Classify picks the chunk type that best describes a segment.
func Classify(turns []core.Turn) core.ChunkType {
	if len(turns) == 0 {
		return core.ChunkDialogue
	}

	asked := -1
	for i, t := range turns {
		if t.Role == core.RoleTool {
			return core.ChunkAction
		}
		if t.Role == core.RoleUser && hasImperative(t.Content) {
			return core.ChunkAction
		}
		if t.Role == core.RoleUser && strings.Contains(t.Content, "?") {
			asked = i
		}
	}

	if asked >= 0 {
		for _, t := range turns[asked+1:] {
			if t.Role == core.RoleAssistant {
				return core.ChunkAnswer
			}
		}
		return core.ChunkQuestion
	}

	for _, t := range turns {
		if t.Role == core.RoleUser && isStatement(t.Content) {
			return core.ChunkFact
		}
	}
	return core.ChunkDialogue
}

func isAcknowledgement(s string) bool {
	s = strings.Trim(strings.ToLower(strings.TrimSpace(s)), ".!")
	_, ok := acknowledgements[s]
	return ok
}

// hasImperative looks for a sentence opening with a command verb.
func hasImperative(s string) bool {
	for _, sentence := range splitClauses(s) {
		words := strings.Fields(strings.ToLower(sentence))
		if len(words) == 0 {
			continue
		}
		first := strings.Trim(words[0], ",.:;!")
		if _, ok := imperativeVerbs[first]; ok {
			return true
		}
	}
	return false
}

// hasNamedEntity looks for a capitalised word that does not open a sentence.
func hasNamedEntity(s string) bool {
	for _, sentence := range splitClauses(s) {
		words := strings.Fields(sentence)
		for i, w := range words {
			if i == 0 || w == "I" {
				continue
			}
			r := []rune(strings.Trim(w, "\"'(),.:;!?"))
			if len(r) > 1 && unicode.IsUpper(r[0]) {
				return true
			}
		}
	}
	return false
}

func isStatement(s string) bool {
	lower := " " + strings.ToLower(s) + " "
	for _, cue := range []string{" my ", " i am ", " i'm ", " is ", " are ", " was ", " i have ", " i live ", " i work "} {
		if strings.Contains(lower, cue) {
			return true
		}
	}
	return false
}

func splitClauses(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return r == '.' || r == '!' || r == '?' || r == '\n' || r == ';'
	})
}
