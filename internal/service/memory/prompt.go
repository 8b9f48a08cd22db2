package memory

import (
	"os"
	"strings"

	"github.com/sandevgo/tuskmem/internal/core"
)

// Prompter supplies the system instructions that open every context.
type Prompter interface {
	Build() []core.Message
}

// SysPrompt reads SYSTEM.md, IDENTITY.md, USER.md and MEMORY.md from the
// runtime directory on every build, so edits apply without a restart.
type SysPrompt struct {
	cfg core.PromptConfig
}

func NewSysPrompt(cfg core.PromptConfig) *SysPrompt {
	return &SysPrompt{cfg: cfg}
}

func (p *SysPrompt) Build() []core.Message {
	paths := []string{
		p.cfg.GetSystemPath(),
		p.cfg.GetIdentityPath(),
		p.cfg.GetUserProfilePath(),
		p.cfg.GetMemoryPath(),
	}

	messages := make([]core.Message, 0, len(paths))
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		if text := strings.TrimSpace(string(content)); text != "" {
			messages = append(messages, core.Message{Role: core.RoleSystem, Content: text})
		}
	}
	return messages
}

// StaticPrompt is a fixed instruction set.
type StaticPrompt []core.Message

func (p StaticPrompt) Build() []core.Message {
	return append([]core.Message(nil), p...)
}
