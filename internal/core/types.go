package core

const (
	TuskName          = "TuskMem"
	TuskUserAgent     = "TuskMem/0.1"
	TuskRepositoryURL = "https://github.com/sandevgo/tuskmem"
	TuskVersion       = "0.1.0"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
