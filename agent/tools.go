package agent

// Tool sets are composable building blocks for allowed-tool lists.
// Consumers compose them explicitly via ComposeTools rather than
// relying on the registry to make policy decisions.

// ToolSetBase contains core file-operation tools safe for any environment.
var ToolSetBase = []string{
	"Read",
	"Glob",
	"Grep",
	"Edit",
	"Write",
	"ExitPlanMode",
}

// ToolSetSafeShell contains read-only shell commands safe for
// supervised environments.
var ToolSetSafeShell = []string{
	"Bash(ls:*)",
	"Bash(cat:*)",
	"Bash(head:*)",
	"Bash(tail:*)",
	"Bash(wc:*)",
	"Bash(pwd:*)",
}

// ToolSetWeb contains web access tools.
var ToolSetWeb = []string{
	"WebFetch",
	"WebSearch",
}

// ToolSetProductivity contains productivity and notebook tools.
var ToolSetProductivity = []string{
	"TodoRead",
	"TodoWrite",
	"NotebookEdit",
	"Task",
}

// DefaultApprovalTools are the tool names that pause the conversation
// for an explicit user decision when the assistant stops to use them.
var DefaultApprovalTools = []string{
	"AskUserQuestion",
	"ExitPlanMode",
}

// ComposeTools merges multiple tool sets into a single deduplicated slice.
// Order is preserved (first occurrence wins).
func ComposeTools(sets ...[]string) []string {
	seen := make(map[string]struct{})
	var result []string
	for _, set := range sets {
		for _, tool := range set {
			if _, exists := seen[tool]; !exists {
				seen[tool] = struct{}{}
				result = append(result, tool)
			}
		}
	}
	return result
}

// approvalSet converts a tool-name list to a lookup set.
func approvalSet(tools []string) map[string]bool {
	set := make(map[string]bool, len(tools))
	for _, tool := range tools {
		set[tool] = true
	}
	return set
}
