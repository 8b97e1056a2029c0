package agentproc

import "strings"

// SpawnOptions configures how the runtime process is started.
type SpawnOptions struct {
	Command string
	Args    []string
	// Env is added to the sanitized parent environment.
	Env     map[string]string
	WorkDir string
}

// CommandString renders the command line for logs.
func (o *SpawnOptions) CommandString() string {
	parts := append([]string{o.Command}, o.Args...)
	return strings.Join(parts, " ")
}
