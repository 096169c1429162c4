package buildbot

import (
	"context"
	"fmt"
	"strings"
)

// helpCommand lists the registered commands and their usage
type helpCommand struct {
	router *Router
}

func (helpCommand) Name() string {
	return commandHelp
}

func (helpCommand) Description() string {
	return "Show available commands."
}

func (helpCommand) Params() []Param {
	return nil
}

func (c *helpCommand) Handle(_ context.Context, inv Invocation) (string, error) {
	prefix := inv.Prefix
	if prefix == "" {
		prefix = c.router.Prefix()
	}
	lines := []string{"**Commands**:"}
	for _, h := range c.router.Handlers() {
		lines = append(
			lines,
			fmt.Sprintf("`%s` - %s", usage(prefix, h), h.Description()),
		)
	}
	return strings.Join(lines, "\n"), nil
}
