package buildbot

import (
	"context"
	"fmt"
	"strings"
)

// getCommand lists every build saved for a champion
type getCommand struct {
	store BuildRepository
}

func (getCommand) Name() string {
	return commandGet
}

func (getCommand) Description() string {
	return "Retrieve builds for a champion."
}

func (getCommand) Params() []Param {
	return []Param{{Name: "champion", Description: "Champion name"}}
}

func (c *getCommand) Handle(ctx context.Context, inv Invocation) (string, error) {
	champion := inv.Arg("champion")
	builds, err := c.store.ListFor(ctx, champion)
	if err != nil {
		return "", err
	}
	return formatBuilds(displayChampion(champion), builds), nil
}

func formatBuilds(champion string, builds []Build) string {
	if len(builds) == 0 {
		return fmt.Sprintf("❄️ No builds found for **%s** yet.", champion)
	}
	lines := make([]string, 0, len(builds)+1)
	lines = append(lines, fmt.Sprintf("**Builds for %s**:", champion))
	for _, b := range builds {
		lines = append(lines, fmt.Sprintf("- %s *(by %s)*", b.Build, b.Author))
	}
	return strings.Join(lines, "\n")
}
