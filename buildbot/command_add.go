package buildbot

import (
	"context"
	"fmt"
)

// addCommand saves a build for a champion, attributed to the invoker.
// Usage: !add ashe Kraken Slayer -> Runaan's -> IE
type addCommand struct {
	store BuildRepository
}

func (addCommand) Name() string {
	return commandAdd
}

func (addCommand) Description() string {
	return "Store a build for a champion."
}

func (addCommand) Params() []Param {
	return []Param{
		{Name: "champion", Description: "Champion name"},
		{Name: "build", Description: "Build order, items or abilities", Remainder: true},
	}
}

func (c *addCommand) Handle(ctx context.Context, inv Invocation) (string, error) {
	champion := inv.Arg("champion")
	if err := c.store.Add(ctx, champion, inv.Arg("build"), inv.Author); err != nil {
		return "", err
	}
	return fmt.Sprintf("✅ Build for **%s** saved!", displayChampion(champion)), nil
}
