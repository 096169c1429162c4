package buildbot

import (
	"context"
	"fmt"
	"log/slog"
)

// deleteCommand deletes every build the invoker saved for a champion.
// Builds saved by other users are never touched.
type deleteCommand struct {
	store BuildRepository
}

func (deleteCommand) Name() string {
	return commandDelete
}

func (deleteCommand) Description() string {
	return "Delete all builds for a champion that you submitted."
}

func (deleteCommand) Params() []Param {
	return []Param{{Name: "champion", Description: "Champion name"}}
}

func (c *deleteCommand) Handle(ctx context.Context, inv Invocation) (string, error) {
	champion := inv.Arg("champion")
	deleted, err := c.store.DeleteFor(ctx, champion, inv.Author)
	if err != nil {
		return "", err
	}
	if logger, ok := ContextLogger(ctx); ok {
		logger.InfoContext(ctx, "deleted builds", slog.Int64("rows", deleted))
	}
	return fmt.Sprintf(
		"🗑️ Deleted your builds for **%s** (if any).",
		displayChampion(champion),
	), nil
}
