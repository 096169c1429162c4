// Package buildbot implements a Discord bot that stores and retrieves
// champion builds submitted by players.
//
// Builds are free text, saved per champion and attributed to the user who
// submitted them. Users can only delete their own builds.
//
// Key components of the package include:
//
//   - BuildBot: Wires everything together, and manages startup/shutdown.
//   - BuildStore: Persists builds in a single `builds` table (SQLite or Postgres).
//   - Router: Parses commands and dispatches them to command handlers.
//   - Discord: Handles the gateway session, messages and slash commands.
//   - API: An optional read-only HTTP API.
//
// The bot supports these commands (with the default "!" prefix):
//
//   - !add <champion> <build>: Saves a build for a champion.
//   - !get <champion>: Lists all builds saved for a champion.
//   - !delete <champion>: Deletes your own builds for a champion.
//   - !help: Lists available commands.
//
// Champion names are case-insensitive, and may be quoted if they
// contain spaces, ex: !get "miss fortune"
package buildbot
