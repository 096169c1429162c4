package main

import "github.com/arcward/buildbot/cmd"

func main() {
	cmd.Execute()
}
