package main

import "github.com/alvesdmateus/release-gate/internal/cli/commands"

func main() {
	commands.Execute()
}
