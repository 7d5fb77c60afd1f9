package main

import "github.com/agentic-research/rangecache/cmd"

func main() {
	cmd.Execute()
}
