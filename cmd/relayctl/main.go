package main

import "github.com/nero-labs/kiro-relay/internal/relayctl/cli"

func main() {
	cli.Execute()
}
