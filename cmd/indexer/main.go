package main

import (
	"github.com/chainsink/indexer/cmd"
)

func main() {
	cmd.Execute()
}
