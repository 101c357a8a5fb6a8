package main

import (
	"github.com/monkeyarch/monkeyarch/cmd"
)

func main() {
	cmd.Execute()
}
