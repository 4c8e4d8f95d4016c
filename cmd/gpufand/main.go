package main

import "codeberg.org/mutker/gpufand/internal/cli"

func main() {
	cli.Execute()
}
