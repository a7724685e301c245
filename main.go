package main

import "crossforge/internal/cli"

func main() {
	cli.Main()
}
