package main

import "copy-trading-bot/internal/cli"

func main() {
	cli.Execute()
}
