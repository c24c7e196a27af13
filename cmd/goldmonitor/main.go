package main

import "gold-monitor/internal/cli"

func main() {
	cli.Execute()
}
