package main

import "github.com/semenandronov/legaltech-sub000/services/orchestrator/cli"

func main() {
	cli.Execute()
}
