package main

import "oracle-sync/internal/cli"

func main() {
	cli.Execute()
}
