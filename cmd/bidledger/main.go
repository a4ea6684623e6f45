package main

import "bidledger/internal/cli"

func main() {
	cli.Execute()
}
