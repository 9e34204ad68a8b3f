package main

import "storeflow/cmd/cli"

func main() {
	cli.Execute()
}
