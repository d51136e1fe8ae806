package main

import "github.com/davarch/gridci/cmd/gridci/cli"

func main() {
	cli.Execute()
}
