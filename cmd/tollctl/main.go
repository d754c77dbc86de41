package main

import "github.com/tollworks/tollsync/cmd/tollctl/cmd"

func main() {
	cmd.Execute()
}
