package main

import "github.com/parsabank/cardengine/cmd/cardengine/cmd"

func main() {
	cmd.Execute()
}
