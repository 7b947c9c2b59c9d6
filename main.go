package main

import "github.com/brensch/urnalog/cmd"

func main() {
	cmd.Execute()
}
