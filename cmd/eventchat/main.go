package main

import "github.com/GetStream/event-chat/cmd/eventchat/cmd"

func main() {
	cmd.Execute()
}
