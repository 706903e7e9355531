package main

import "github.com/lumenlearn/voicekit/internal/bootstrap"

func main() {
	bootstrap.Run()
}
