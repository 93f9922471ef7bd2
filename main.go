package main

import "github.com/jmehdipour/sms-broadcast/cmd"

func main() {
	cmd.Execute()
}
