package main

import "github.com/hanepo/MQTTScanner/cmd"

var execCmd = cmd.Execute

func main() {
	execCmd()
}
