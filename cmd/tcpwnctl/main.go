// tcpwnctl inspects TCPwn campaigns and talks to proxy control ports.
package main

import "github.com/samueljero/TCPwn/cmd/tcpwnctl/commands"

func main() {
	commands.Execute()
}
