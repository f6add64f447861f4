// Command tourctl reconciles bookings and inspects operators from a shell.
package main

import "github.com/mbd888/tourbridge/internal/cli"

func main() {
	cli.Execute()
}
