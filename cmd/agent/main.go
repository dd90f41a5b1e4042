package main

import "github.com/Hara602/usbAudit/internal/cli"

func main() {
	cli.Execute()
}
