package main

import "github.com/vietddude/reflow/internal/cli"

func main() {
	cli.Execute()
}
