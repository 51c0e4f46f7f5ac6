package main

import "github.com/davarch/ci-ingest/cmd/ci-ingest/cli"

func main() {
	cli.Execute()
}
