// Command recipecrawler crawls marmiton recipe pages into a graph store and
// exports the stored recipes as a text corpus.
//
// Run locally: go run . crawl --config config.yaml
package main

import (
	"github.com/JakeFAU/recipe-graph-crawler/cmd"
)

func main() {
	cmd.Execute()
}
