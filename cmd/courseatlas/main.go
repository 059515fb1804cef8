// Package main is the entry point for the CourseAtlas knowledge service.
package main

import (
	_ "go.uber.org/automaxprocs/maxprocs"

	"github.com/kart-io/courseatlas/internal/knowledge"
)

func main() {
	knowledge.NewApp().Run()
}
