package constant

import (
	_ "embed"
	"fmt"
	"time"
)

var (
	//go:embed version
	Version     string
	compileTime string = "2026-08-28T00:00:00Z"
	CompileTime time.Time
)

func init() {
	t, err := time.Parse(time.RFC3339, compileTime)
	if nil != err {
		panic(fmt.Errorf("could not parse CompileTime constant %q. Make sure it is set at build time", compileTime))
	}
	CompileTime = t
}
