// rune-deploy turns a Rune project into a standalone native executable.
package main

import (
	"context"
	"os"
	"os/signal"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := execute(ctx, &app{stdin: os.Stdin, stdout: os.Stdout, stderr: os.Stderr}, os.Args[1:])
	stop()
	os.Exit(code)
}
