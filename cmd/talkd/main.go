package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/informedia7/totilove-sub009/internal/daemon"
	"github.com/informedia7/totilove-sub009/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides TALKD_SESSION)")
	userFlag := flag.String("user", "", "user id (overrides configured user_id)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{SessionName: sessionName, UserID: *userFlag}),
	)

	app.Run()
}
