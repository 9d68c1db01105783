package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wagate/internal/app"
	"wagate/internal/transport"
)

func main() {
	var (
		cfgPath    string
		provider   string
		sessionDir string
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json/yaml")
	flag.StringVar(&provider, "provider", "whatsapp", "linked transport provider name")
	flag.StringVar(&sessionDir, "session-dir", "./session", "directory for session credentials")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	bundle, err := transport.OpenProvider(provider)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	store, err := transport.NewFileSessionStore(sessionDir)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	a, err := app.New(cfgPath, app.Providers{
		SessionStore: store,
		Dialer:       bundle.Dialer,
		QREncoder:    bundle.QREncoder,
	})
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}
