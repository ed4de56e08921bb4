package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prepverse/guildsync/internal/config"
	"github.com/prepverse/guildsync/internal/server"
)

func main() {
	c, err := loadConfig()
	if err != nil {
		log.Fatalf("Load config failed: %v", err)
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGTERM, os.Interrupt)

	s, err := server.Init(c)
	if err != nil {
		log.Fatalf("Init server failed: %v", err)
	}

	go s.Start()

	<-shutdown
	s.Shutdown()
}

func loadConfig() (server.Config, error) {
	var c server.Config

	// CONFIG_PATH is optional; with no file the config comes entirely from
	// the environment.
	if err := config.Load(os.Getenv("CONFIG_PATH"), &c); err != nil {
		return c, err
	}

	return c, nil
}
