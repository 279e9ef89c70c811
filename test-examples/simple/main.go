package main

import (
	"fmt"
	"os"
	"os/signal"
	"time"

	configmonitor "github.com/1261385937/config-monitor"
	"github.com/1261385937/config-monitor/backend"
	"github.com/1261385937/config-monitor/zkbackend"
)

func main() {
	b := zkbackend.New([]string{"localhost"}, 12*time.Second,
		zkbackend.WithDigestCredential("user01", "password01"),
		zkbackend.WithReconnectingCallback(func() {
			fmt.Println("RECONNECTING")
		}),
		zkbackend.WithSessionEstablishedCallback(func() {
			fmt.Println("SESSION ESTABLISHED")
		}),
		zkbackend.WithSessionExpiredCallback(func() {
			fmt.Println("SESSION EXPIRED")
		}),
	)

	m := configmonitor.New(b)
	if err := m.Init(); err != nil {
		panic(err)
	}
	defer func() { _ = m.Close() }()

	fmt.Println("CLIENT IP:", m.ClientIP())

	path, err := m.Create("/workers-data/worker-", []byte("data01"),
		configmonitor.WithMode(backend.ModeEphemeralSequential))
	fmt.Println("CREATED:", path, err)

	err = m.WatchPath("/sample", func(ev configmonitor.PathEvent, value []byte) {
		fmt.Println("SAMPLE EVENT:", ev, string(value))
	})
	if err != nil {
		panic(err)
	}

	err = m.WatchSubPath("/workers-data", func(ev configmonitor.PathEvent, childPath string, value []byte) {
		fmt.Println("WORKER EVENT:", ev, childPath, string(value))
	})
	if err != nil {
		panic(err)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)

	for i := 0; i < 60; i++ {
		time.Sleep(1 * time.Second)
		select {
		case <-ch:
			return
		default:
		}
		fmt.Println("SLEPT:", i+1)
	}
}
