package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	configmonitor "github.com/1261385937/config-monitor"
	"github.com/1261385937/config-monitor/backend"
)

const version = "0.1.0"

const usage = `Config monitor command line.

Usage:
    cmwatch get <path> [--config=<file>]
    cmwatch children <path> [--config=<file>]
    cmwatch set <path> <value> [--config=<file>]
    cmwatch create <path> [<value>] [--mode=<mode>] [--ttl=<ttl>] [--config=<file>]
    cmwatch delete <path> [--config=<file>]
    cmwatch watch <path> [--sub] [--config=<file>]
    cmwatch -h | --help
    cmwatch --version

Options:
    -h --help         Show this screen.
    --version         Show version.
    --config=<file>   YAML config file [default: config-monitor.yaml].
    --mode=<mode>     Create mode, e.g. ephemeral_sequential [default: persistent].
    --ttl=<ttl>       Time to live of the ttl modes, e.g. 30s.
    --sub             Watch the children of the path instead of the path.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		panic(err)
	}

	_ = flag.Set("logtostderr", "true")
	defer glog.Flush()

	configFile, _ := opts.String("--config")
	m, err := configmonitor.NewFromConfig(configFile)
	if err != nil {
		glog.Exitf("Load config: %v", err)
	}
	if err := m.Init(); err != nil {
		glog.Exitf("Init: %v", err)
	}
	defer func() { _ = m.Close() }()

	path, _ := opts.String("<path>")

	if get, _ := opts.Bool("get"); get {
		value, err := m.GetValue(path)
		exitOnError(err)
		fmt.Println(string(value))
	} else if children, _ := opts.Bool("children"); children {
		paths, err := m.GetChildren(path)
		exitOnError(err)
		for _, p := range paths {
			fmt.Println(p)
		}
	} else if set, _ := opts.Bool("set"); set {
		value, _ := opts.String("<value>")
		exitOnError(m.SetValue(path, []byte(value)))
	} else if create, _ := opts.Bool("create"); create {
		createPath(m, opts, path)
	} else if del, _ := opts.Bool("delete"); del {
		exitOnError(m.Delete(path))
	} else if watch, _ := opts.Bool("watch"); watch {
		sub, _ := opts.Bool("--sub")
		watchPath(m, path, sub)
	}
}

func exitOnError(err error) {
	if err != nil {
		glog.Flush()
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
}

func createPath(m *configmonitor.Monitor, opts docopt.Opts, path string) {
	modeStr, _ := opts.String("--mode")
	mode, err := backend.ParseCreateMode(modeStr)
	exitOnError(err)

	createOpts := []configmonitor.CreateOption{configmonitor.WithMode(mode)}
	if ttlStr, err := opts.String("--ttl"); err == nil {
		ttl, err := time.ParseDuration(ttlStr)
		exitOnError(err)
		createOpts = append(createOpts, configmonitor.WithTTL(ttl))
	}

	var value []byte
	if s, err := opts.String("<value>"); err == nil {
		value = []byte(s)
	}

	newPath, err := m.Create(path, value, createOpts...)
	exitOnError(err)
	fmt.Println(newPath)

	if mode.IsEphemeral() {
		fmt.Println("Ephemeral node kept until interrupted")
		waitInterrupt()
	}
}

func watchPath(m *configmonitor.Monitor, path string, sub bool) {
	var err error
	if sub {
		err = m.WatchSubPath(path, func(ev configmonitor.PathEvent, childPath string, value []byte) {
			fmt.Printf("%s %s %q\n", ev, childPath, value)
		})
	} else {
		err = m.WatchPath(path, func(ev configmonitor.PathEvent, value []byte) {
			fmt.Printf("%s %s %q\n", ev, path, value)
		})
	}
	exitOnError(err)

	waitInterrupt()
}

func waitInterrupt() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt)
	<-ch
}
