package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	cibsync "github.com/ClusterLabs/cibsync"
	"github.com/ClusterLabs/cibsync/mainloop"
)

const CibctlVersion = "0.1.0"

const DefaultDaemonUrl = "ws://127.0.0.1:3121/cib"

type CibctlConfig struct {
	Url            string `toml:"url"`
	Name           string `toml:"name"`
	ConnectionType string `toml:"connection_type"`
}

func defaultConfig() *CibctlConfig {
	return &CibctlConfig{
		Url:            DefaultDaemonUrl,
		Name:           "cibctl",
		ConnectionType: "query",
	}
}

func main() {
	usage := `Cluster information base control.

Maintains a live mirror of the cluster document over a daemon
connection and prints it, or runs one-off queries.

Usage:
    cibctl query [--url=<url>] [--config=<config>]
        [--section=<section>]
        [--xpath=<xpath>]
        [--no_children]
    cibctl version [--url=<url>] [--config=<config>]
    cibctl monitor [--url=<url>] [--config=<config>] [--verbose]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --url=<url>            Daemon websocket url.
    --config=<config>      Path to a toml config file.
    --section=<section>    Query the named section only.
    --xpath=<xpath>        Query an xpath expression.
    --no_children          Omit children of the matched element.
    --verbose              Print the whole document on each update.`

	// glog wants the flag package parsed before first use. the real
	// arguments belong to docopt, not the flag package.
	flag.Set("logtostderr", "true")
	flag.CommandLine.Parse([]string{})

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CibctlVersion)
	if err != nil {
		panic(err)
	}

	config := loadConfig(opts)

	if query_, _ := opts.Bool("query"); query_ {
		query(opts, config)
	} else if version_, _ := opts.Bool("version"); version_ {
		version(config)
	} else if monitor_, _ := opts.Bool("monitor"); monitor_ {
		monitor(opts, config)
	}
}

func loadConfig(opts docopt.Opts) *CibctlConfig {
	config := defaultConfig()
	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		if _, err := toml.DecodeFile(configPath, config); err != nil {
			glog.Errorf("[ctl]cannot read config %s = %s\n", configPath, err)
			os.Exit(1)
		}
	}
	if url, err := opts.String("--url"); err == nil && url != "" {
		config.Url = url
	}
	return config
}

func connect(ctx context.Context, loop *mainloop.Loop, config *CibctlConfig) (*cibsync.Cib, error) {
	connType, err := cibsync.ParseConnectionType(config.ConnectionType)
	if err != nil {
		return nil, err
	}
	client := cibsync.NewWsClientWithDefaults(ctx, loop, config.Url)
	cib := cibsync.NewCibWithDefaults(ctx, client)
	if err := cib.SignOn(config.Name, connType); err != nil {
		return nil, err
	}
	return cib, nil
}

func query(opts docopt.Opts, config *CibctlConfig) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := mainloop.NewLoopWithDefaults(ctx)
	go loop.Run()

	cib, err := connect(ctx, loop, config)
	if err != nil {
		glog.Errorf("[ctl]signon error = %s\n", err)
		os.Exit(1)
	}
	defer cib.Close()

	section := ""
	queryOpts := cibsync.QueryOptions{}
	if section_, err := opts.String("--section"); err == nil {
		section = section_
	}
	if xpath, err := opts.String("--xpath"); err == nil && xpath != "" {
		section = xpath
		queryOpts.XPath = true
	}
	if noChildren, _ := opts.Bool("--no_children"); noChildren {
		queryOpts.NoChildren = true
	}

	doc, err := cib.Query(section, queryOpts)
	if err != nil {
		glog.Errorf("[ctl]query error = %s\n", err)
		os.Exit(1)
	}
	defer doc.Close()

	fmt.Printf("%s\n", doc)
}

func version(config *CibctlConfig) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	loop := mainloop.NewLoopWithDefaults(ctx)
	go loop.Run()

	cib, err := connect(ctx, loop, config)
	if err != nil {
		glog.Errorf("[ctl]signon error = %s\n", err)
		os.Exit(1)
	}
	defer cib.Close()

	cibVersion, err := cib.Version()
	if err != nil {
		glog.Errorf("[ctl]version error = %s\n", err)
		os.Exit(1)
	}
	fmt.Printf("%s\n", cibVersion)
}

// follow the document and print every update. on a lost connection,
// re-signon and re-subscribe, since the library does not reconnect on
// its own.
func monitor(opts docopt.Opts, config *CibctlConfig) {
	verbose, _ := opts.Bool("--verbose")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// pace the idle passes so an idle tick never has to block the loop
	// goroutine itself. notifications still dispatch immediately.
	loop := mainloop.NewLoop(ctx, &mainloop.LoopSettings{
		PostBufferSize:   mainloop.DefaultPostBufferSize,
		IdlePassInterval: 10 * time.Millisecond,
	})
	go loop.Run()

	restarter := make(chan struct{}, 1)
	updateCount := 0

	listen := func(cib *cibsync.Cib) error {
		_, err := cib.Subscribe(func(event cibsync.CibEvent, doc *cibsync.Document) {
			if event == cibsync.UpdateEvent {
				updateCount += 1
				fmt.Printf("event: %s\n", event)
				if verbose {
					fmt.Printf("cib: %s\n", doc)
				}
			} else {
				glog.Infof("[ctl]lost connection\n")
				select {
				case restarter <- struct{}{}:
				default:
				}
			}
		})
		return err
	}

	// consumer scheduler tick. keep it cheap, the idle pass runs on
	// the loop goroutine.
	lastUpdateCount := 0
	unschedule := cibsync.ScheduleIdle(loop, func() {
		if lastUpdateCount < updateCount {
			glog.V(2).Infof("[ctl]%d updates\n", updateCount-lastUpdateCount)
			lastUpdateCount = updateCount
		}
	})
	defer unschedule()

	cib, err := connect(ctx, loop, config)
	if err != nil {
		glog.Errorf("[ctl]signon error = %s\n", err)
		os.Exit(1)
	}
	if err := listen(cib); err != nil {
		glog.Errorf("[ctl]subscribe error = %s\n", err)
		os.Exit(1)
	}

	for {
		<-restarter
		cib.Close()
		for {
			cib, err = connect(ctx, loop, config)
			if err == nil {
				err = listen(cib)
			}
			if err == nil {
				break
			}
			glog.Infof("[ctl]reconnect error = %s\n", err)
			time.Sleep(5 * time.Second)
		}
	}
}
