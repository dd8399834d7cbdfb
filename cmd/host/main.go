package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/ini.v1"

	"remotephone/internal/audio"
	"remotephone/internal/contacts"
	"remotephone/internal/correlator"
	"remotephone/internal/host"
	"remotephone/internal/logging"
	"remotephone/internal/settings"
	"remotephone/internal/telephony"
)

func startMetrics(addr string, reg *prometheus.Registry) {
	if addr == "" {
		return
	}
	logging.Core.Infof("metrics endpoint on %s", addr)
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logging.Core.Warnf("metrics server stopped: %v", err)
		}
	}()
}

// eventLoop reads telephony transitions from stdin. It stands in for the
// real telephony event source, which is platform glue outside the engine:
//
//	ring <number> | offhook | idle | sms <body> | notify <app>|<title>|<text>
func eventLoop(ctx context.Context, engine *host.Engine) {
	calls := engine.Calls()
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		verb, arg, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		switch verb {
		case "":
		case "ring":
			calls.Ring(arg)
		case "offhook":
			calls.OffHook()
		case "idle":
			calls.Idle()
		case "sms":
			engine.HandleSMS("console", arg)
		case "notify":
			parts := strings.SplitN(arg, "|", 3)
			for len(parts) < 3 {
				parts = append(parts, "")
			}
			engine.MirrorNotification(parts[0], parts[1], parts[2])
		default:
			fmt.Printf("unknown event %q (ring/offhook/idle/sms/notify)\n", verb)
		}
	}
}

func main() {
	cfg, err := ini.Load("settings.ini")
	if err != nil {
		fmt.Printf("failed to load settings: %v\n", err)
		return
	}

	s, err := settings.Load(cfg)
	if err != nil {
		fmt.Printf("failed to parse settings: %v\n", err)
		return
	}

	if err := logging.Init(cfg, "remotephone-host.log"); err != nil {
		fmt.Printf("failed to init logging: %v\n", err)
		return
	}
	defer logging.Close()

	registry := prometheus.NewRegistry()
	resolver := contacts.NewCache(contacts.StaticLookup(s.Contacts()))

	engine := host.New(host.Config{
		ControlAddr: ":" + strconv.Itoa(s.ControlPort()),
		AudioAddr:   ":" + strconv.Itoa(s.AudioPort()),
		Audio: audio.Config{
			FrameSize:   s.FrameSize(),
			ReadTimeout: s.AudioReadTimeout(),
		},
		Devices: func() (audio.Source, audio.Sink, error) {
			return audio.NullSource{}, audio.Discard{}, nil
		},
		Actions:    telephony.LogActions{Log: logging.Core},
		Resolve:    correlator.Resolver(resolver.Resolve),
		Registerer: registry,
		Log:        logging.Core,
		ControlLog: logging.Control,
		AudioLog:   logging.Audio,
	})

	if err := engine.Start(); err != nil {
		logging.Core.Fatalf("failed to start host engine: %v", err)
	}
	startMetrics(s.MetricsAddr(), registry)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go eventLoop(ctx, engine)

	<-ctx.Done()
	logging.Core.Info("performing a graceful shutdown...")
	engine.Stop()
}
