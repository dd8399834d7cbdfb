package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"gopkg.in/ini.v1"

	"remotephone/internal/audio"
	"remotephone/internal/client"
	"remotephone/internal/logging"
	"remotephone/internal/settings"
)

// consoleUI renders engine callbacks on stdout. It stands in for the
// activity-launching UI layer, which is outside the engine.
type consoleUI struct{}

func (consoleUI) ConnectionChanged(connected bool, host string) {
	if connected {
		fmt.Printf("connected to %s\n", host)
	} else {
		fmt.Println("disconnected from host")
	}
}

func (consoleUI) IncomingCall(number, name string) {
	fmt.Printf("incoming call from %s (%s) - type 'answer' or 'end'\n", number, name)
}

func (consoleUI) CallStarted(number, name string) {
	fmt.Printf("call active with %s (%s)\n", number, name)
}

func (consoleUI) CallEnded() {
	fmt.Println("call ended")
}

func (consoleUI) OTPReceived(code string) {
	fmt.Printf("OTP from host: %s\n", code)
}

func (consoleUI) NotificationReceived(app, title, text string) {
	fmt.Printf("[%s] %s: %s\n", app, title, text)
}

func (consoleUI) Status(text string) {
	fmt.Println(text)
}

// commandLoop maps typed input onto engine commands:
//
//	answer | end | dial <number> | mute | unmute | hold | unhold |
//	speaker on|off | quit
func commandLoop(ctx context.Context, engine *client.Engine) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		verb, arg, _ := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
		switch verb {
		case "":
		case "answer":
			engine.Answer()
		case "end":
			engine.EndCall()
		case "dial":
			engine.Dial(arg)
		case "mute":
			engine.SetMute(true)
		case "unmute":
			engine.SetMute(false)
		case "hold":
			engine.SetHold(true)
		case "unhold":
			engine.SetHold(false)
		case "speaker":
			engine.SetSpeaker(arg == "on")
		case "quit":
			return
		default:
			fmt.Printf("unknown command %q\n", verb)
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
	if s.ClientHost() == "" {
		fmt.Println("client host must be set in the [client] section")
		return
	}

	if err := logging.Init(cfg, "remotephone-client.log"); err != nil {
		fmt.Printf("failed to init logging: %v\n", err)
		return
	}
	defer logging.Close()

	engine := client.Connect(client.Config{
		HostAddr:        s.ClientHost() + ":" + strconv.Itoa(s.ControlPort()),
		AudioPort:       strconv.Itoa(s.AudioPort()),
		AudioRetryCount: s.AudioRetryCount(),
		AudioRetryDelay: s.AudioRetryDelay(),
		Audio: audio.Config{
			FrameSize:   s.FrameSize(),
			ReadTimeout: s.AudioReadTimeout(),
		},
		Devices: func() (audio.Source, audio.Sink, error) {
			return audio.NullSource{}, audio.Discard{}, nil
		},
		UI:         consoleUI{},
		Log:        logging.Core,
		ControlLog: logging.Control,
		AudioLog:   logging.Audio,
	})
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		commandLoop(ctx, engine)
		stop()
	}()

	<-ctx.Done()
	logging.Core.Info("shutting down client")
}
