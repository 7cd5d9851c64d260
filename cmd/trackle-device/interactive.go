package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/trackle-iot/trackle-go/pkg/coap"
	"github.com/trackle-iot/trackle-go/pkg/keepalive"
	"github.com/trackle-iot/trackle-go/pkg/protocol"
	"github.com/trackle-iot/trackle-go/pkg/subscription"
	"github.com/trackle-iot/trackle-go/pkg/supervisor"
)

// consoleCommand is a closure executed on the main loop, so console input
// never touches the protocol core from the readline goroutine. It returns
// true to quit.
type consoleCommand func(sup *supervisor.Supervisor, facade *protocol.Facade, sim *simulation, logger *slog.Logger) bool

const consoleHelp = `Commands:
  status                     Show connection state
  publish <name> [data]      Publish an event (private scope)
  subscribe <prefix>         Subscribe to an event filter
  describe                   Post a metrics describe
  claim <code>               Set the claim code for the next session
  ping <seconds>             Override the keepalive interval
  interval <seconds>         Set the telemetry publish interval
  connect                    Enable the connection supervisor
  disconnect                 Disconnect and stay offline
  help                       Show this help
  quit                       Exit
`

// interactiveConsole owns the readline instance and converts lines into
// consoleCommand values on its channel.
type interactiveConsole struct {
	rl       *readline.Instance
	commands chan consoleCommand
}

func newInteractiveConsole() (*interactiveConsole, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "trackle> ",
		HistoryFile:     "/tmp/trackle-device-history",
		InterruptPrompt: "^C",
	})
	if err != nil {
		return nil, err
	}
	return &interactiveConsole{
		rl:       rl,
		commands: make(chan consoleCommand),
	}, nil
}

func (c *interactiveConsole) Close() error {
	return c.rl.Close()
}

// readLoop runs on its own goroutine, parsing lines and handing the
// resulting commands to the main loop.
func (c *interactiveConsole) readLoop() {
	for {
		line, err := c.rl.Readline()
		if err != nil {
			c.commands <- func(*supervisor.Supervisor, *protocol.Facade, *simulation, *slog.Logger) bool { return true }
			return
		}
		cmd := parseConsoleLine(strings.TrimSpace(line))
		if cmd != nil {
			c.commands <- cmd
		}
	}
}

func parseConsoleLine(line string) consoleCommand {
	if line == "" {
		return nil
	}
	fields := strings.Fields(line)
	verb, args := fields[0], fields[1:]

	switch verb {
	case "help":
		return func(_ *supervisor.Supervisor, _ *protocol.Facade, _ *simulation, _ *slog.Logger) bool {
			fmt.Print(consoleHelp)
			return false
		}

	case "quit", "exit":
		return func(*supervisor.Supervisor, *protocol.Facade, *simulation, *slog.Logger) bool { return true }

	case "status":
		return func(sup *supervisor.Supervisor, facade *protocol.Facade, _ *simulation, _ *slog.Logger) bool {
			fmt.Printf("state=%s hello_acked=%v\n", sup.State(), facade.HelloAcked())
			return false
		}

	case "publish":
		if len(args) == 0 {
			fmt.Println("usage: publish <name> [data]")
			return nil
		}
		name := args[0]
		data := strings.Join(args[1:], " ")
		return func(_ *supervisor.Supervisor, facade *protocol.Facade, _ *simulation, logger *slog.Logger) bool {
			id, err := facade.Publish(name, []byte(data), 0, coap.EventPrivate, func(err error) {
				if err != nil {
					logger.Warn("publish failed", "name", name, "err", err)
				} else {
					logger.Info("publish acknowledged", "name", name)
				}
			}, time.Now())
			if err != nil {
				fmt.Printf("publish: %v\n", err)
			} else {
				fmt.Printf("publish id %d\n", id)
			}
			return false
		}

	case "subscribe":
		if len(args) != 1 {
			fmt.Println("usage: subscribe <prefix>")
			return nil
		}
		prefix := args[0]
		return func(_ *supervisor.Supervisor, facade *protocol.Facade, _ *simulation, _ *slog.Logger) bool {
			err := facade.Subscribe(prefix, subscription.ScopeMyDevices, nil,
				func(name string, payload []byte, _ []byte, _ any) {
					fmt.Printf("event %s: %s\n", name, payload)
				}, nil, time.Now())
			if err != nil {
				fmt.Printf("subscribe: %v\n", err)
			}
			return false
		}

	case "describe":
		return func(_ *supervisor.Supervisor, facade *protocol.Facade, _ *simulation, _ *slog.Logger) bool {
			if err := facade.PostDescribe(coap.DescribeMetrics, time.Now()); err != nil {
				fmt.Printf("describe: %v\n", err)
			}
			return false
		}

	case "claim":
		if len(args) != 1 {
			fmt.Println("usage: claim <code>")
			return nil
		}
		code := args[0]
		return func(_ *supervisor.Supervisor, facade *protocol.Facade, _ *simulation, _ *slog.Logger) bool {
			facade.SetClaimCode(code)
			return false
		}

	case "ping":
		secs, err := parseSeconds([]byte(strings.Join(args, "")))
		if err != nil {
			fmt.Println("usage: ping <seconds>")
			return nil
		}
		return func(_ *supervisor.Supervisor, facade *protocol.Facade, _ *simulation, _ *slog.Logger) bool {
			facade.SetPingInterval(time.Duration(secs)*time.Second, keepalive.SourceUser)
			return false
		}

	case "interval":
		secs, err := parseSeconds([]byte(strings.Join(args, "")))
		if err != nil {
			fmt.Println("usage: interval <seconds>")
			return nil
		}
		return func(_ *supervisor.Supervisor, _ *protocol.Facade, sim *simulation, _ *slog.Logger) bool {
			sim.setInterval(time.Duration(secs) * time.Second)
			return false
		}

	case "connect":
		return func(sup *supervisor.Supervisor, _ *protocol.Facade, _ *simulation, _ *slog.Logger) bool {
			sup.Connect()
			return false
		}

	case "disconnect":
		return func(sup *supervisor.Supervisor, _ *protocol.Facade, _ *simulation, _ *slog.Logger) bool {
			sup.Disconnect(time.Now())
			return false
		}

	default:
		fmt.Printf("unknown command %q (try help)\n", verb)
		return nil
	}
}
