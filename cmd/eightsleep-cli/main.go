package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	client := &daemonClient{
		addr: envOrDefault("EIGHTSLEEPD_ADDR", "http://127.0.0.1:8181"),
		http: &http.Client{Timeout: 60 * time.Second},
	}

	switch os.Args[1] {
	case "status":
		statusCmd(client, os.Args[2:])
	case "heat-set":
		heatSetCmd(client, os.Args[2:])
	case "heat-inc":
		heatIncCmd(client, os.Args[2:])
	case "side":
		sideCmd(client, os.Args[2:])
	case "away":
		awayCmd(client, os.Args[2:])
	case "prime":
		primeCmd(client, os.Args[2:])
	case "bed-side":
		bedSideCmd(client, os.Args[2:])
	case "alarm":
		alarmCmd(client, os.Args[2:])
	case "base":
		baseCmd(client, os.Args[2:])
	case "refresh":
		refreshCmd(client, os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func statusCmd(client *daemonClient, args []string) {
	path := "/state"
	if len(args) > 0 {
		path = "/sides/" + args[0]
	}
	client.get(path)
}

func heatSetCmd(client *daemonClient, args []string) {
	flags := flag.NewFlagSet("heat-set", flag.ExitOnError)
	stage := flags.String("stage", "current", "sleep stage: current, bedTimeLevel, initialSleepLevel, finalSleepLevel")
	duration := flags.Int("duration", 0, "auto-off duration in seconds (current stage only)")
	_ = flags.Parse(args)
	remaining := flags.Args()
	if len(remaining) < 2 {
		fatal("heat-set", fmt.Errorf("usage: heat-set [flags] <userId> <target>"))
	}
	target := atoi("target", remaining[1])
	client.post("/sides/"+remaining[0]+"/heat", map[string]any{
		"target":          target,
		"sleepStage":      *stage,
		"durationSeconds": *duration,
	})
}

func heatIncCmd(client *daemonClient, args []string) {
	if len(args) < 2 {
		fatal("heat-inc", fmt.Errorf("usage: heat-inc <userId> <delta>"))
	}
	client.post("/sides/"+args[0]+"/heat/increment", map[string]any{
		"delta": atoi("delta", args[1]),
	})
}

func sideCmd(client *daemonClient, args []string) {
	if len(args) < 2 || (args[1] != "on" && args[1] != "off") {
		fatal("side", fmt.Errorf("usage: side <userId> on|off"))
	}
	client.post("/sides/"+args[0]+"/"+args[1], map[string]any{})
}

func awayCmd(client *daemonClient, args []string) {
	if len(args) < 2 || (args[1] != "start" && args[1] != "stop") {
		fatal("away", fmt.Errorf("usage: away <userId> start|stop"))
	}
	client.post("/sides/"+args[0]+"/away", map[string]any{"action": args[1]})
}

func primeCmd(client *daemonClient, args []string) {
	if len(args) < 1 {
		fatal("prime", fmt.Errorf("usage: prime <userId>"))
	}
	client.post("/sides/"+args[0]+"/prime", map[string]any{})
}

func bedSideCmd(client *daemonClient, args []string) {
	if len(args) < 2 {
		fatal("bed-side", fmt.Errorf("usage: bed-side <userId> solo|left|right"))
	}
	client.post("/sides/"+args[0]+"/bed-side", map[string]any{"state": args[1]})
}

func alarmCmd(client *daemonClient, args []string) {
	if len(args) < 3 {
		fatal("alarm", fmt.Errorf("usage: alarm <userId> snooze|stop|dismiss <alarmId> [minutes]"))
	}
	userID, action, alarmID := args[0], args[1], args[2]
	switch action {
	case "snooze":
		if len(args) < 4 {
			fatal("alarm", fmt.Errorf("usage: alarm <userId> snooze <alarmId> <minutes>"))
		}
		client.post("/sides/"+userID+"/alarms/"+alarmID+"/snooze", map[string]any{
			"minutes": atoi("minutes", args[3]),
		})
	case "stop", "dismiss":
		client.post("/sides/"+userID+"/alarms/"+alarmID+"/"+action, map[string]any{})
	default:
		fatal("alarm", fmt.Errorf("unknown action %q", action))
	}
}

func baseCmd(client *daemonClient, args []string) {
	if len(args) < 3 {
		fatal("base", fmt.Errorf("usage: base <userId> angle <feet> <head> | base <userId> preset <name>"))
	}
	userID := args[0]
	switch args[1] {
	case "angle":
		if len(args) < 4 {
			fatal("base", fmt.Errorf("usage: base <userId> angle <feet> <head>"))
		}
		client.post("/sides/"+userID+"/base/angle", map[string]any{
			"feetAngle": atoi("feet", args[2]),
			"headAngle": atoi("head", args[3]),
		})
	case "preset":
		client.post("/sides/"+userID+"/base/preset", map[string]any{"preset": args[2]})
	default:
		fatal("base", fmt.Errorf("unknown subcommand %q", args[1]))
	}
}

func refreshCmd(client *daemonClient, args []string) {
	path := "/refresh"
	if len(args) > 0 {
		path += "?scope=" + args[0]
	}
	client.post(path, map[string]any{})
}

type daemonClient struct {
	addr string
	http *http.Client
}

func (c *daemonClient) get(path string) {
	resp, err := c.http.Get(c.addr + path)
	if err != nil {
		fatal("get", err)
	}
	printResponse(resp)
}

func (c *daemonClient) post(path string, body map[string]any) {
	data, err := json.Marshal(body)
	if err != nil {
		fatal("encode", err)
	}
	resp, err := c.http.Post(c.addr+path, "application/json", bytes.NewReader(data))
	if err != nil {
		fatal("post", err)
	}
	printResponse(resp)
}

func printResponse(resp *http.Response) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fatal("read response", err)
	}
	os.Stdout.Write(body)
	if resp.StatusCode >= 300 {
		os.Exit(1)
	}
}

func atoi(name, value string) int {
	out, err := strconv.Atoi(value)
	if err != nil {
		fatal(name, fmt.Errorf("not a number: %q", value))
	}
	return out
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(1)
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: eightsleep-cli <command> [args]

commands:
  status [userId]                             show model state
  heat-set [flags] <userId> <target>          set heating level
  heat-inc <userId> <delta>                   adjust heating level
  side <userId> on|off                        toggle a side
  away <userId> start|stop                    away mode
  prime <userId>                              start a priming cycle
  bed-side <userId> solo|left|right           reassign side mapping
  alarm <userId> snooze <alarmId> <minutes>   snooze an active alarm
  alarm <userId> stop|dismiss <alarmId>       stop or dismiss an alarm
  base <userId> angle <feet> <head>           set base angles
  base <userId> preset <name>                 move base to a preset
  refresh [scope]                             force a refresh cycle`)
}
