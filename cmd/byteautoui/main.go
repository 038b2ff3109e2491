// byteautoui is the local automation server and its small operator CLI.
//
// With no subcommand (or only flags) it starts the HTTP server, matching
// `byteautoui server`.  The other subcommands are one-shot operations that
// run against the local config store or a running server instance.
package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

const (
	applicationName = "byteautoui"
	version         = "1.2.0"

	// DefaultPort is the port the server listens on and the one-shot
	// subcommands talk to.
	DefaultPort = 20242

	// DefaultHost keeps the server loopback-only.
	DefaultHost = "127.0.0.1"
)

func main() {
	arguments := os.Args[1:]
	subcommand, rest := splitSubcommand(arguments)

	var err error
	switch subcommand {
	case "server":
		err = runServer(rest)

	case "version":
		fmt.Println(version)

	case "shutdown":
		err = runShutdown(rest)

	case "ios-config":
		err = runIOSConfig(rest)

	case "help", "-h", "--help":
		usage(os.Stdout)

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", subcommand)
		usage(os.Stderr)
		os.Exit(2)
	}

	if err != nil {
		if err == pflag.ErrHelp {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// splitSubcommand finds the first non-flag argument.  When every argument is
// a flag the server subcommand is implied, with the flags passed through.
func splitSubcommand(arguments []string) (string, []string) {
	for i, argument := range arguments {
		if strings.HasPrefix(argument, "-") {
			continue
		}
		rest := make([]string, 0, len(arguments)-1)
		rest = append(rest, arguments[:i]...)
		rest = append(rest, arguments[i+1:]...)
		return argument, rest
	}
	return "server", arguments
}

// runShutdown asks a locally running server to exit.  Connection errors are
// ignored: an already-stopped server is not a failure.
func runShutdown(arguments []string) error {
	flagSet := pflag.NewFlagSet("shutdown", pflag.ContinueOnError)
	port := flagSet.Int("port", DefaultPort, "port number")
	if err := flagSet.Parse(arguments); err != nil {
		return err
	}

	requestShutdown(DefaultHost, *port)
	return nil
}

func requestShutdown(host string, port int) {
	client := &http.Client{Timeout: 3 * time.Second}
	response, err := client.Get(fmt.Sprintf("http://%s:%d/shutdown", host, port))
	if err != nil {
		return
	}
	response.Body.Close()
}

func usage(w *os.File) {
	fmt.Fprintf(w, `usage: %s [command] [flags]

commands:
  server      start the local automation server (default)
  version     print the version
  shutdown    stop a locally running server
  ios-config  manage per-device WDA settings
`, applicationName)
}
