package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/ByteTrue/byteautoui/command"
	"github.com/ByteTrue/byteautoui/concurrent"
	"github.com/ByteTrue/byteautoui/driver"
	"github.com/ByteTrue/byteautoui/driver/android"
	"github.com/ByteTrue/byteautoui/driver/harmony"
	"github.com/ByteTrue/byteautoui/driver/ios"
	"github.com/ByteTrue/byteautoui/iosconfig"
	"github.com/ByteTrue/byteautoui/logging"
	"github.com/ByteTrue/byteautoui/recording"
	"github.com/ByteTrue/byteautoui/server"
	"github.com/ByteTrue/byteautoui/stream"
	"github.com/ByteTrue/byteautoui/tunnel"
	"github.com/ByteTrue/byteautoui/wda"
	"github.com/ByteTrue/byteautoui/xmetrics"
)

const shutdownGrace = 5 * time.Second

// newViper produces a Viper instance with the application's conventions: a
// config file named after the application looked up under /etc, $HOME and
// the working directory, plus automatic environment overrides.
func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName(applicationName)
	v.AddConfigPath(fmt.Sprintf("/etc/%s", applicationName))
	v.AddConfigPath(fmt.Sprintf("$HOME/.%s", applicationName))
	v.AddConfigPath(".")

	v.SetEnvPrefix(applicationName)
	v.AutomaticEnv()

	return v
}

func serverFlagSet() *pflag.FlagSet {
	flagSet := pflag.NewFlagSet("server", pflag.ContinueOnError)
	flagSet.String("host", DefaultHost, "listen host")
	flagSet.Int("port", DefaultPort, "listen port")
	flagSet.BoolP("force", "f", false, "shutdown an already running server first")
	flagSet.BoolP("no-browser", "s", false, "silent mode, do not open the browser")
	flagSet.BoolP("verbose", "v", false, "debug logging")
	flagSet.String("log-file", logging.StdoutFile, "log destination, a file path or stdout")
	return flagSet
}

func runServer(arguments []string) error {
	flagSet := serverFlagSet()
	if err := flagSet.Parse(arguments); err != nil {
		return err
	}

	v := newViper()
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return fmt.Errorf("reading configuration: %s", err)
		}
	}
	if err := v.BindPFlags(flagSet); err != nil {
		return err
	}

	logLevel := "INFO"
	if v.GetBool("verbose") {
		logLevel = "DEBUG"
	}
	logger := logging.New(&logging.Options{
		File:  v.GetString("log-file"),
		Level: logLevel,
	})

	host := v.GetString("host")
	port := v.GetInt("port")

	fmt.Printf("%s version: %s\n", applicationName, version)
	if v.GetBool("force") {
		requestShutdown(host, port)
	}

	return serve(logger, host, port, !v.GetBool("no-browser"))
}

// serve constructs every singleton in dependency order, then runs the HTTP
// server until a signal or the /shutdown endpoint stops it.
func serve(logger log.Logger, host string, port int, openBrowser bool) error {
	iosStore, err := iosconfig.NewDefault()
	if err != nil {
		return err
	}
	recordings, err := recording.NewDefaultStore(logger)
	if err != nil {
		return err
	}

	var (
		tunnels  = tunnel.NewManager(logger)
		registry = wda.NewRegistry()
		metrics  = xmetrics.New()

		providers = driver.Providers{
			driver.Android: driver.NewProvider(
				driver.Android,
				func() ([]driver.DeviceInfo, error) { return android.ListDevices("") },
				func(serial string) (driver.Driver, error) {
					return android.New(serial, android.WithLogger(logger)), nil
				},
			),
			driver.IOS: driver.NewProvider(
				driver.IOS,
				func() ([]driver.DeviceInfo, error) { return ios.ListDevices("") },
				func(serial string) (driver.Driver, error) {
					supervisor := wda.NewServer(wda.Config{
						UDID:     serial,
						Tunnels:  tunnels,
						Store:    iosStore,
						Registry: registry,
						Logger:   logger,
					})
					return ios.NewDriver(serial, supervisor, ios.WithLogger(logger))
				},
			),
			driver.Harmony: driver.NewProvider(
				driver.Harmony,
				func() ([]driver.DeviceInfo, error) { return harmony.ListDevices("") },
				func(serial string) (driver.Driver, error) {
					return harmony.NewDriver(serial, harmony.WithLogger(logger)), nil
				},
			),
		}
	)

	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	web := server.New(server.Config{
		Logger:     logger,
		Providers:  providers,
		Dispatcher: command.NewDispatcher(logger),
		Stream:     stream.NewProxy(logger),
		IOSConfig:  iosStore,
		Recordings: recordings,
		Metrics:    metrics,
		Version:    version,
		Shutdown: func() {
			select {
			case signals <- syscall.SIGTERM:
			default:
			}
		},
	})

	address := fmt.Sprintf("%s:%d", host, port)
	httpServer := &http.Server{
		Addr:    address,
		Handler: web.Router(),
	}

	runnable := concurrent.RunnableFunc(func(waitGroup *sync.WaitGroup, shutdown <-chan struct{}) error {
		logger.Log(level.Key(), level.InfoValue(),
			logging.MessageKey(), "server listening",
			"address", address)

		waitGroup.Add(2)
		go func() {
			defer waitGroup.Done()
			if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Log(level.Key(), level.ErrorValue(),
					logging.MessageKey(), "server exited",
					logging.ErrorKey(), err)
				select {
				case signals <- syscall.SIGTERM:
				default:
				}
			}
		}()
		go func() {
			defer waitGroup.Done()
			<-shutdown

			ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			httpServer.Shutdown(ctx)

			providers.CloseAll()
			registry.CloseAll()
			tunnels.Cleanup()
		}()

		if openBrowser {
			go openBrowserWhenReady(logger, fmt.Sprintf("http://%s", address))
		}
		return nil
	})

	return concurrent.Await(runnable, signals)
}

// openBrowserWhenReady polls /api/info until the listener answers, then
// points the default browser at the web UI.
func openBrowserWhenReady(logger log.Logger, base string) {
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		response, err := client.Get(base + "/api/info")
		if err == nil {
			response.Body.Close()
			break
		}
		time.Sleep(500 * time.Millisecond)
	}

	logger.Log(level.Key(), level.InfoValue(),
		logging.MessageKey(), "opening browser", "url", base)

	var browse *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		browse = exec.Command("open", base)
	case "windows":
		browse = exec.Command("rundll32", "url.dll,FileProtocolHandler", base)
	default:
		browse = exec.Command("xdg-open", base)
	}
	if err := browse.Start(); err != nil {
		logger.Log(level.Key(), level.WarnValue(),
			logging.MessageKey(), "could not open browser",
			logging.ErrorKey(), err)
	}
}
