// Command echoserver hosts the TCP echo scenario from spec §8 scenario 1:
// every line a client sends is written back unmodified.
package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hwc0919/nitrocoro-sub000/scheduler"
	"github.com/hwc0919/nitrocoro-sub000/tcpnet"
)

const readBufferSize = 4096

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "echoserver",
		Short: "Run the echo server example",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEchoServer(v)
		},
	}

	flags := cmd.Flags()
	flags.Int("port", 8888, "listen port (0 picks an ephemeral port)")
	flags.Duration("shutdown-grace", 5*time.Second, "time to wait for connections to drain on shutdown")
	_ = v.BindPFlag("port", flags.Lookup("port"))
	_ = v.BindPFlag("shutdown_grace", flags.Lookup("shutdown-grace"))
	v.SetEnvPrefix("ECHOSERVER")
	v.AutomaticEnv()
	v.SetConfigName("echoserver")
	v.AddConfigPath(".")

	return cmd
}

func runEchoServer(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return err
		}
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer logger.Sync()

	sched, err := scheduler.New(logger)
	if err != nil {
		return err
	}
	defer sched.Close()

	addr := &net.TCPAddr{IP: net.IPv4zero, Port: v.GetInt("port")}
	server, err := tcpnet.NewServer(sched, addr, logger)
	if err != nil {
		return err
	}

	go func() {
		if err := sched.Run(); err != nil {
			logger.Error("scheduler run failed", zap.Error(err))
		}
	}()

	if err := server.Start(echoHandler(logger)); err != nil {
		return err
	}
	logger.Info("echo server listening", zap.Int("port", server.Port()))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received, draining connections")
		stopped := make(chan struct{})
		go func() { server.Stop(); close(stopped) }()
		select {
		case <-stopped:
		case <-time.After(v.GetDuration("shutdown_grace")):
			logger.Warn("shutdown grace period exceeded, stopping scheduler anyway")
		}
		sched.Stop()
	}()

	return server.Wait()
}

func echoHandler(logger *zap.Logger) tcpnet.Handler {
	return func(conn *tcpnet.Connection) {
		buf := make([]byte, readBufferSize)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				logger.Warn("read failed", zap.Error(err))
				return
			}
			if n == 0 {
				logger.Info("connection closed", zap.Stringer("remote", conn.RemoteAddr()))
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				logger.Warn("write failed", zap.Error(err))
				return
			}
		}
	}
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
