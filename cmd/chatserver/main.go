// Command chatserver is a broadcast chat server built directly on
// tcpnet.Server/tcpnet.Connection, supplementing the distilled core with
// the original examples/tcp_chat_server.cc scenario: it exercises the
// live-connection set, mutex-guarded broadcast writes and graceful
// shutdown using only [MODULE]s already in scope for this core.
package main

import (
	"bufio"
	"fmt"
	"io"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/hwc0919/nitrocoro-sub000/scheduler"
	"github.com/hwc0919/nitrocoro-sub000/syncx"
	"github.com/hwc0919/nitrocoro-sub000/tcpnet"
)

const (
	readBufferSize = 1024
	loginPrefix    = "login "
	loginTip       = "Please login first: login <username>\n"
)

type chatRoom struct {
	sched     *scheduler.Scheduler
	logger    *zap.Logger
	mu        syncx.Mutex
	usernames map[*tcpnet.Connection]string
}

func newChatRoom(sched *scheduler.Scheduler, logger *zap.Logger) *chatRoom {
	return &chatRoom{sched: sched, logger: logger, usernames: make(map[*tcpnet.Connection]string)}
}

func (r *chatRoom) login(conn *tcpnet.Connection, username string) {
	guard := r.mu.ScopedLock(r.sched)
	defer guard.Release()
	r.usernames[conn] = username
}

func (r *chatRoom) leave(conn *tcpnet.Connection) string {
	guard := r.mu.ScopedLock(r.sched)
	defer guard.Release()
	username := r.usernames[conn]
	delete(r.usernames, conn)
	return username
}

// broadcast fans the message out to every other logged-in client on its
// own spawned coroutine with a small random delay, mirroring the
// original's per-recipient jitter.
func (r *chatRoom) broadcast(message string, sender *tcpnet.Connection) {
	guard := r.mu.ScopedLock(r.sched)
	recipients := make([]*tcpnet.Connection, 0, len(r.usernames))
	for conn := range r.usernames {
		if conn != sender {
			recipients = append(recipients, conn)
		}
	}
	guard.Release()

	for _, conn := range recipients {
		conn := conn
		r.sched.Spawn(func() {
			r.sched.SleepFor(time.Duration(rand.Int63n(int64(200 * time.Millisecond))))
			if _, err := conn.Write([]byte(message)); err != nil {
				r.logger.Debug("broadcast write failed", zap.Error(err))
			}
		})
	}
}

func (r *chatRoom) handle(conn *tcpnet.Connection) {
	var username string
	reader := bufio.NewReaderSize(&connReader{conn: conn}, readBufferSize)

	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		trimmed := strings.TrimRight(line, "\n")

		switch {
		case trimmed == "quit":
			r.logger.Info("user quit", zap.String("username", username))
			return
		case strings.HasPrefix(line, loginPrefix):
			name := strings.TrimSpace(strings.TrimPrefix(line, loginPrefix))
			if name == "" {
				continue
			}
			username = name
			r.login(conn, username)
			r.logger.Info("user joined", zap.String("username", username))
		case username == "":
			if _, err := conn.Write([]byte(loginTip)); err != nil {
				return
			}
		default:
			r.broadcast(username+": "+line, conn)
		}
	}

	if username != "" {
		r.leave(conn)
		r.logger.Info("user left", zap.String("username", username))
	}
}

// connReader adapts Connection.Read's (0, nil) clean-EOF convention to
// io.Reader's (0, io.EOF), so bufio.Reader terminates ReadString cleanly
// instead of spinning.
type connReader struct {
	conn *tcpnet.Connection
}

func (c *connReader) Read(p []byte) (int, error) {
	n, err := c.conn.Read(p)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "chatserver",
		Short: "Run the broadcast chat server example",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChatServer(v)
		},
	}
	flags := cmd.Flags()
	flags.Int("port", 8888, "listen port (0 picks an ephemeral port)")
	_ = v.BindPFlag("port", flags.Lookup("port"))
	v.SetEnvPrefix("CHATSERVER")
	v.AutomaticEnv()
	return cmd
}

func runChatServer(v *viper.Viper) error {
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

	room := newChatRoom(sched, logger)
	if err := server.Start(room.handle); err != nil {
		return err
	}
	logger.Info("chat server listening", zap.Int("port", server.Port()))

	return server.Wait()
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
