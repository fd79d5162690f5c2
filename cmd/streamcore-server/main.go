// Command streamcore-server runs a demo HTTP+WebSocket server on top of the
// streamcore connection-oriented I/O framework: an echo WebSocket endpoint
// at /ws, a plain-text response for every other path, config loaded from
// streamcore.yaml with a hot-reloadable max-requests cap, and an optional
// Redis-backed event mirror when REDIS_ADDR is set.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/redis/go-redis/v9"

	"github.com/christopherjohns/streamcore/internal/config"
	"github.com/christopherjohns/streamcore/internal/eventmirror"
	"github.com/christopherjohns/streamcore/internal/httpconsumer"
	"github.com/christopherjohns/streamcore/internal/logging"
	"github.com/christopherjohns/streamcore/internal/netio"
	"github.com/christopherjohns/streamcore/internal/netserver"
	"github.com/christopherjohns/streamcore/internal/ratelimit"
	"github.com/christopherjohns/streamcore/internal/wsconsumer"
	"github.com/christopherjohns/streamcore/internal/wsframe"
)

// echoHandler implements wsconsumer.Handler by bouncing every text or
// binary message straight back to the sender and answering pings with pongs.
type echoHandler struct{}

func (echoHandler) OnOpen(ws *wsconsumer.Conn)                {}
func (echoHandler) OnMessage(ws *wsconsumer.Conn, msg string) { ws.WriteText(msg) }
func (echoHandler) OnBytes(ws *wsconsumer.Conn, data []byte)  { ws.WriteBytes(data) }
func (echoHandler) OnPing(ws *wsconsumer.Conn, data []byte)   { ws.WritePong(data) }
func (echoHandler) OnPong(ws *wsconsumer.Conn, data []byte)   {}
func (echoHandler) OnClose(ws *wsconsumer.Conn)               {}

func main() {
	cfgPath := os.Getenv("STREAMCORE_CONFIG")
	if cfgPath == "" {
		cfgPath = "streamcore.yaml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	hlog := logging.New(logging.Options{Name: "streamcore", Level: cfg.LogLevel})
	lifecycle := logging.NewLifecycle(hlog)
	stdLogger := hlog.StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})

	wsFramer := &wsframe.Codec{}
	wsFactory := wsconsumer.NewFactory(wsFramer, echoHandler{}, stdLogger)

	httpFactory := httpconsumer.NewFactory(httpconsumer.Options{
		Handler: indexHandler,
		Upgrade: func(r *http.Request) (netio.ConsumerFactory, bool) {
			if r.URL.Path != "/ws" {
				return nil, false
			}
			return wsFactory, true
		},
		KeepAlive: cfg.KeepAlive,
		Logger:    stdLogger,
	})

	protoOpts := netio.ProtocolOptions{
		LowWatermark:  cfg.LowWatermark,
		HighWatermark: cfg.HighWatermark,
		IdleTimeout:   cfg.IdleTimeout,
	}

	producer := netio.NewProducer(func(prod *netio.Producer, conn net.Conn, session int64, l *log.Logger) *netio.Connection {
		base := netio.NewProtocolBase(conn, session, l, protoOpts)
		return netio.NewConnection(base, prod, httpFactory)
	}, cfg.MaxRequests, stdLogger)

	srvOpts := []netserver.Option{netserver.WithLogger(stdLogger)}
	if cfg.MaxConnections > 0 {
		limiter := ratelimit.NewIPLimiter(int(cfg.MaxConnections), time.Minute)
		srvOpts = append(srvOpts, netserver.WithAcceptFilter(limiter.AllowConn))
	}
	srv := netserver.New(producer, srvOpts...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
		defer pingCancel()
		if err := rdb.Ping(pingCtx).Err(); err != nil {
			log.Fatalf("connecting to redis at %s: %v", cfg.RedisAddr, err)
		}
		stdLogger.Printf("connected to redis at %s", cfg.RedisAddr)

		mirror := eventmirror.New(rdb, "streamcore:events", stdLogger)
		mirror.MirrorRepeated(ctx, producer.Hub(), "connection_made", "connection_lost", "data_received")
		if _, err := mirror.Subscribe(ctx, producer.Hub()); err != nil {
			log.Fatalf("subscribing to redis event mirror: %v", err)
		}
	}

	if watcher, err := config.WatchFile(cfgPath, func(t config.Tunables) {
		srv.ApplyMaxRequests(t.MaxRequests)
		lifecycle.ConfigReloaded(cfgPath)
	}); err != nil {
		stdLogger.Printf("config hot-reload disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	lifecycle.Started(cfg.ListenAddr)
	if err := srv.ListenAndServe("tcp", cfg.ListenAddr); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func indexHandler(w io.Writer, r *http.Request) error {
	body := []byte("streamcore\n")
	resp := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\nContent-Length: %d\r\n\r\n", len(body))
	if _, err := io.WriteString(w, resp); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
