package main

import (
	"bufio"
	"errors"
	"os"
	"time"

	"github.com/grafana/pyroscope-go"
	"github.com/spf13/pflag"
	"github.com/yanun0323/logs"
	"github.com/yanun0323/pkg/sys"

	"github.com/zfogg/sidechain-sub009/internal/chaos"
	"github.com/zfogg/sidechain-sub009/internal/journal"
	"github.com/zfogg/sidechain-sub009/internal/obs"
	"github.com/zfogg/sidechain-sub009/internal/ops"
	"github.com/zfogg/sidechain-sub009/pkg/conn"
	"github.com/zfogg/sidechain-sub009/pkg/websocket"
)

func main() {
	settings, err := ops.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fatalf("load settings, err: %+v", err)
	}

	if settings.Pyroscope != "" {
		profiler, err := pyroscope.Start(pyroscope.Config{
			ApplicationName: "sidechain/ws",
			ServerAddress:   settings.Pyroscope,
			Tags: map[string]string{
				"host": settings.Client.Host,
			},
			Logger: emptyLogger{},
			ProfileTypes: []pyroscope.ProfileType{
				pyroscope.ProfileCPU,
				pyroscope.ProfileAllocObjects,
				pyroscope.ProfileAllocSpace,
				pyroscope.ProfileInuseObjects,
				pyroscope.ProfileInuseSpace,
			},
		})
		if err != nil {
			fatalf("start pyroscope, err: %+v", err)
		}
		defer func() {
			_ = profiler.Stop()
		}()
	}

	var dialer websocket.Dialer = websocket.NewDialer()
	if settings.Chaos.Enabled() {
		engine, err := chaos.NewEngine(settings.Chaos)
		if err != nil {
			fatalf("chaos config invalid, err: %+v", err)
		}
		dialer = chaos.NewDialer(dialer, engine)
		logs.Warnf("chaos enabled, seed: %d", engine.Config().Seed)
	}

	metrics := obs.NewMetrics()
	router := websocket.NewRouter()
	router.HandleAll(func(msg websocket.Message) {
		logs.Infof("[%s] epoch %d: %s", msg.Kind, msg.Epoch, msg.Raw)
	})
	router.HandleState(func(state websocket.ConnectionState) {
		logs.Infof("state: %s", state)
	})
	router.HandleError(func(err error) {
		logs.Errorf("client error: %+v", err)
	})

	opts := []websocket.Option{
		websocket.WithDialer(dialer),
		websocket.WithListener(router),
		websocket.WithListener(metrics),
	}

	if settings.Journal.Enabled() {
		db, err := conn.New(settings.Journal.Option())
		if err != nil {
			fatalf("open journal, err: %+v", err)
		}
		defer db.Close()

		store, err := journal.Open(db)
		if err != nil {
			fatalf("migrate journal, err: %+v", err)
		}
		opts = append(opts, websocket.WithListener(store))
		logs.Infof("journal enabled, driver: %s", db.Driver())
	}

	client, err := websocket.NewClient(settings.Client, opts...)
	if err != nil {
		fatalf("create client, err: %+v", err)
	}
	defer client.Close()

	if settings.Token != "" {
		client.SetAuthToken(settings.Token)
	}
	if err := client.Connect(); err != nil {
		fatalf("connect, err: %+v", err)
	}

	lines := make(chan string)
	go readLines(bufio.NewScanner(os.Stdin), lines)

	ticker := time.NewTicker(settings.StatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sys.Shutdown():
			logs.Info("shutting down")
			return
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			send(client, line)
		case <-ticker.C:
			report(client, metrics)
		}
	}
}

func readLines(scanner *bufio.Scanner, out chan<- string) {
	defer close(out)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func send(client *websocket.Client, line string) {
	msgType, payload, ok, err := parseLine(line)
	if err != nil {
		logs.Warnf("invalid input %q, err: %+v", line, err)
		return
	}
	if !ok {
		return
	}
	if client.SendType(msgType, payload) {
		logs.Debugf("sent %s", msgType)
		return
	}
	logs.Infof("queued %s, queue length: %d", msgType, client.QueueLen())
}

func report(client *websocket.Client, metrics *obs.Metrics) {
	stats := client.Stats()
	snap := metrics.Snapshot()
	logs.Infof("state: %s, sent: %d, received: %d, queued: %d, dropped: %d, reconnects: %d, rtt: %s",
		client.State(), stats.MessagesSent, stats.MessagesReceived, stats.QueuedMessages,
		stats.DroppedMessages, stats.ReconnectAttempts, stats.HeartbeatRTT)
	logs.Infof("kinds: %v, errors: %d, malformed: %d, sessions: %d (avg %s), delivery avg: %s",
		snap.KindCounts, snap.Errors, snap.Malformed, snap.SessionDuration.Count,
		snap.SessionDuration.Avg, snap.DeliveryLatency.Avg)
}

func fatalf(format string, args ...any) {
	logs.Errorf(format, args...)
	os.Exit(1)
}

type emptyLogger struct{}

func (emptyLogger) Infof(_ string, _ ...interface{})  {}
func (emptyLogger) Debugf(_ string, _ ...interface{}) {}
func (emptyLogger) Errorf(_ string, _ ...interface{}) {}
