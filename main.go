package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/livego/rtmpsrv/av"
	"github.com/livego/rtmpsrv/configure"
	"github.com/livego/rtmpsrv/pipeline"
	"github.com/livego/rtmpsrv/protocol/api"
	"github.com/livego/rtmpsrv/protocol/rtmp"
)

var VERSION = "master"

// 텍스트 포매터를 설정한다. 호출 위치는 함수 이름과 파일:라인으로 줄여 찍는다.
func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
		CallerPrettyfier: func(f *runtime.Frame) (string, string) {
			filename := path.Base(f.File)
			return fmt.Sprintf("%s()", f.Function), fmt.Sprintf(" %s:%d", filename, f.Line)
		},
	})
}

func main() {
	root := &cobra.Command{
		Use:           "rtmpsrv",
		Short:         "RTMP ingest server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags())
		},
	}
	configure.AddFlags(root.Flags())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(VERSION)
		},
	})

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(flags *pflag.FlagSet) error {
	entry := log.NewEntry(log.StandardLogger())
	cfg, err := configure.Load(flags, entry)
	if err != nil {
		return err
	}
	log.SetLevel(cfg.LogLevel())
	if cfg.LogLevel() >= log.DebugLevel {
		log.SetReportCaller(true)
	}

	log.Infof(`
     _     _            ____
    | |   (_)_   _____ / ___| ___
    | |   | \ \ / / _ \ |  _ / _ \
    | |___| |\ V /  __/ |_| | (_) |
    |_____|_| \_/ \___|\____|\___/
        rtmpsrv version: %s
	`, VERSION)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := rtmp.NewMetrics(reg)

	keys, err := configure.NewPublisherKeys(cfg.RedisAddr, cfg.RedisPwd, entry)
	if err != nil {
		return err
	}
	defer keys.Close()

	policy, err := av.ParseOverflowPolicy(cfg.MediaOverflow)
	if err != nil {
		return err
	}
	queue := av.NewMediaQueue(cfg.MediaQueueSize, policy)

	format, err := pipeline.ParseFormat(cfg.OutputFormat)
	if err != nil {
		return err
	}
	var out io.WriteCloser = nopWriteCloser{io.Discard}
	if cfg.Output != "" {
		if out, err = pipeline.OpenOutput(cfg.Output); err != nil {
			return err
		}
	}
	defer out.Close()

	opts := []rtmp.Option{
		rtmp.WithStreamKey(cfg.StreamKey),
		rtmp.WithLogger(entry.WithField("component", "server")),
		rtmp.WithMetrics(metrics),
	}
	if keys.Shared() {
		opts = append(opts, rtmp.WithPublisherRegistry(keys))
	}
	server := rtmp.NewServer(queue, opts...)

	ln, err := rtmp.Listen(rtmp.ListenConfig{
		Addr:           cfg.ListenAddr(),
		EnableTLS:      cfg.EnableRTMPS,
		CertFile:       cfg.RTMPSCert,
		KeyFile:        cfg.RTMPSKey,
		MaxConnections: cfg.MaxConnections,
	})
	if err != nil {
		return err
	}
	if cfg.EnableRTMPS {
		log.Info("RTMPS Listen On ", ln.Addr())
	} else {
		log.Info("RTMP Listen On ", ln.Addr())
	}

	accepted := make(chan net.Conn, 64)
	acceptor := rtmp.NewAcceptor(ln, accepted, entry)
	manager := rtmp.NewManager(server, accepted, rtmp.ManagerConfig{
		Conn: rtmp.ConnConfig{
			ReadBufferSize:   cfg.ReadBufferSize,
			HandshakeTimeout: cfg.HandshakeTimeoutDuration(),
			ReadTimeout:      cfg.ReadTimeoutDuration(),
			WriteTimeout:     cfg.WriteTimeoutDuration(),
		},
		PollInterval: cfg.PollInterval(),
	}, metrics, entry)

	source := pipeline.NewSource(queue, entry)
	sink := pipeline.NewSink(out, format, queue, cfg.DropThreshold, entry)

	var apiLn net.Listener
	if cfg.APIAddr != "" {
		if apiLn, err = net.Listen("tcp", cfg.APIAddr); err != nil {
			ln.Close()
			return err
		}
		log.Info("HTTP-API listen On ", cfg.APIAddr)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return acceptor.Serve(ctx)
	})
	g.Go(func() error {
		// 루프가 끝나면 소비자에게 스트림 끝을 알린다.
		defer queue.Close()
		return manager.Run(ctx)
	})
	g.Go(func() error {
		return pipeline.Run(ctx, source, sink)
	})
	if apiLn != nil {
		opServer := api.NewServer(manager, keys, reg, cfg.JWT, entry)
		g.Go(func() error {
			return opServer.Serve(apiLn)
		})
		g.Go(func() error {
			<-ctx.Done()
			apiLn.Close()
			return nil
		})
	}

	err = g.Wait()
	log.Info("rtmpsrv stopped")
	return err
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
