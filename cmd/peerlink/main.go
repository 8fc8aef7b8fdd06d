package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/h264reader"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"peerlink/native/internal/api"
	"peerlink/native/internal/config"
	"peerlink/native/internal/domain"
	"peerlink/native/internal/endpoint"
	"peerlink/native/internal/session"
	sigclient "peerlink/native/internal/signal"
	"peerlink/native/internal/transport"
	"peerlink/native/internal/webrtc"
)

const helpText = `peerlink - Send or receive H264 video over WebRTC

Usage:
  peerlink [options]

In receive mode every remote video sender is written to stdout as a raw
H264 (Annex-B) stream. In send mode an Annex-B H264 stream is read from
stdin and sent to the room.

Environment Variables (required):
  PEERLINK_API_URL   Session API base URL
  PEERLINK_TOKEN     Bearer token for the API
  PEERLINK_ROOM      Room to join

Environment Variables (optional):
  PEERLINK_MODE              send or receive (default receive)
  PEERLINK_REQUEST_TIMEOUT   Remote request timeout (default 15s)
  PEERLINK_METRICS_ADDR      Serve Prometheus metrics on this address
  PION_LOG_DEBUG             Comma separated scopes to log at debug level

Examples:
  # Live playback
  peerlink | ffplay -f h264 -

  # Send a file
  PEERLINK_MODE=send peerlink < input.h264

Options:
  -h, --help  Show this help message
`

// frameDuration paces slices read from stdin.
const frameDuration = time.Second / 30

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	loggerFactory := logging.NewDefaultLoggerFactory()
	log := loggerFactory.NewLogger("main")

	if err := run(loggerFactory, log); err != nil {
		log.Errorf("%v", err)
		os.Exit(1)
	}
	log.Info("done")
}

func run(loggerFactory logging.LoggerFactory, log logging.LeveledLogger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics := transport.NopMetrics()
	if cfg.MetricsAddr != "" {
		metrics = transport.PrometheusMetrics("peerlink", "mode", string(cfg.Mode))
	}

	apiClient := api.NewClient(cfg.APIURL, &http.Client{Timeout: cfg.RequestTimeout})
	log.Infof("fetching session for room %s", cfg.Room)
	sess, err := apiClient.FetchSession(ctx, cfg.Token, cfg.Room)
	if err != nil {
		return fmt.Errorf("fetch session: %w", err)
	}
	log.Infof("session obtained: id=%s signal=%s", sess.ID, sess.SignalURL)

	out := &syncWriter{w: os.Stdout}
	room := session.New(session.Options{
		Capabilities: sess.RTPCapabilities,
		NewHandler: func(domain.Direction) (transport.Handler, error) {
			return webrtc.NewHandler(webrtc.Options{
				ICEServers:    sess.ICEServers,
				Capabilities:  sess.RTPCapabilities,
				LoggerFactory: loggerFactory,
			})
		},
		LoggerFactory:  loggerFactory,
		Metrics:        metrics,
		RequestTimeout: cfg.RequestTimeout,
		OnReceiver: func(r *endpoint.Receiver) {
			go consume(r, out, log)
		},
	})

	sc, err := sigclient.Dial(ctx, sigclient.Options{
		URL:           sess.SignalURL,
		AccessToken:   sess.AccessToken,
		PingInterval:  time.Duration(sess.PingInterval) * time.Second,
		Handler:       room,
		LoggerFactory: loggerFactory,
	})
	if err != nil {
		return fmt.Errorf("signal connect: %w", err)
	}
	room.SetSignaler(sc)
	sc.Start()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.MetricsAddr != "" {
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			log.Infof("serving metrics on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if cfg.Mode == domain.DirectionSend {
		g.Go(func() error {
			return send(gctx, room, os.Stdin, log)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-sc.Done():
			return errors.New("signaling connection lost")
		}
	})

	err = g.Wait()
	log.Info("shutting down")

	// The transports' closeTransport requests need the signaling channel.
	room.Close()
	sc.Close()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// send streams Annex-B H264 from r on a new sender until r is exhausted or
// ctx is done. A data producer announces the stream to the room.
func send(ctx context.Context, room *session.Session, r io.Reader, log logging.LeveledLogger) error {
	track, err := pion.NewTrackLocalStaticSample(pion.RTPCodecCapability{MimeType: pion.MimeTypeH264, ClockRate: 90000}, "video", "peerlink")
	if err != nil {
		return fmt.Errorf("create track: %w", err)
	}
	sender := endpoint.NewSender(track, endpoint.SenderOptions{AppData: domain.AppData{"source": "stdin"}})

	attachCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := room.Send(attachCtx, sender); err != nil {
		return fmt.Errorf("send: %w", err)
	}
	defer sender.Close()
	log.Infof("sending H264 as %s", sender.ID())

	status, err := room.ProduceData(attachCtx, domain.DataProducerOptions{Label: "status", Ordered: true})
	if err != nil {
		log.Warnf("status channel unavailable: %v", err)
	} else {
		defer status.Close()
		status.OnOpen(func() {
			if err := status.Send([]byte(`{"state":"streaming","sender":"` + sender.ID() + `"}`)); err != nil {
				log.Warnf("status: %v", err)
			}
		})
	}

	reader, err := h264reader.NewReader(r)
	if err != nil {
		return fmt.Errorf("h264 reader: %w", err)
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		nal, err := reader.NextNAL()
		if errors.Is(err, io.EOF) {
			log.Info("input finished")
			return nil
		}
		if err != nil {
			return fmt.Errorf("read h264: %w", err)
		}

		var duration time.Duration
		if nal.UnitType == h264reader.NalUnitTypeCodedSliceIdr || nal.UnitType == h264reader.NalUnitTypeCodedSliceNonIdr {
			duration = frameDuration
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}

		if err := track.WriteSample(media.Sample{Data: nal.Data, Duration: duration}); err != nil {
			return fmt.Errorf("write sample: %w", err)
		}
	}
}

// consume writes a received video flow to out and drains audio.
func consume(r *endpoint.Receiver, out io.Writer, log logging.LeveledLogger) {
	rtpReceiver := r.Track()
	if rtpReceiver == nil || rtpReceiver.Track() == nil {
		log.Warnf("receiver %s has no track", r.ID())
		return
	}
	track := rtpReceiver.Track()

	if r.Kind() != domain.MediaKindVideo {
		webrtc.Drain(track)
		return
	}

	log.Infof("writing H264 from %s", r.ID())
	if err := webrtc.WriteH264(track, out); err != nil {
		log.Warnf("receiver %s: %v", r.ID(), err)
	}
}

// syncWriter serializes writes from several receivers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
