package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/sweeney/asterisk-callcenter/internal/ami"
	"github.com/sweeney/asterisk-callcenter/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Read AMI credentials from a bridge config file")
	host := flag.String("host", "127.0.0.1", "AMI host")
	port := flag.Int("port", 5038, "AMI port")
	user := flag.String("user", "admin", "AMI username")
	secret := flag.String("secret", "", "AMI secret")
	outDir := flag.String("outdir", "testdata/captures", "Output directory for captures")
	duration := flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
	sanitizePath := flag.String("sanitize", "", "Sanitize a capture file in-place (keeps .bak)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if *sanitizePath != "" {
		if err := sanitizeFile(*sanitizePath); err != nil {
			logger.Error("sanitize failed", "file", *sanitizePath, "err", err)
			os.Exit(1)
		}
		logger.Info("sanitized", "file", *sanitizePath)
		return
	}

	opts := ami.Options{
		Addr:     net.JoinHostPort(*host, fmt.Sprintf("%d", *port)),
		Username: *user,
		Secret:   *secret,
	}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			logger.Error("loading config", "err", err)
			os.Exit(1)
		}
		opts.Addr = cfg.AMI.Addr()
		opts.Username = cfg.AMI.Username
		opts.Secret = cfg.AMI.Secret
		opts.DialTimeout = cfg.AMI.ConnectTimeout
	}
	if opts.Secret == "" {
		fmt.Fprintln(os.Stderr, "error: -secret or -config is required")
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	if err := capture(ctx, logger, opts, *outDir); err != nil {
		logger.Error("capture failed", "err", err)
		os.Exit(1)
	}
}

// recorder appends frames to a capture file. Frames arrive on the session's
// read goroutine and can beat the login goroutine's greeting; they are held
// until the greeting line is written so the file replays in wire order.
type recorder struct {
	mu      sync.Mutex
	w       io.Writer
	greeted bool
	held    []string
	frames  int
	err     error
}

func (r *recorder) writeLocked(s string) {
	if r.err != nil {
		return
	}
	_, r.err = io.WriteString(r.w, s)
}

func (r *recorder) greet(version string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.greeted {
		return
	}
	r.greeted = true
	r.writeLocked("Asterisk Call Manager/" + version + "\r\n")
	r.flushLocked()
}

// flushLocked writes held frames.
func (r *recorder) flushLocked() {
	for _, f := range r.held {
		r.writeLocked(f)
	}
	r.held = nil
}

func (r *recorder) event(evt ami.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames++
	if !r.greeted {
		r.held = append(r.held, evt.String())
		return
	}
	r.writeLocked(evt.String())
}

// finish writes anything still held and reports the frame count.
func (r *recorder) finish() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
	return r.frames, r.err
}

func capture(ctx context.Context, logger *slog.Logger, opts ami.Options, outDir string) error {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	filename := filepath.Join(outDir, time.Now().Format("20060102-150405")+".raw")
	f, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create: %w", err)
	}
	defer f.Close()

	rec := &recorder{w: f}
	ended := make(chan error, 1)
	end := func(err error) {
		select {
		case ended <- err:
		default:
		}
	}
	l := ami.Listener{
		OnReady: func(version string) {
			rec.greet(version)
			logger.Info("logged in, streaming events", "version", version, "file", filename)
		},
		OnEvent: rec.event,
		OnError: end,
		OnClose: func(err error) { end(fmt.Errorf("connection closed: %w", err)) },
	}

	logger.Info("connecting", "addr", opts.Addr)
	conn, err := ami.Dial(ctx, opts, l)
	if err != nil {
		return err
	}
	defer conn.Close()

	select {
	case <-ctx.Done():
		err = nil
		logoff(conn, logger)
	case err = <-ended:
	}

	frames, werr := rec.finish()
	logger.Info("capture finished", "file", filename, "frames", frames)
	if werr != nil {
		return fmt.Errorf("writing capture: %w", werr)
	}
	return err
}

func logoff(conn *ami.Conn, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := conn.Action(ctx, ami.Logoff()); err != nil {
		logger.Debug("logoff failed", "err", err)
	}
}

var (
	ipPattern       = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	phonePattern    = regexp.MustCompile(`\+?\b\d{10,15}\b`)
	secretPattern   = regexp.MustCompile(`(?i)^(Secret:\s*).+`)
	passwordPattern = regexp.MustCompile(`(?i)^(Password:\s*).+`)
)

// numberFields are headers that carry subscriber numbers.
var numberFields = []string{"CallerID", "ConnectedLine", "Exten", "DestCallerID", "Contact"}

func sanitizeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	bakPath := path + ".bak"
	if err := os.WriteFile(bakPath, data, 0o644); err != nil {
		return fmt.Errorf("creating backup: %w", err)
	}

	return os.WriteFile(path, sanitize(data), 0o644)
}

// sanitize redacts credentials, addresses other than localhost and phone
// numbers in number-bearing headers.
func sanitize(data []byte) []byte {
	lines := strings.Split(string(data), "\n")
	for i, line := range lines {
		line = secretPattern.ReplaceAllString(line, "${1}REDACTED")
		line = passwordPattern.ReplaceAllString(line, "${1}REDACTED")

		line = ipPattern.ReplaceAllStringFunc(line, func(ip string) string {
			if ip == "127.0.0.1" {
				return ip
			}
			return "10.0.0.1"
		})

		key, _, _ := strings.Cut(line, ":")
		for _, f := range numberFields {
			if strings.Contains(key, f) {
				line = phonePattern.ReplaceAllString(line, "15550001234")
				break
			}
		}

		lines[i] = line
	}
	return []byte(strings.Join(lines, "\n"))
}
