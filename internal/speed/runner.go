// Package speed runs an on-demand network speed test for the /speed command.
package speed

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/showwin/speedtest-go/speedtest"

	"github.com/gurveeer/TG-DL-BOT/pkg/logx"
)

// Result is one completed measurement.
type Result struct {
	Server   string
	Country  string
	Latency  time.Duration
	Download float64 // Mbps
	Upload   float64 // Mbps
	Took     time.Duration
}

func (r Result) String() string {
	return fmt.Sprintf("%s (%s): ping %dms, down %.1f Mbps, up %.1f Mbps",
		r.Server, r.Country, r.Latency.Milliseconds(), r.Download, r.Upload)
}

// Runner performs speed tests against the closest server. A fresh client is
// built per run; speedtest-go's package-level client retains large buffers
// across runs otherwise.
type Runner struct {
	timeout time.Duration
	log     logx.Logger
}

func NewRunner(timeout time.Duration, log logx.Logger) *Runner {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{timeout: timeout, log: log}
}

// Run picks the nearest available server and measures latency, download and
// upload through it.
func (r *Runner) Run(ctx context.Context) (Result, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	st := speedtest.New()
	defer func() {
		st.Snapshots().Clean()
		st.Reset()
	}()

	if _, err := st.FetchUserInfoContext(ctx); err != nil {
		return Result{}, fmt.Errorf("fetch user info: %w", err)
	}
	servers, err := st.FetchServerListContext(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("fetch server list: %w", err)
	}
	if a := servers.Available(); a != nil {
		servers = *a
	}
	if len(servers) == 0 {
		return Result{}, errors.New("no speedtest servers available")
	}
	sort.Slice(servers, func(i, j int) bool {
		return servers[i].Distance < servers[j].Distance
	})
	srv := servers[0]

	if err := srv.PingTestContext(ctx, nil); err != nil {
		return Result{}, fmt.Errorf("ping test: %w", err)
	}
	if err := srv.DownloadTestContext(ctx); err != nil {
		return Result{}, fmt.Errorf("download test: %w", err)
	}
	if err := srv.UploadTestContext(ctx); err != nil {
		return Result{}, fmt.Errorf("upload test: %w", err)
	}

	res := Result{
		Server:   srv.Sponsor,
		Country:  srv.Country,
		Latency:  srv.Latency,
		Download: srv.DLSpeed.Mbps(),
		Upload:   srv.ULSpeed.Mbps(),
		Took:     time.Since(start),
	}
	r.log.Info("speedtest complete",
		logx.String("server", res.Server),
		logx.Float64("down_mbps", res.Download),
		logx.Float64("up_mbps", res.Upload))
	return res, nil
}
