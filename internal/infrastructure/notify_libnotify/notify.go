package notify_libnotify

import (
	"context"
	"os/exec"
	"strconv"
	"time"
)

// Notifier sends desktop notifications through notify-send. A soft notifier
// swallows failures, which is what a headless host wants.
type Notifier struct {
	soft bool
	bin  string
}

func NewSoft() *Notifier { return &Notifier{soft: true, bin: "notify-send"} }

type Options struct {
	Urgency string
	Expire  time.Duration
}

func (n *Notifier) NotifyWith(ctx context.Context, title, body string, opt Options) error {
	cmd := exec.CommandContext(ctx, n.bin, args(title, body, opt)...)
	if err := cmd.Run(); err != nil {
		if n.soft {
			return nil
		}
		return err
	}
	return nil
}

func args(title, body string, opt Options) []string {
	out := []string{"--app-name=ci-ingest"}
	if opt.Urgency != "" {
		out = append(out, "--urgency="+opt.Urgency)
	}
	if opt.Expire > 0 {
		out = append(out, "--expire-time="+strconv.FormatInt(opt.Expire.Milliseconds(), 10))
	}
	return append(out, title, body)
}
