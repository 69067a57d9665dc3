package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"github.com/srg/musebridge/manager"
)

// statusPrinter renders device events as one line each.
type statusPrinter struct {
	w   io.Writer
	now func() time.Time

	online    *color.Color
	offline   *color.Color
	streaming *color.Color
	dim       *color.Color
}

func newStatusPrinter(w io.Writer) *statusPrinter {
	p := &statusPrinter{
		w:         w,
		now:       time.Now,
		online:    color.New(color.FgGreen),
		offline:   color.New(color.FgRed),
		streaming: color.New(color.FgCyan, color.Bold),
		dim:       color.New(color.FgHiBlack),
	}
	if !isTerminal(w) {
		for _, c := range []*color.Color{p.online, p.offline, p.streaming, p.dim} {
			c.DisableColor()
		}
	}
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func (p *statusPrinter) label(ev manager.DeviceEvent) string {
	switch ev.Type {
	case manager.EventOnline:
		return p.online.Sprint("ONLINE")
	case manager.EventOffline:
		return p.offline.Sprint("OFFLINE")
	case manager.EventStreamingStarted:
		return p.streaming.Sprint("STREAMING")
	case manager.EventStreamingStopped:
		return p.online.Sprint("IDLE")
	case manager.EventAdded:
		return "FOUND"
	case manager.EventRemoved:
		return p.dim.Sprint("REMOVED")
	}
	return strings.ToUpper(ev.Type.String())
}

// Print writes ev unless it is a routine RSSI update.
func (p *statusPrinter) Print(ev manager.DeviceEvent) {
	if ev.Type == manager.EventUpdated {
		return
	}
	d := ev.Device
	fmt.Fprintf(p.w, "%s  %-10s %-20s %s  %s\n",
		p.dim.Sprint(p.now().Format("15:04:05")),
		p.label(ev),
		d.Name,
		d.Address,
		p.dim.Sprintf("%s, %d ch, %d dBm", d.Variant, len(d.Labels), d.RSSI),
	)
}
