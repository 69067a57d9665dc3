package sink

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// CSVSink records every stream to <dir>/<stream>.csv: a timestamp column
// followed by one column per channel.
type CSVSink struct {
	dir    string
	clock  func() float64
	logger *logrus.Logger
}

// NewCSVSink creates dir if needed.
func NewCSVSink(dir string, logger *logrus.Logger) (*CSVSink, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	return &CSVSink{dir: dir, clock: MonotonicClock(), logger: logger}, nil
}

func (s *CSVSink) LocalClock() float64 { return s.clock() }

func (s *CSVSink) Open(desc Desc) (Outlet, error) {
	if desc.Name == "" || desc.ChannelCount <= 0 {
		return nil, fmt.Errorf("invalid stream description %q with %d channels", desc.Name, desc.ChannelCount)
	}

	path := filepath.Join(s.dir, fileName(desc.Name)+".csv")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording %s: %w", path, err)
	}

	o := &CSVOutlet{desc: desc, file: f, w: csv.NewWriter(f), logger: s.logger}
	if fi, err := f.Stat(); err == nil && fi.Size() == 0 {
		header := make([]string, 0, desc.ChannelCount+1)
		header = append(header, "timestamp")
		for i := 0; i < desc.ChannelCount; i++ {
			if i < len(desc.Labels) && desc.Labels[i] != "" {
				header = append(header, desc.Labels[i])
			} else {
				header = append(header, "ch"+strconv.Itoa(i))
			}
		}
		if err := o.w.Write(header); err != nil {
			_ = f.Close()
			return nil, err
		}
		o.w.Flush()
	}

	s.logger.WithFields(logrus.Fields{"stream": desc.Name, "path": path}).Info("Recording stream")
	return o, nil
}

// fileName keeps letters, digits, dash and underscore.
func fileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

// CSVOutlet writes rows as they are pushed.
type CSVOutlet struct {
	desc   Desc
	logger *logrus.Logger

	mu     sync.Mutex
	file   *os.File
	w      *csv.Writer
	closed bool
}

func (o *CSVOutlet) PushFloat32(rows [][]float32, timestamps []float64) error {
	return o.write(len(rows), timestamps, func(i int) []string {
		rec := make([]string, len(rows[i]))
		for j, v := range rows[i] {
			rec[j] = strconv.FormatFloat(float64(v), 'g', -1, 32)
		}
		return rec
	})
}

func (o *CSVOutlet) PushFloat64(rows [][]float64, timestamps []float64) error {
	return o.write(len(rows), timestamps, func(i int) []string {
		rec := make([]string, len(rows[i]))
		for j, v := range rows[i] {
			rec[j] = strconv.FormatFloat(v, 'g', -1, 64)
		}
		return rec
	})
}

func (o *CSVOutlet) write(n int, timestamps []float64, row func(int) []string) error {
	if n != len(timestamps) {
		return fmt.Errorf("%d rows with %d timestamps", n, len(timestamps))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrOutletClosed
	}

	for i := 0; i < n; i++ {
		cells := row(i)
		if len(cells) != o.desc.ChannelCount {
			return fmt.Errorf("row %d has %d channels, stream %q declares %d", i, len(cells), o.desc.Name, o.desc.ChannelCount)
		}
		rec := append([]string{strconv.FormatFloat(timestamps[i], 'f', 6, 64)}, cells...)
		if err := o.w.Write(rec); err != nil {
			return err
		}
	}
	o.w.Flush()
	return o.w.Error()
}

func (o *CSVOutlet) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	o.closed = true
	o.w.Flush()
	if err := o.w.Error(); err != nil {
		_ = o.file.Close()
		return err
	}
	return o.file.Close()
}
