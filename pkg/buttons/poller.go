package buttons

import (
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"

	"filament-host/pkg/log"
	"filament-host/pkg/reactor"
	"filament-host/pkg/serial"
)

// Poller reads state reports from the sensor controller and feeds them
// into a Registry. The controller emits one line per change:
//
//	buttons state <name>=<0|1> [<name>=<0|1> ...]
//
// Lines that do not match are logged and dropped.
type Poller struct {
	r      *reactor.Reactor
	reg    *Registry
	src    io.ReadCloser
	logger *log.Logger

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPoller creates a poller over src. Start begins reading.
func NewPoller(r *reactor.Reactor, reg *Registry, src io.ReadCloser) *Poller {
	return &Poller{
		r:      r,
		reg:    reg,
		src:    src,
		logger: log.GetLogger("buttons"),
		stop:   make(chan struct{}),
	}
}

// Start launches the read loop.
func (p *Poller) Start() {
	p.wg.Add(1)
	go p.readLoop()
}

// Stop closes the source and waits for the read loop to exit. Safe to
// call more than once.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.src.Close()
	})
	p.wg.Wait()
}

func (p *Poller) readLoop() {
	defer p.wg.Done()

	buf := make([]byte, 256)
	var pending []byte
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		n, err := p.src.Read(buf)
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, serial.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
				p.logger.Info("sensor link closed")
				return
			}
			select {
			case <-p.stop:
				return
			default:
			}
			p.logger.Error("sensor link read: %v", err)
			continue
		}
		if n == 0 {
			continue
		}

		pending = append(pending, buf[:n]...)
		for {
			idx := bytes.IndexByte(pending, '\n')
			if idx < 0 {
				break
			}
			line := strings.TrimRight(string(pending[:idx]), "\r")
			pending = pending[idx+1:]
			p.handleLine(line)
		}
	}
}

func (p *Poller) handleLine(line string) {
	if line == "" {
		return
	}
	fields := strings.Fields(line)
	if len(fields) < 3 || fields[0] != "buttons" || fields[1] != "state" {
		p.logger.Debug("ignoring sensor report %q", line)
		return
	}

	eventtime := p.r.Monotonic()
	for _, kv := range fields[2:] {
		name, val, ok := strings.Cut(kv, "=")
		if !ok {
			p.logger.Debug("malformed sensor report field %q", kv)
			continue
		}
		state, err := strconv.Atoi(val)
		if err != nil {
			p.logger.Debug("bad sensor state %q for %q", val, name)
			continue
		}
		p.reg.HandleState(eventtime, name, state)
	}
}
