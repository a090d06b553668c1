// Package soft implements in-process codec components that satisfy the omx
// contract. They pass samples through unchanged, which is enough to drive the
// codec state machine end to end: callbacks arrive on the component's own
// goroutine, ports can be flushed, disabled and re-enabled, and output
// settings changes can be scripted.
package soft

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/jmylchreest/codecmux/internal/omx"
)

// Default port geometry.
const (
	DefaultBufferCount      = 4
	DefaultInputBufferSize  = 64 * 1024
	DefaultOutputBufferSize = 64 * 1024
)

// Options configures a software component.
type Options struct {
	InputBufferCount  int
	OutputBufferCount int
	InputBufferSize   int
	OutputBufferSize  int

	// CodecConfig is emitted by encoders as the first output buffer.
	CodecConfig []byte

	// ReconfigureAfter raises an output port settings change once this many
	// frames were produced. Zero disables it.
	ReconfigureAfter       int
	ReconfiguredBufferSize int
	ReconfiguredWidth      int
	ReconfiguredHeight     int

	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.InputBufferCount <= 0 {
		o.InputBufferCount = DefaultBufferCount
	}
	if o.OutputBufferCount <= 0 {
		o.OutputBufferCount = DefaultBufferCount
	}
	if o.InputBufferSize <= 0 {
		o.InputBufferSize = DefaultInputBufferSize
	}
	if o.OutputBufferSize <= 0 {
		o.OutputBufferSize = DefaultOutputBufferSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type buffer struct {
	port    omx.PortIndex
	data    []byte
	offset  int
	length  int
	flags   omx.BufferFlags
	ts      int64
	held    bool
	graphic *omx.GraphicBuffer
}

type port struct {
	def     omx.PortDefinition
	buffers omx.BufferTable[*buffer]
	queue   []omx.BufferID

	flushPending    bool
	disablePending  bool
	disableReturned bool
	enablePending   bool
}

func (p *port) pop() (omx.BufferID, *buffer) {
	id := p.queue[0]
	p.queue = p.queue[1:]
	b, _ := p.buffers.Get(id)
	b.held = false
	return id, b
}

// Component is a pass-through codec component.
type Component struct {
	name     string
	encoder  bool
	opts     Options
	observer omx.Observer
	logger   *slog.Logger

	mu               sync.Mutex
	state            omx.State
	target           omx.State
	transitioning    bool
	ports            [2]*port
	csd              [][]byte
	configSent       bool
	framesOut        int
	reconfigured     bool
	awaitingReconfig bool
	closed           bool

	kick chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a component in the loaded state and starts its callback goroutine.
func New(name string, observer omx.Observer, opts Options) *Component {
	opts.applyDefaults()
	c := &Component{
		name:     name,
		encoder:  strings.HasSuffix(name, ".encoder"),
		opts:     opts,
		observer: observer,
		logger:   opts.Logger.With(slog.String("component", "soft"), slog.String("name", name)),
		state:    omx.StateLoaded,
		kick:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	c.ports[omx.PortInput] = &port{def: omx.PortDefinition{
		Index:             omx.PortInput,
		Direction:         omx.DirInput,
		BufferCountMin:    opts.InputBufferCount,
		BufferCountActual: opts.InputBufferCount,
		BufferSize:        opts.InputBufferSize,
		Enabled:           true,
	}}
	c.ports[omx.PortOutput] = &port{def: omx.PortDefinition{
		Index:             omx.PortOutput,
		Direction:         omx.DirOutput,
		BufferCountMin:    opts.OutputBufferCount,
		BufferCountActual: opts.OutputBufferCount,
		BufferSize:        opts.OutputBufferSize,
		Enabled:           true,
	}}

	c.wg.Add(1)
	go c.run()
	return c
}

// Name returns the component name.
func (c *Component) Name() string { return c.name }

func (c *Component) signal() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

func (c *Component) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case <-c.kick:
		}
		for {
			msgs := c.step()
			if len(msgs) == 0 {
				break
			}
			for _, m := range msgs {
				c.observer.OnMessage(m)
			}
		}
	}
}

func (c *Component) portsFor(op string, param uint32) ([]*port, error) {
	switch omx.PortIndex(param) {
	case omx.PortInput, omx.PortOutput:
		return []*port{c.ports[param]}, nil
	case omx.PortAll:
		return c.ports[:], nil
	default:
		return nil, omx.NewError(op, omx.ErrorBadParameter)
	}
}

func (c *Component) port(op string, index omx.PortIndex) (*port, error) {
	if index != omx.PortInput && index != omx.PortOutput {
		return nil, omx.NewError(op, omx.ErrorBadParameter)
	}
	return c.ports[index], nil
}

// SendCommand queues a command; completion is reported through the observer.
func (c *Component) SendCommand(cmd omx.Command, param uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return omx.NewError("send_command", omx.ErrorIncorrectStateOperation)
	}

	switch cmd {
	case omx.CommandStateSet:
		target := omx.State(param)
		if c.transitioning || !validTransition(c.state, target) {
			return omx.NewError("send_command", omx.ErrorIncorrectStateOperation)
		}
		c.target = target
		c.transitioning = true
	case omx.CommandFlush:
		if c.state != omx.StateExecuting && c.state != omx.StateIdle {
			return omx.NewError("flush", omx.ErrorIncorrectStateOperation)
		}
		ports, err := c.portsFor("flush", param)
		if err != nil {
			return err
		}
		for _, p := range ports {
			p.flushPending = true
		}
	case omx.CommandPortDisable:
		ports, err := c.portsFor("port_disable", param)
		if err != nil {
			return err
		}
		for _, p := range ports {
			if !p.def.Enabled || p.disablePending {
				return omx.NewError("port_disable", omx.ErrorIncorrectStateOperation)
			}
		}
		for _, p := range ports {
			p.disablePending = true
			p.disableReturned = false
		}
	case omx.CommandPortEnable:
		ports, err := c.portsFor("port_enable", param)
		if err != nil {
			return err
		}
		for _, p := range ports {
			if p.def.Enabled || p.disablePending {
				return omx.NewError("port_enable", omx.ErrorIncorrectStateOperation)
			}
		}
		for _, p := range ports {
			p.enablePending = true
		}
	default:
		return omx.NewError("send_command", omx.ErrorNotImplemented)
	}

	c.signal()
	return nil
}

func validTransition(from, to omx.State) bool {
	switch {
	case from == omx.StateLoaded && to == omx.StateIdle:
	case from == omx.StateIdle && to == omx.StateExecuting:
	case from == omx.StateExecuting && to == omx.StateIdle:
	case from == omx.StateIdle && to == omx.StateLoaded:
	default:
		return false
	}
	return true
}

// GetParameter returns the current definition of a port.
func (c *Component) GetParameter(index omx.PortIndex) (omx.PortDefinition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port("get_parameter", index)
	if err != nil {
		return omx.PortDefinition{}, err
	}
	def := p.def
	def.Populated = p.buffers.Len() >= def.BufferCountActual
	return def, nil
}

// SetParameter updates a port definition. Only allowed while loaded, including
// a pending loaded to idle transition, or while the port is disabled.
func (c *Component) SetParameter(def omx.PortDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port("set_parameter", def.Index)
	if err != nil {
		return err
	}
	if c.state != omx.StateLoaded && p.def.Enabled {
		return omx.NewError("set_parameter", omx.ErrorIncorrectStateOperation)
	}
	if def.BufferCountActual < p.def.BufferCountMin {
		return omx.NewError("set_parameter", omx.ErrorBadParameter)
	}
	p.def.BufferCountActual = def.BufferCountActual
	if def.BufferSize > p.def.BufferSize {
		p.def.BufferSize = def.BufferSize
	}
	p.def.MIME = def.MIME
	p.def.Video = def.Video
	p.def.Audio = def.Audio
	return nil
}

func (c *Component) canRegister(p *port) bool {
	if c.state == omx.StateLoaded && c.transitioning && c.target == omx.StateIdle {
		return true
	}
	return p.enablePending
}

func (c *Component) register(op string, index omx.PortIndex, b *buffer) (omx.BufferID, error) {
	p, err := c.port(op, index)
	if err != nil {
		return 0, err
	}
	if c.closed || !c.canRegister(p) {
		return 0, omx.NewError(op, omx.ErrorIncorrectStateOperation)
	}
	if len(b.data) < p.def.BufferSize {
		return 0, omx.NewError(op, omx.ErrorBadParameter)
	}
	if p.buffers.Len() >= p.def.BufferCountActual {
		return 0, omx.NewError(op, omx.ErrorInsufficientResources)
	}
	b.port = index
	id := p.buffers.Insert(b)
	c.signal()
	return id, nil
}

// UseBuffer registers caller-provided memory with a port.
func (c *Component) UseBuffer(index omx.PortIndex, data []byte) (omx.BufferID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.register("use_buffer", index, &buffer{data: data})
}

// UseGraphicBuffer registers a native window buffer with the output port.
func (c *Component) UseGraphicBuffer(index omx.PortIndex, gb *omx.GraphicBuffer) (omx.BufferID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if index != omx.PortOutput || gb == nil {
		return 0, omx.NewError("use_graphic_buffer", omx.ErrorBadParameter)
	}
	return c.register("use_graphic_buffer", index, &buffer{data: gb.Data, graphic: gb})
}

// AllocateBuffer allocates component-owned memory for a port.
func (c *Component) AllocateBuffer(index omx.PortIndex, size int) (omx.BufferID, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port("allocate_buffer", index)
	if err != nil {
		return 0, nil, err
	}
	size = max(size, p.def.BufferSize)
	data := make([]byte, size)
	id, err := c.register("allocate_buffer", index, &buffer{data: data})
	if err != nil {
		return 0, nil, err
	}
	return id, data, nil
}

// FreeBuffer unregisters a buffer.
func (c *Component) FreeBuffer(index omx.PortIndex, id omx.BufferID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, err := c.port("free_buffer", index)
	if err != nil {
		return err
	}
	b, ok := p.buffers.Remove(id)
	if !ok {
		return omx.NewError("free_buffer", omx.ErrorBadParameter)
	}
	if b.held {
		c.logger.Warn("buffer freed while queued", slog.String("buffer", id.String()))
		p.queue = removeID(p.queue, id)
	}
	c.signal()
	return nil
}

func removeID(ids []omx.BufferID, id omx.BufferID) []omx.BufferID {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

func (c *Component) queueBuffer(op string, index omx.PortIndex, id omx.BufferID) (*buffer, error) {
	p := c.ports[index]
	if c.closed || (c.state != omx.StateExecuting && c.state != omx.StateIdle) {
		return nil, omx.NewError(op, omx.ErrorIncorrectStateOperation)
	}
	if !p.def.Enabled || p.disablePending {
		return nil, omx.NewError(op, omx.ErrorIncorrectStateOperation)
	}
	b, ok := p.buffers.Get(id)
	if !ok {
		return nil, omx.NewError(op, omx.ErrorBadParameter)
	}
	if b.held {
		return nil, omx.NewError(op, omx.ErrorIncorrectStateOperation)
	}
	return b, nil
}

// EmptyBuffer hands an input buffer holding data to the component.
func (c *Component) EmptyBuffer(id omx.BufferID, offset, length int, flags omx.BufferFlags, timestampUs int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.queueBuffer("empty_buffer", omx.PortInput, id)
	if err != nil {
		return err
	}
	if offset < 0 || length < 0 || offset+length > len(b.data) {
		return omx.NewError("empty_buffer", omx.ErrorBadParameter)
	}
	b.offset, b.length, b.flags, b.ts = offset, length, flags, timestampUs
	b.held = true
	c.ports[omx.PortInput].queue = append(c.ports[omx.PortInput].queue, id)
	c.signal()
	return nil
}

// FillBuffer hands an empty output buffer to the component.
func (c *Component) FillBuffer(id omx.BufferID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, err := c.queueBuffer("fill_buffer", omx.PortOutput, id)
	if err != nil {
		return err
	}
	b.offset, b.length, b.flags, b.ts = 0, 0, 0, 0
	b.held = true
	c.ports[omx.PortOutput].queue = append(c.ports[omx.PortOutput].queue, id)
	c.signal()
	return nil
}

// Close stops the callback goroutine. Buffers still registered are dropped.
func (c *Component) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	c.wg.Wait()
	return nil
}
